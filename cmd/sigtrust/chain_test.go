package main

import (
	"crypto/x509"
	"strings"
	"testing"
	"time"

	"github.com/remiblancher/sigtrust/internal/testpki"
)

// =============================================================================
// Chain Tests
// =============================================================================

func TestF_Chain_WithRevocation(t *testing.T) {
	tc := newTestContext(t)
	tc.refresh()

	out, err := tc.run("chain", tc.certPath)
	if err != nil {
		t.Fatalf("chain error = %v\n%s", err, out)
	}
	assertContains(t, out, "Test Member", "Test Intermediate CA", "anchor", "good", "Path OK")
}

func TestF_Chain_RevocationUnchecked(t *testing.T) {
	tc := newTestContext(t)

	if _, err := tc.run("chain", tc.certPath); err == nil {
		t.Error("chain without cached responses should fail")
	}
	out, err := tc.run("chain", tc.certPath, "--no-revocation")
	if err != nil {
		t.Fatalf("chain --no-revocation error = %v\n%s", err, out)
	}
	assertContains(t, out, "Path OK (revocation not checked)")
}

func TestF_Chain_Rejected(t *testing.T) {
	tc := newTestContext(t)

	foreign := testpki.NewPKI(t)
	foreignPath := tc.path("foreign.pem")
	testpki.WritePEM(t, foreignPath, foreign.Leaf.Cert)

	expired := testpki.Issue(t, tc.pki.Intermediate, testpki.ECKey(t), testpki.Options{
		CommonName: "Expired Member",
		NotBefore:  time.Now().Add(-48 * time.Hour),
		NotAfter:   time.Now().Add(-24 * time.Hour),
	})
	expiredPath := tc.path("expired.pem")
	testpki.WritePEM(t, expiredPath, expired.Cert)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"[Functional] Chain: foreign certificate", []string{"chain", foreignPath, "--no-revocation"}, "path"},
		{"[Functional] Chain: expired certificate", []string{"chain", expiredPath, "--no-revocation"}, "validity"},
		{"[Functional] Chain: before validity", []string{"chain", tc.certPath, "--no-revocation", "--at", "2001-01-01T00:00:00Z"}, "validity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.run(tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("chain error = %v, want one mentioning %q", err, tt.want)
			}
		})
	}
}

func TestU_Chain_InvalidArgs(t *testing.T) {
	tc := newTestContext(t)
	empty := tc.writeFile("empty.pem", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")

	for _, args := range [][]string{
		{"chain", tc.path("missing.pem")},
		{"chain", empty},
		{"chain", tc.certPath, "--at", "soon"},
	} {
		if _, err := tc.run(args...); err == nil {
			t.Errorf("%v should fail", args)
		}
	}
}

func TestU_Chain_IntermediatesFromFile(t *testing.T) {
	tc := newTestContext(t)
	bundle := tc.path("bundle.pem")
	testpki.WritePEM(t, bundle, []*x509.Certificate{tc.pki.Leaf.Cert, tc.pki.Intermediate.Cert}...)

	out, err := tc.run("chain", bundle, "--no-revocation")
	if err != nil {
		t.Fatalf("chain error = %v\n%s", err, out)
	}
	assertContains(t, out, "Test Root CA")
}
