package anchors

import (
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remiblancher/sigtrust/internal/testpki"
)

func staticFor(pki *testpki.PKI) *Static {
	return &Static{
		InstanceID:     "EE",
		Anchors:        []CA{{Cert: pki.Root.Cert}},
		Intermediates:  []CA{{Cert: pki.Intermediate.Cert, OCSPURLs: []string{"http://ocsp.example.test"}}},
		OCSPResponders: []*x509.Certificate{pki.Responder.Cert},
		Members:        []Member{{ClientID: "EE/GOV/1234", Cert: pki.Leaf.Cert}},
	}
}

func TestU_Static_CACertificate(t *testing.T) {
	pki := testpki.NewPKI(t)
	s := staticFor(pki)
	stranger := testpki.SelfSigned(t, testpki.ECKey(t), testpki.Options{CommonName: "Stranger"})

	tests := []struct {
		name     string
		instance string
		cert     *x509.Certificate
		want     *x509.Certificate
		wantErr  error
	}{
		{"[Unit] CACertificate: member through intermediate", "EE", pki.Leaf.Cert, pki.Root.Cert, nil},
		{"[Unit] CACertificate: intermediate", "EE", pki.Intermediate.Cert, pki.Root.Cert, nil},
		{"[Unit] CACertificate: wrong instance", "FI", pki.Leaf.Cert, nil, ErrUnknownInstance},
		{"[Unit] CACertificate: unknown issuer", "EE", stranger.Cert, nil, ErrNoTrustAnchor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CACertificate(tt.instance, tt.cert)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CACertificate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CACertificate() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("CACertificate() = %s, want %s", got.Subject, tt.want.Subject)
			}
		})
	}
}

func TestU_Static_SubjectName(t *testing.T) {
	pki := testpki.NewPKI(t)
	s := staticFor(pki)

	id, err := s.SubjectName("EE", pki.Leaf.Cert)
	if err != nil {
		t.Fatalf("SubjectName() error = %v", err)
	}
	if id != "EE/GOV/1234" {
		t.Errorf("SubjectName() = %q", id)
	}
	if _, err := s.SubjectName("EE", pki.Intermediate.Cert); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("SubjectName(non-member) error = %v, want ErrUnknownMember", err)
	}
	if _, err := s.SubjectName("XX", pki.Leaf.Cert); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("SubjectName(wrong instance) error = %v, want ErrUnknownInstance", err)
	}
}

func TestU_Static_OCSPResponderAddresses(t *testing.T) {
	pki := testpki.NewPKI(t)
	withAIA := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{
		CommonName: "AIA Member",
		OCSPServer: []string{"http://aia.example.test", "http://ocsp.example.test"},
	})
	s := staticFor(pki)

	got := s.OCSPResponderAddresses(withAIA.Cert)
	want := []string{"http://aia.example.test", "http://ocsp.example.test"}
	if len(got) != len(want) {
		t.Fatalf("addresses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("addresses[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := s.OCSPResponderAddresses(pki.Intermediate.Cert); len(got) != 0 {
		t.Errorf("addresses for intermediate = %v, want none", got)
	}
}

func TestU_Static_Lists(t *testing.T) {
	pki := testpki.NewPKI(t)
	s := staticFor(pki)
	if n := len(s.CACertificates()); n != 2 {
		t.Errorf("CACertificates() = %d, want 2", n)
	}
	if n := len(s.MemberCertificates()); n != 1 {
		t.Errorf("MemberCertificates() = %d, want 1", n)
	}
	if n := len(s.OCSPResponderCertificates()); n != 1 {
		t.Errorf("OCSPResponderCertificates() = %d, want 1", n)
	}
	if Issuer(s.CACertificates(), pki.Leaf.Cert) != pki.Intermediate.Cert {
		t.Error("Issuer() should find the intermediate")
	}
	if Issuer(s.CACertificates(), pki.Root.Cert) != nil {
		t.Error("Issuer() of the root should be nil")
	}
	if !IsSelfSigned(pki.Root.Cert) || IsSelfSigned(pki.Leaf.Cert) {
		t.Error("IsSelfSigned() mismatch")
	}
}

func TestU_LoadDirectory(t *testing.T) {
	pki := testpki.NewPKI(t)
	dir := t.TempDir()
	testpki.WriteFederation(t, dir, pki, testpki.Federation{
		Instance:       "EE",
		OCSPURL:        "http://ocsp.example.test",
		OCSPResponders: []*x509.Certificate{pki.Responder.Cert},
		Members:        map[string]*x509.Certificate{"EE/GOV/1234": pki.Leaf.Cert},
	})

	d, err := OpenDirectory(dir, nil)
	if err != nil {
		t.Fatalf("OpenDirectory() error = %v", err)
	}
	if d.Instance() != "EE" {
		t.Errorf("Instance() = %q", d.Instance())
	}
	anchor, err := d.CACertificate("EE", pki.Leaf.Cert)
	if err != nil || !anchor.Equal(pki.Root.Cert) {
		t.Fatalf("CACertificate() = %v, %v", anchor, err)
	}
	if id, err := d.SubjectName("EE", pki.Leaf.Cert); err != nil || id != "EE/GOV/1234" {
		t.Errorf("SubjectName() = %q, %v", id, err)
	}
	if got := d.OCSPResponderAddresses(pki.Leaf.Cert); len(got) != 1 || got[0] != "http://ocsp.example.test" {
		t.Errorf("OCSPResponderAddresses() = %v", got)
	}
	if n := len(d.OCSPResponderCertificates()); n != 1 {
		t.Errorf("OCSPResponderCertificates() = %d, want 1", n)
	}
}

func TestU_LoadDirectory_Invalid(t *testing.T) {
	pki := testpki.NewPKI(t)

	tests := []struct {
		name  string
		index string
	}{
		{"[Unit] LoadDirectory: bad YAML", "instance: [EE"},
		{"[Unit] LoadDirectory: no instance", "anchors:\n  - cert: anchors/root.pem\n"},
		{"[Unit] LoadDirectory: no anchors", "instance: EE\n"},
		{"[Unit] LoadDirectory: missing file", "instance: EE\nanchors:\n  - cert: anchors/missing.pem\n"},
		{"[Unit] LoadDirectory: member without id", "instance: EE\nanchors:\n  - cert: anchors/root.pem\nmembers:\n  - cert: anchors/root.pem\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			testpki.WritePEM(t, filepath.Join(dir, "anchors", "root.pem"), pki.Root.Cert)
			if err := os.WriteFile(filepath.Join(dir, IndexFile), []byte(tt.index), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadDirectory(dir); err == nil {
				t.Error("LoadDirectory() should fail")
			}
		})
	}

	if _, err := LoadDirectory(t.TempDir()); err == nil {
		t.Error("LoadDirectory() without index should fail")
	}
}

func TestF_Directory_Watch(t *testing.T) {
	pki := testpki.NewPKI(t)
	dir := t.TempDir()
	testpki.WriteFederation(t, dir, pki, testpki.Federation{Instance: "EE"})

	d, err := OpenDirectory(dir, nil)
	if err != nil {
		t.Fatalf("OpenDirectory() error = %v", err)
	}
	if err := d.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer d.Close()

	if len(d.MemberCertificates()) != 0 {
		t.Fatal("expected no members before the change")
	}
	testpki.WriteFederation(t, dir, pki, testpki.Federation{
		Instance: "EE",
		Members:  map[string]*x509.Certificate{"EE/GOV/1234": pki.Leaf.Cert},
	})

	deadline := time.After(5 * time.Second)
	for len(d.MemberCertificates()) != 1 {
		select {
		case <-d.Changes():
		case <-deadline:
			t.Fatalf("MemberCertificates() = %d after rewriting the directory, want 1", len(d.MemberCertificates()))
		}
	}
}

func TestU_Directory_ReloadKeepsPreviousOnError(t *testing.T) {
	pki := testpki.NewPKI(t)
	dir := t.TempDir()
	testpki.WriteFederation(t, dir, pki, testpki.Federation{Instance: "EE"})
	d, err := OpenDirectory(dir, nil)
	if err != nil {
		t.Fatalf("OpenDirectory() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, IndexFile), []byte("instance: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.Reload(); err == nil {
		t.Fatal("Reload() should fail on a broken index")
	}
	if d.Instance() != "EE" {
		t.Error("previous state should be kept after a failed reload")
	}
}

func TestU_ParseCertificates(t *testing.T) {
	pki := testpki.NewPKI(t)
	path := filepath.Join(t.TempDir(), "bundle.pem")
	testpki.WritePEM(t, path, pki.Root.Cert, pki.Intermediate.Cert)
	bundle, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr bool
	}{
		{"[Unit] ParseCertificates: PEM bundle", bundle, 2, false},
		{"[Unit] ParseCertificates: DER certificate", pki.Leaf.Cert.Raw, 1, false},
		{"[Unit] ParseCertificates: garbage", []byte("not a certificate"), 0, true},
		{"[Unit] ParseCertificates: empty", nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certs, err := ParseCertificates(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCertificates() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(certs) != tt.want {
				t.Errorf("ParseCertificates() = %d certificates, want %d", len(certs), tt.want)
			}
		})
	}
}
