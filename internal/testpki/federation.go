package testpki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WritePEM writes certs to path as PEM.
func WritePEM(t testing.TB, path string, certs ...*x509.Certificate) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	var b strings.Builder
	for _, c := range certs {
		_ = pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// Federation describes a federation directory to write.
type Federation struct {
	Instance       string
	OCSPURL        string // configured on the intermediate
	AnchorOCSPURL  string // configured on the root
	OCSPResponders []*x509.Certificate
	Members        map[string]*x509.Certificate // client id → certificate
}

// WriteFederation writes federation.yaml and PEM files for pki under dir:
// the root as anchor and the intermediate as approved CA.
func WriteFederation(t testing.TB, dir string, pki *PKI, f Federation) {
	t.Helper()
	WritePEM(t, filepath.Join(dir, "anchors", "root.pem"), pki.Root.Cert)
	WritePEM(t, filepath.Join(dir, "ca", "intermediate.pem"), pki.Intermediate.Cert)

	var b strings.Builder
	fmt.Fprintf(&b, "instance: %s\n", f.Instance)
	b.WriteString("anchors:\n  - cert: anchors/root.pem\n")
	if f.AnchorOCSPURL != "" {
		fmt.Fprintf(&b, "    ocsp_urls: [%q]\n", f.AnchorOCSPURL)
	}
	b.WriteString("intermediates:\n  - cert: ca/intermediate.pem\n")
	if f.OCSPURL != "" {
		fmt.Fprintf(&b, "    ocsp_urls: [%q]\n", f.OCSPURL)
	}
	if len(f.OCSPResponders) > 0 {
		b.WriteString("ocsp_responders:\n")
		for i, c := range f.OCSPResponders {
			name := fmt.Sprintf("ocsp/responder-%d.pem", i)
			WritePEM(t, filepath.Join(dir, name), c)
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}
	if len(f.Members) > 0 {
		b.WriteString("members:\n")
		i := 0
		for id, c := range f.Members {
			name := fmt.Sprintf("members/member-%d.pem", i)
			WritePEM(t, filepath.Join(dir, name), c)
			fmt.Fprintf(&b, "  - client_id: %q\n    cert: %s\n", id, name)
			i++
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "federation.yaml"), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("Failed to write federation.yaml: %v", err)
	}
}
