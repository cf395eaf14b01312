package main

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/sigtrust/internal/ocsp"
	"github.com/remiblancher/sigtrust/internal/testpki"
)

const testSender = "EE/GOV/1234"

// executeCommand executes a Cobra command with the given args and returns output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// resetFlags resets every command flag to its default value.
func resetFlags() {
	configPath = ""
	anchorsDir = ""
	cacheDir = ""
	auditLog = ""
	logLevel = ""
	logFormat = ""

	verifySender = ""
	verifyAttachments = nil
	verifyAt = ""
	verifyJSON = false

	chainAt = ""
	chainNoRevocation = false

	ocspStatusURL = ""
	ocspStatusJSON = false
	ocspRefreshJSON = false

	serveListen = ""
	serveResponderCert = ""
	serveResponderKey = ""

	signKey = ""
	signCert = ""
	signOutput = ""
	signAttachments = nil
}

// testContext is a federation directory served by one OCSP responder per CA,
// with the member's key and certificate on disk.
type testContext struct {
	t        *testing.T
	tempDir  string
	pki      *testpki.PKI
	fedDir   string
	cacheDir string
	keyPath  string
	certPath string
}

func newResponderServer(t *testing.T, signer *testpki.Cert, ca *x509.Certificate, table *ocsp.StatusTable) string {
	t.Helper()
	r, err := ocsp.NewResponder(ocsp.ResponderConfig{
		ResponderCert: signer.Cert,
		Signer:        signer.Key.Signer,
		Algorithm:     signer.Key.Alg,
		CACert:        ca,
		Table:         table,
	})
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	resetFlags()
	t.Setenv("SIGTRUST_ANCHORS_DIR", "")
	t.Setenv("SIGTRUST_CACHE_DIR", "")
	t.Setenv("SIGTRUST_AUDIT_LOG", "")

	dir := t.TempDir()
	pki := testpki.NewPKI(t)

	rootTable := ocsp.NewStatusTable()
	rootTable.SetGood(pki.Intermediate.Cert.SerialNumber)
	intTable := ocsp.NewStatusTable()
	intTable.SetGood(pki.Leaf.Cert.SerialNumber)

	tc := &testContext{
		t:        t,
		tempDir:  dir,
		pki:      pki,
		fedDir:   filepath.Join(dir, "federation"),
		cacheDir: filepath.Join(dir, "ocsp"),
		keyPath:  filepath.Join(dir, "member.key"),
		certPath: filepath.Join(dir, "member.pem"),
	}
	testpki.WriteFederation(t, tc.fedDir, pki, testpki.Federation{
		Instance:      "EE",
		AnchorOCSPURL: newResponderServer(t, pki.RootResp, pki.Root.Cert, rootTable),
		OCSPURL:       newResponderServer(t, pki.Responder, pki.Intermediate.Cert, intTable),
		Members:       map[string]*x509.Certificate{testSender: pki.Leaf.Cert},
	})

	der, err := x509.MarshalPKCS8PrivateKey(pki.Leaf.Key.Signer)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}
	tc.writeFile("member.key", string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
	testpki.WritePEM(t, tc.certPath, pki.Leaf.Cert)
	return tc
}

// path returns a path within the temp directory.
func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

// writeFile writes content to a file in the temp directory.
func (tc *testContext) writeFile(name, content string) string {
	tc.t.Helper()
	path := tc.path(name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tc.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

// run executes args with the federation flags set and quiet logs.
func (tc *testContext) run(args ...string) (string, error) {
	tc.t.Helper()
	resetFlags()
	full := append([]string{}, args...)
	full = append(full,
		"--anchors-dir", tc.fedDir,
		"--cache-dir", tc.cacheDir,
		"--log-level", "error",
	)
	return executeCommand(rootCmd, full...)
}

// refresh fills the OCSP cache.
func (tc *testContext) refresh() {
	tc.t.Helper()
	if out, err := tc.run("ocsp", "refresh"); err != nil {
		tc.t.Fatalf("ocsp refresh error = %v\n%s", err, out)
	}
}

// sign signs a message body and returns the container path.
func (tc *testContext) sign(name, body string) string {
	tc.t.Helper()
	msg := tc.writeFile(name, body)
	if out, err := tc.run("sign", msg, "--key", tc.keyPath, "--cert", tc.certPath); err != nil {
		tc.t.Fatalf("sign error = %v\n%s", err, out)
	}
	return msg + ".asice"
}

func assertContains(t *testing.T, output string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(output, w) {
			t.Errorf("output missing %q:\n%s", w, output)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
