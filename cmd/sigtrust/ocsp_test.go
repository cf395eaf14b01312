package main

import (
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/remiblancher/sigtrust/internal/api/dto"
	"github.com/remiblancher/sigtrust/internal/testpki"
)

// =============================================================================
// OCSP Status and Refresh Tests
// =============================================================================

func TestF_OCSP_Status_Empty(t *testing.T) {
	tc := newTestContext(t)

	out, err := tc.run("ocsp", "status")
	if err != nil {
		t.Fatalf("ocsp status error = %v\n%s", err, out)
	}
	assertContains(t, out, "Instance:   EE", "Scheduler:  disabled", "No cached responses")
}

func TestF_OCSP_Refresh(t *testing.T) {
	tc := newTestContext(t)

	out, err := tc.run("ocsp", "refresh", "--json")
	if err != nil {
		t.Fatalf("ocsp refresh error = %v\n%s", err, out)
	}
	var status dto.OCSPStatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("Unmarshal() error = %v\n%s", err, out)
	}
	if len(status.Authorities) != 2 {
		t.Fatalf("authorities = %d, want root and intermediate", len(status.Authorities))
	}
	for _, a := range status.Authorities {
		if a.Status != "ok" || a.LastSuccess == nil {
			t.Errorf("authority %s = %+v", a.Subject, a)
		}
	}
	if len(status.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(status.Entries))
	}

	// The cache directory keeps the responses across runs.
	out, err = tc.run("ocsp", "status")
	if err != nil {
		t.Fatalf("ocsp status error = %v\n%s", err, out)
	}
	assertContains(t, out, "Test Member", "good")
	if strings.Contains(out, "No cached responses") {
		t.Errorf("status lost the cached responses:\n%s", out)
	}
}

func TestF_OCSP_Refresh_ResponderDown(t *testing.T) {
	tc := newTestContext(t)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	testpki.WriteFederation(t, tc.fedDir, tc.pki, testpki.Federation{
		Instance: "EE",
		OCSPURL:  down.URL,
		Members:  map[string]*x509.Certificate{testSender: tc.pki.Leaf.Cert},
	})

	out, err := tc.run("ocsp", "refresh")
	if err == nil || !strings.Contains(err.Error(), "refresh round failed") {
		t.Fatalf("ocsp refresh error = %v", err)
	}
	assertContains(t, out, "error")
}

func TestF_OCSP_Status_URL(t *testing.T) {
	tc := newTestContext(t)
	tc.refresh()

	rt := tc.openRuntime()
	svc, err := newService(rt, "test")
	if err != nil {
		t.Fatalf("newService() error = %v", err)
	}
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	resetFlags()
	out, err := executeCommand(rootCmd, "ocsp", "status", "--url", srv.URL+"/", "--json")
	if err != nil {
		t.Fatalf("ocsp status error = %v\n%s", err, out)
	}
	var status dto.OCSPStatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("Unmarshal() error = %v\n%s", err, out)
	}
	if status.Instance != "EE" || status.Scheduler != "idle" || len(status.Entries) != 2 {
		t.Errorf("status = %+v", status)
	}
}

func TestU_OCSP_Status_URLErrors(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(notFound.Close)
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(garbage.Close)

	for _, url := range []string{notFound.URL, garbage.URL, "http://127.0.0.1:1"} {
		resetFlags()
		if _, err := executeCommand(rootCmd, "ocsp", "status", "--url", url); err == nil {
			t.Errorf("ocsp status --url %s should fail", url)
		}
	}
}
