package ocsp

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remiblancher/sigtrust/internal/crypto"
	"github.com/remiblancher/sigtrust/internal/testpki"
)

var sha256Alg = crypto.DigestByName("SHA-256")

// buildResponse signs a response from signer covering cert under issuer.
func buildResponse(t *testing.T, signer *testpki.Cert, issuer, cert *x509.Certificate, status CertStatus, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	id, err := NewCertID(sha256Alg, issuer, cert)
	if err != nil {
		t.Fatalf("NewCertID() error = %v", err)
	}
	b := NewResponseBuilder(signer.Cert, signer.Key.Signer, signer.Key.Alg)
	switch status {
	case CertStatusGood:
		b.AddGood(id, thisUpdate, nextUpdate)
	case CertStatusRevoked:
		b.AddRevoked(id, thisUpdate, nextUpdate, thisUpdate.Add(-time.Hour), ReasonKeyCompromise)
	default:
		b.AddUnknown(id, thisUpdate, nextUpdate)
	}
	der, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return der
}

// =============================================================================
// Request Tests
// =============================================================================

func TestU_CreateRequest_RoundTrip(t *testing.T) {
	pki := testpki.NewPKI(t)
	other := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{CommonName: "Second Member"})
	nonce := []byte("0123456789abcdef")

	req, err := CreateRequest(sha256Alg, pki.Intermediate.Cert, []*x509.Certificate{pki.Leaf.Cert, other.Cert}, nonce)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	der, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	parsed, err := ParseRequest(der)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	if len(parsed.TBSRequest.RequestList) != 2 {
		t.Fatalf("RequestList length = %d, want 2", len(parsed.TBSRequest.RequestList))
	}
	if !bytes.Equal(parsed.Nonce(), nonce) {
		t.Errorf("Nonce() = %x, want %x", parsed.Nonce(), nonce)
	}
	id := parsed.TBSRequest.RequestList[0].ReqCert
	if !id.Matches(pki.Intermediate.Cert, pki.Leaf.Cert.SerialNumber) {
		t.Error("first CertID should match the leaf")
	}
	if id.Matches(pki.Root.Cert, pki.Leaf.Cert.SerialNumber) {
		t.Error("CertID should not match a different issuer")
	}
	if !parsed.TBSRequest.RequestList[1].ReqCert.Matches(pki.Intermediate.Cert, other.Cert.SerialNumber) {
		t.Error("second CertID should match the second member")
	}
}

func TestU_CreateRequest_NoCertificates(t *testing.T) {
	pki := testpki.NewPKI(t)
	if _, err := CreateRequest(sha256Alg, pki.Intermediate.Cert, nil, nil); err == nil {
		t.Error("CreateRequest() should fail without certificates")
	}
}

func TestU_NewCertID_DigestAlgorithms(t *testing.T) {
	pki := testpki.NewPKI(t)

	tests := []struct {
		name    string
		alg     crypto.DigestAlgorithm
		size    int
		wantErr bool
	}{
		{"[Unit] CertID: SHA-1", crypto.DigestByName("SHA-1"), 20, false},
		{"[Unit] CertID: SHA-256", crypto.DigestByName("SHA-256"), 32, false},
		{"[Unit] CertID: SHA-384", crypto.DigestByName("SHA-384"), 48, false},
		{"[Unit] CertID: BLAKE3 has no OID", crypto.DigestByName("BLAKE3-256"), 0, true},
		{"[Unit] CertID: unknown", crypto.DigestByName("MD5"), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewCertID(tt.alg, pki.Intermediate.Cert, pki.Leaf.Cert)
			if tt.wantErr {
				if !errors.Is(err, crypto.ErrUnknownAlgorithm) {
					t.Fatalf("NewCertID() error = %v, want ErrUnknownAlgorithm", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCertID() error = %v", err)
			}
			if len(id.IssuerNameHash) != tt.size || len(id.IssuerKeyHash) != tt.size {
				t.Errorf("hash sizes = %d/%d, want %d", len(id.IssuerNameHash), len(id.IssuerKeyHash), tt.size)
			}
			if !id.MatchesIssuer(pki.Intermediate.Cert) {
				t.Error("MatchesIssuer() = false")
			}
		})
	}
}

func TestU_ParseRequest_Invalid(t *testing.T) {
	pki := testpki.NewPKI(t)
	req, err := CreateRequest(sha256Alg, pki.Intermediate.Cert, []*x509.Certificate{pki.Leaf.Cert}, nil)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	good, _ := req.Marshal()

	empty := &OCSPRequest{}
	emptyDER, _ := empty.Marshal()

	tests := []struct {
		name string
		data []byte
	}{
		{"[Unit] ParseRequest: nil", nil},
		{"[Unit] ParseRequest: garbage", []byte{0xff, 0x01, 0x02}},
		{"[Unit] ParseRequest: trailing data", append(append([]byte{}, good...), 0x00)},
		{"[Unit] ParseRequest: empty request list", emptyDER},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRequest(tt.data); err == nil {
				t.Error("ParseRequest() should fail")
			}
		})
	}
}

func TestU_ParseRequestFromHTTP(t *testing.T) {
	pki := testpki.NewPKI(t)
	req, _ := CreateRequest(sha256Alg, pki.Intermediate.Cert, []*x509.Certificate{pki.Leaf.Cert}, nil)
	der, _ := req.Marshal()

	tests := []struct {
		name    string
		req     *http.Request
		wantErr bool
	}{
		{"[Unit] HTTP: POST", httptest.NewRequest(http.MethodPost, "/ocsp", bytes.NewReader(der)), false},
		{"[Unit] HTTP: GET", httptest.NewRequest(http.MethodGet, "/ocsp/"+base64.URLEncoding.EncodeToString(der), nil), false},
		{"[Unit] HTTP: GET without request", httptest.NewRequest(http.MethodGet, "/", nil), true},
		{"[Unit] HTTP: POST empty body", httptest.NewRequest(http.MethodPost, "/ocsp", nil), true},
		{"[Unit] HTTP: PUT", httptest.NewRequest(http.MethodPut, "/ocsp", bytes.NewReader(der)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseRequestFromHTTP(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRequestFromHTTP() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !parsed.TBSRequest.RequestList[0].ReqCert.Matches(pki.Intermediate.Cert, pki.Leaf.Cert.SerialNumber) {
				t.Error("parsed CertID does not match the leaf")
			}
		})
	}
}

// =============================================================================
// Response Tests
// =============================================================================

func TestU_Response_StatusRoundTrip(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)

	tests := []struct {
		name   string
		status CertStatus
	}{
		{"[Unit] Response: good", CertStatusGood},
		{"[Unit] Response: revoked", CertStatusRevoked},
		{"[Unit] Response: unknown", CertStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, pki.Leaf.Cert, tt.status, now, now.Add(time.Hour))
			resp, err := Parse(der)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			sr, ok := resp.Single(pki.Intermediate.Cert, pki.Leaf.Cert.SerialNumber)
			if !ok {
				t.Fatal("Single() did not find the leaf")
			}
			st, err := sr.Status()
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if st.Status != tt.status {
				t.Errorf("Status = %s, want %s", st.Status, tt.status)
			}
			if !st.ThisUpdate.Equal(now) || !st.NextUpdate.Equal(now.Add(time.Hour)) {
				t.Errorf("validity = %s..%s, want %s..%s", st.ThisUpdate, st.NextUpdate, now, now.Add(time.Hour))
			}
			if tt.status == CertStatusRevoked {
				if !st.RevocationTime.Equal(now.Add(-time.Hour)) {
					t.Errorf("RevocationTime = %s, want %s", st.RevocationTime, now.Add(-time.Hour))
				}
				if st.RevocationReason != ReasonKeyCompromise {
					t.Errorf("RevocationReason = %d, want %d", st.RevocationReason, ReasonKeyCompromise)
				}
			}
			if len(resp.Certificates) != 1 || !resp.Certificates[0].Equal(pki.Responder.Cert) {
				t.Error("responder certificate should be embedded")
			}
		})
	}
}

func TestU_Response_WithoutNextUpdate(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)
	der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, pki.Leaf.Cert, CertStatusGood, now, time.Time{})

	resp, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	st, err := resp.Data.Responses[0].Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.NextUpdate.IsZero() {
		t.Errorf("NextUpdate = %s, want zero", st.NextUpdate)
	}
}

func TestU_Parse_ErrorStatus(t *testing.T) {
	der, err := NewErrorResponse(StatusTryLater)
	if err != nil {
		t.Fatalf("NewErrorResponse() error = %v", err)
	}
	_, err = Parse(der)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Parse() error = %v, want *StatusError", err)
	}
	if statusErr.Status != StatusTryLater {
		t.Errorf("Status = %s, want %s", statusErr.Status, StatusTryLater)
	}

	if _, err := NewErrorResponse(StatusSuccessful); err == nil {
		t.Error("NewErrorResponse(successful) should fail")
	}
}

func TestU_Parse_Invalid(t *testing.T) {
	if _, err := Parse([]byte{0x30, 0x03, 0x0a, 0x01}); err == nil {
		t.Error("Parse() should fail on truncated input")
	}
	if _, err := Parse(nil); err == nil {
		t.Error("Parse() should fail on empty input")
	}
}

func TestU_ResponseBuilder_Errors(t *testing.T) {
	pki := testpki.NewPKI(t)
	if _, err := NewResponseBuilder(pki.Responder.Cert, pki.Responder.Key.Signer, pki.Responder.Key.Alg).Build(); err == nil {
		t.Error("Build() without responses should fail")
	}

	id, _ := NewCertID(sha256Alg, pki.Intermediate.Cert, pki.Leaf.Cert)
	b := NewResponseBuilder(pki.Responder.Cert, pki.Responder.Key.Signer, crypto.SignByName("nope"))
	b.AddGood(id, time.Now(), time.Now().Add(time.Hour))
	if _, err := b.Build(); !errors.Is(err, crypto.ErrUnknownAlgorithm) {
		t.Errorf("Build() error = %v, want ErrUnknownAlgorithm", err)
	}
}

func TestU_Response_Nonce(t *testing.T) {
	pki := testpki.NewPKI(t)
	nonce := []byte("nonce-value")
	id, _ := NewCertID(sha256Alg, pki.Intermediate.Cert, pki.Leaf.Cert)
	now := time.Now()

	der, err := NewResponseBuilder(pki.Responder.Cert, pki.Responder.Key.Signer, pki.Responder.Key.Alg).
		AddGood(id, now, now.Add(time.Hour)).
		AddNonce(nonce).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	resp, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	req, _ := CreateRequest(sha256Alg, pki.Intermediate.Cert, []*x509.Certificate{pki.Leaf.Cert}, nonce)
	if err := ValidateNonce(req, resp); err != nil {
		t.Errorf("ValidateNonce() error = %v", err)
	}
	other, _ := CreateRequest(sha256Alg, pki.Intermediate.Cert, []*x509.Certificate{pki.Leaf.Cert}, []byte("other"))
	if err := ValidateNonce(other, resp); err == nil {
		t.Error("ValidateNonce() should fail on mismatch")
	}
	none, _ := CreateRequest(sha256Alg, pki.Intermediate.Cert, []*x509.Certificate{pki.Leaf.Cert}, nil)
	if err := ValidateNonce(none, resp); err != nil {
		t.Errorf("ValidateNonce() without request nonce error = %v", err)
	}
}

// =============================================================================
// Responder Tests
// =============================================================================

func newTestResponder(t *testing.T, pki *testpki.PKI, table *StatusTable, now time.Time) *Responder {
	t.Helper()
	r, err := NewResponder(ResponderConfig{
		ResponderCert: pki.Responder.Cert,
		Signer:        pki.Responder.Key.Signer,
		Algorithm:     pki.Responder.Key.Alg,
		CACert:        pki.Intermediate.Cert,
		Table:         table,
		Now:           func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	return r
}

func TestU_Responder_Respond(t *testing.T) {
	pki := testpki.NewPKI(t)
	revoked := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{CommonName: "Revoked Member"})
	unlisted := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{CommonName: "Unlisted Member"})
	now := time.Now().UTC().Truncate(time.Second)

	table := NewStatusTable()
	table.SetGood(pki.Leaf.Cert.SerialNumber)
	table.Revoke(revoked.Cert.SerialNumber, now.Add(-time.Hour), ReasonSuperseded)
	r := newTestResponder(t, pki, table, now)

	req, _ := CreateRequest(sha256Alg, pki.Intermediate.Cert,
		[]*x509.Certificate{pki.Leaf.Cert, revoked.Cert, unlisted.Cert}, []byte("n1"))
	der, err := r.Respond(req)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	resp, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !bytes.Equal(resp.Nonce(), []byte("n1")) {
		t.Error("responder should echo the nonce")
	}

	want := map[*x509.Certificate]CertStatus{
		pki.Leaf.Cert: CertStatusGood,
		revoked.Cert:  CertStatusRevoked,
		unlisted.Cert: CertStatusUnknown,
	}
	for cert, status := range want {
		res, err := resp.Verify(&VerifyConfig{IssuerCert: pki.Intermediate.Cert, Certificate: cert, CurrentTime: now})
		if err != nil {
			t.Fatalf("Verify(%s) error = %v", cert.Subject.CommonName, err)
		}
		if res.Status != status {
			t.Errorf("%s status = %s, want %s", cert.Subject.CommonName, res.Status, status)
		}
	}
}

func TestU_Responder_ForeignIssuer(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)
	table := NewStatusTable()
	table.SetGood(pki.Intermediate.Cert.SerialNumber)
	r := newTestResponder(t, pki, table, now)

	// The intermediate is issued by the root, which this responder does not serve.
	req, _ := CreateRequest(sha256Alg, pki.Root.Cert, []*x509.Certificate{pki.Intermediate.Cert}, nil)
	der, err := r.Respond(req)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	resp, _ := Parse(der)
	st, err := resp.Data.Responses[0].Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Status != CertStatusUnknown {
		t.Errorf("Status = %s, want unknown", st.Status)
	}
}

func TestU_NewResponder_MissingFields(t *testing.T) {
	pki := testpki.NewPKI(t)
	tests := []struct {
		name string
		cfg  ResponderConfig
	}{
		{"[Unit] Responder: no signer", ResponderConfig{CACert: pki.Intermediate.Cert, Table: NewStatusTable(), Algorithm: pki.Responder.Key.Alg}},
		{"[Unit] Responder: no CA", ResponderConfig{Signer: pki.Responder.Key.Signer, Table: NewStatusTable(), Algorithm: pki.Responder.Key.Alg}},
		{"[Unit] Responder: no table", ResponderConfig{Signer: pki.Responder.Key.Signer, CACert: pki.Intermediate.Cert, Algorithm: pki.Responder.Key.Alg}},
		{"[Unit] Responder: unknown algorithm", ResponderConfig{Signer: pki.Responder.Key.Signer, CACert: pki.Intermediate.Cert, Table: NewStatusTable()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewResponder(tt.cfg); err == nil {
				t.Error("NewResponder() should fail")
			}
		})
	}
}

func TestU_StatusTable_Lookup(t *testing.T) {
	table := NewStatusTable()
	serial := big.NewInt(42)
	if got := table.Lookup(serial).Status; got != CertStatusUnknown {
		t.Errorf("unlisted status = %s, want unknown", got)
	}
	table.SetGood(serial)
	if got := table.Lookup(serial).Status; got != CertStatusGood {
		t.Errorf("status = %s, want good", got)
	}
	table.Revoke(serial, time.Now(), ReasonCessationOfOperation)
	if got := table.Lookup(serial); got.Status != CertStatusRevoked || got.RevocationReason != ReasonCessationOfOperation {
		t.Errorf("status = %+v, want revoked/cessationOfOperation", got)
	}
}
