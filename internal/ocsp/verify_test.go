package ocsp

import (
	"crypto/x509"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/remiblancher/sigtrust/internal/testpki"
)

func TestU_Verify_Signers(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Responder issued by the intermediate but lacking id-kp-OCSPSigning.
	noEKU := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{CommonName: "No EKU Responder"})
	// Federation responder from an unrelated hierarchy.
	federation := testpki.SelfSigned(t, testpki.Ed25519Key(t), testpki.Options{CommonName: "Federation Responder"})
	// Delegated responder whose certificate has expired.
	expired := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{
		CommonName:  "Expired Responder",
		NotBefore:   now.Add(-48 * time.Hour),
		NotAfter:    now.Add(-24 * time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	})

	tests := []struct {
		name    string
		signer  *testpki.Cert
		trusted []*x509.Certificate
		wantErr error
	}{
		{"[Unit] Verify: signed by issuer", pki.Intermediate, nil, nil},
		{"[Unit] Verify: delegated responder", pki.Responder, nil, nil},
		{"[Unit] Verify: federation responder", federation, []*x509.Certificate{federation.Cert}, nil},
		{"[Unit] Verify: federation responder not configured", federation, nil, ErrResponderNotTrusted},
		{"[Unit] Verify: responder without OCSPSigning", noEKU, nil, ErrResponderNotTrusted},
		{"[Unit] Verify: responder of another CA", pki.RootResp, nil, ErrResponderNotTrusted},
		{"[Unit] Verify: expired delegated responder", expired, nil, ErrResponderNotTrusted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der := buildResponse(t, tt.signer, pki.Intermediate.Cert, pki.Leaf.Cert, CertStatusGood, now, now.Add(time.Hour))
			res, err := Verify(der, &VerifyConfig{
				IssuerCert:        pki.Intermediate.Cert,
				Certificate:       pki.Leaf.Cert,
				TrustedResponders: tt.trusted,
				CurrentTime:       now.Add(time.Minute),
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if res.Status != CertStatusGood {
				t.Errorf("Status = %s, want good", res.Status)
			}
			if !res.ResponderCert.Equal(tt.signer.Cert) {
				t.Errorf("ResponderCert = %s, want %s", res.ResponderCert.Subject, tt.signer.Cert.Subject)
			}
		})
	}
}

func TestU_Verify_TamperedSignature(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)
	der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, pki.Leaf.Cert, CertStatusGood, now, now.Add(time.Hour))

	resp, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	resp.Signature[len(resp.Signature)-1] ^= 0x01

	_, err = resp.Verify(&VerifyConfig{IssuerCert: pki.Intermediate.Cert, Certificate: pki.Leaf.Cert, CurrentTime: now})
	if !errors.Is(err, ErrResponderNotTrusted) {
		t.Errorf("Verify() error = %v, want ErrResponderNotTrusted", err)
	}
}

func TestU_Verify_NoMatchingResponse(t *testing.T) {
	pki := testpki.NewPKI(t)
	other := testpki.Issue(t, pki.Intermediate, testpki.ECKey(t), testpki.Options{CommonName: "Other Member"})
	now := time.Now().UTC().Truncate(time.Second)

	// A GOOD response for a different certificate must not vouch for the leaf.
	der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, other.Cert, CertStatusGood, now, now.Add(time.Hour))

	_, err := Verify(der, &VerifyConfig{IssuerCert: pki.Intermediate.Cert, Certificate: pki.Leaf.Cert, CurrentTime: now})
	if !errors.Is(err, ErrNoMatchingResponse) {
		t.Errorf("Verify() error = %v, want ErrNoMatchingResponse", err)
	}

	_, err = Verify(der, &VerifyConfig{IssuerCert: pki.Intermediate.Cert, SerialNumber: big.NewInt(1), CurrentTime: now})
	if !errors.Is(err, ErrNoMatchingResponse) {
		t.Errorf("Verify() by serial error = %v, want ErrNoMatchingResponse", err)
	}
}

func TestU_Verify_Freshness(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)

	tests := []struct {
		name       string
		thisUpdate time.Time
		nextUpdate time.Time
		at         time.Time
		maxAge     time.Duration
		wantErr    bool
	}{
		{"[Unit] Freshness: within window", now.Add(-time.Minute), now.Add(time.Hour), now, 0, false},
		{"[Unit] Freshness: at nextUpdate", now.Add(-time.Hour), now, now, 0, false},
		{"[Unit] Freshness: after nextUpdate", now.Add(-2 * time.Hour), now.Add(-time.Hour), now, 0, true},
		{"[Unit] Freshness: thisUpdate in future", now.Add(time.Hour), now.Add(2 * time.Hour), now, 0, true},
		{"[Unit] Freshness: no nextUpdate without max age", now.Add(-time.Minute), time.Time{}, now, 0, true},
		{"[Unit] Freshness: no nextUpdate within max age", now.Add(-time.Minute), time.Time{}, now, time.Hour, false},
		{"[Unit] Freshness: no nextUpdate beyond max age", now.Add(-2 * time.Hour), time.Time{}, now, time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, pki.Leaf.Cert, CertStatusGood, tt.thisUpdate, tt.nextUpdate)
			_, err := Verify(der, &VerifyConfig{
				IssuerCert:  pki.Intermediate.Cert,
				Certificate: pki.Leaf.Cert,
				CurrentTime: tt.at,
				MaxAge:      tt.maxAge,
			})
			if tt.wantErr {
				if !errors.Is(err, ErrResponseNotFresh) {
					t.Fatalf("Verify() error = %v, want ErrResponseNotFresh", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
		})
	}
}

func TestU_Verify_Revoked(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now().UTC().Truncate(time.Second)
	der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, pki.Leaf.Cert, CertStatusRevoked, now, now.Add(time.Hour))

	res, err := Verify(der, &VerifyConfig{IssuerCert: pki.Intermediate.Cert, Certificate: pki.Leaf.Cert, CurrentTime: now})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Status != CertStatusRevoked || res.RevocationReason != ReasonKeyCompromise {
		t.Errorf("result = %s/%d, want revoked/keyCompromise", res.Status, res.RevocationReason)
	}
}

func TestU_Verify_MLDSAResponder(t *testing.T) {
	root := testpki.SelfSigned(t, testpki.MLDSAKey(t), testpki.Options{CommonName: "PQC Root", IsCA: true})
	leaf := testpki.Issue(t, root, testpki.MLDSAKey(t), testpki.Options{CommonName: "PQC Member"})
	resp := testpki.Issue(t, root, testpki.MLDSAKey(t), testpki.Options{
		CommonName:  "PQC Responder",
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	})
	now := time.Now().UTC().Truncate(time.Second)

	for _, signer := range []*testpki.Cert{root, resp} {
		der := buildResponse(t, signer, root.Cert, leaf.Cert, CertStatusGood, now, now.Add(time.Hour))
		res, err := Verify(der, &VerifyConfig{IssuerCert: root.Cert, Certificate: leaf.Cert, CurrentTime: now})
		if err != nil {
			t.Fatalf("Verify(%s) error = %v", signer.Cert.Subject.CommonName, err)
		}
		if res.Status != CertStatusGood {
			t.Errorf("Status = %s, want good", res.Status)
		}
	}
}

func TestU_Verify_MissingConfig(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now()
	der := buildResponse(t, pki.Responder, pki.Intermediate.Cert, pki.Leaf.Cert, CertStatusGood, now, now.Add(time.Hour))

	if _, err := Verify(der, nil); err == nil {
		t.Error("Verify(nil) should fail")
	}
	if _, err := Verify(der, &VerifyConfig{IssuerCert: pki.Intermediate.Cert}); err == nil {
		t.Error("Verify() without certificate or serial should fail")
	}
}
