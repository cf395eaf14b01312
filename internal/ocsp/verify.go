package ocsp

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Verification errors.
var (
	ErrResponderNotTrusted = errors.New("OCSP response not signed by a trusted responder")
	ErrNoMatchingResponse  = errors.New("OCSP response does not cover the certificate")
	ErrResponseNotFresh    = errors.New("OCSP response is not fresh")
)

// VerifyConfig contains options for verifying an OCSP response.
type VerifyConfig struct {
	// IssuerCert issued the certificate being checked. Required.
	IssuerCert *x509.Certificate

	// Certificate is the certificate being checked. If nil, SerialNumber is used.
	Certificate *x509.Certificate

	// SerialNumber identifies the checked certificate when Certificate is nil.
	SerialNumber *big.Int

	// TrustedResponders are responder certificates trusted for any issuer,
	// in addition to the issuer and its delegated responders.
	TrustedResponders []*x509.Certificate

	// CurrentTime is the instant the response must be fresh at (default: now).
	CurrentTime time.Time

	// MaxAge bounds thisUpdate for responses without nextUpdate. Zero
	// rejects such responses.
	MaxAge time.Duration
}

// VerifyResult contains the verified status of one certificate.
type VerifyResult struct {
	SingleStatus
	ProducedAt    time.Time
	ResponderCert *x509.Certificate
	SerialNumber  *big.Int
}

// Verify checks the signature, responder authorization, CertID match and
// freshness of a DER response, and returns the status it asserts.
func Verify(der []byte, cfg *VerifyConfig) (*VerifyResult, error) {
	resp, err := Parse(der)
	if err != nil {
		return nil, err
	}
	return resp.Verify(cfg)
}

// Verify is Verify for an already parsed response.
func (r *Response) Verify(cfg *VerifyConfig) (*VerifyResult, error) {
	if cfg == nil || cfg.IssuerCert == nil {
		return nil, fmt.Errorf("issuer certificate is required")
	}
	at := cfg.CurrentTime
	if at.IsZero() {
		at = time.Now()
	}
	serial := cfg.SerialNumber
	if cfg.Certificate != nil {
		serial = cfg.Certificate.SerialNumber
	}
	if serial == nil {
		return nil, fmt.Errorf("certificate or serial number is required")
	}

	responder, err := r.CheckSignature(cfg.IssuerCert, cfg.TrustedResponders, at)
	if err != nil {
		return nil, err
	}

	sr, ok := r.Single(cfg.IssuerCert, serial)
	if !ok {
		return nil, fmt.Errorf("%w: serial %s", ErrNoMatchingResponse, serial.Text(16))
	}
	status, err := sr.Status()
	if err != nil {
		return nil, err
	}
	if err := checkFreshness(status, at, cfg.MaxAge); err != nil {
		return nil, err
	}

	return &VerifyResult{
		SingleStatus:  *status,
		ProducedAt:    r.Data.ProducedAt,
		ResponderCert: responder,
		SerialNumber:  serial,
	}, nil
}

func checkFreshness(s *SingleStatus, at time.Time, maxAge time.Duration) error {
	if at.Before(s.ThisUpdate) {
		return fmt.Errorf("%w: thisUpdate %s is after %s", ErrResponseNotFresh,
			s.ThisUpdate.Format(time.RFC3339), at.Format(time.RFC3339))
	}
	if !s.NextUpdate.IsZero() {
		if at.After(s.NextUpdate) {
			return fmt.Errorf("%w: nextUpdate %s has passed at %s", ErrResponseNotFresh,
				s.NextUpdate.Format(time.RFC3339), at.Format(time.RFC3339))
		}
		return nil
	}
	if maxAge <= 0 || at.Sub(s.ThisUpdate) > maxAge {
		return fmt.Errorf("%w: no nextUpdate and thisUpdate older than %s", ErrResponseNotFresh, maxAge)
	}
	return nil
}

// CheckSignature finds the responder that signed r and verifies the
// signature. Acceptable signers are the issuer itself, a certificate
// embedded in the response that the issuer delegated OCSP signing to, or one
// of trusted.
func (r *Response) CheckSignature(issuer *x509.Certificate, trusted []*x509.Certificate, at time.Time) (*x509.Certificate, error) {
	candidates := []*x509.Certificate{issuer}
	for _, c := range r.Certificates {
		if bytes.Equal(c.Raw, issuer.Raw) {
			continue
		}
		if err := verifyDelegatedResponder(c, issuer, at); err == nil {
			candidates = append(candidates, c)
		}
	}
	candidates = append(candidates, trusted...)

	var lastErr error
	for _, c := range candidates {
		if !r.matchesResponderID(c) {
			continue
		}
		pub, err := crypto.PublicKeyFromCertificate(c)
		if err != nil {
			lastErr = err
			continue
		}
		if err := crypto.VerifySignature(r.SignatureAlgorithm, pub, r.TBSResponseData, r.Signature); err != nil {
			lastErr = err
			continue
		}
		return c, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponderNotTrusted, lastErr)
	}
	return nil, ErrResponderNotTrusted
}

func (r *Response) matchesResponderID(cert *x509.Certificate) bool {
	id := r.Data.ResponderID
	if id.Class != asn1.ClassContextSpecific {
		return false
	}
	switch id.Tag {
	case 1: // byName [1] EXPLICIT Name
		return bytes.Equal(id.Bytes, cert.RawSubject)
	case 2: // byKey [2] EXPLICIT OCTET STRING
		var keyHash []byte
		if _, err := asn1.Unmarshal(id.Bytes, &keyHash); err != nil {
			return false
		}
		keyBytes, err := issuerKeyBytes(cert)
		if err != nil {
			return false
		}
		want, err := crypto.Digest(crypto.DigestByName("SHA-1"), keyBytes)
		return err == nil && bytes.Equal(keyHash, want)
	}
	return false
}

// verifyDelegatedResponder checks that cert was issued by issuer for OCSP
// signing (RFC 6960 §4.2.2.2) and is valid at at.
func verifyDelegatedResponder(cert, issuer *x509.Certificate, at time.Time) error {
	if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
		return fmt.Errorf("responder certificate was not issued by the CA")
	}
	if !hasOCSPSigning(cert) {
		return fmt.Errorf("responder certificate does not have id-kp-OCSPSigning EKU")
	}
	if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
		return fmt.Errorf("responder certificate is not valid at %s", at.Format(time.RFC3339))
	}
	return crypto.CheckCertificateSignature(cert, issuer)
}

func hasOCSPSigning(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	// PQC certificates may leave the EKU unparsed.
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.Equal(OIDExtKeyUsageOCSPSigning) {
			return true
		}
	}
	return false
}

// ValidateNonce checks that the response echoes the request nonce.
func ValidateNonce(req *OCSPRequest, resp *Response) error {
	want := req.Nonce()
	if len(want) == 0 {
		return nil
	}
	got := resp.Nonce()
	if len(got) == 0 {
		return fmt.Errorf("request contains nonce but response does not")
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("nonce mismatch")
	}
	return nil
}
