// Package certpath builds and verifies certification paths from a member
// certificate to a federation trust anchor, including OCSP revocation checks.
package certpath

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/remiblancher/sigtrust/internal/crypto"
	"github.com/remiblancher/sigtrust/internal/ocsp"
)

// maxPathDepth bounds path building.
const maxPathDepth = 8

// CertChain is the input to path verification.
type CertChain struct {
	// Certificates holds the leaf first, then intermediates in any order.
	Certificates []*x509.Certificate

	// TrustAnchor terminates the path.
	TrustAnchor *x509.Certificate

	// Instance is the federation instance the anchor was looked up for.
	Instance string
}

// NewCertChain returns a chain for leaf with the given intermediates.
func NewCertChain(instance string, leaf *x509.Certificate, intermediates []*x509.Certificate, anchor *x509.Certificate) CertChain {
	certs := make([]*x509.Certificate, 0, 1+len(intermediates))
	certs = append(certs, leaf)
	certs = append(certs, intermediates...)
	return CertChain{Certificates: certs, TrustAnchor: anchor, Instance: instance}
}

// Leaf returns the end-entity certificate, or nil.
func (c CertChain) Leaf() *x509.Certificate {
	if len(c.Certificates) == 0 {
		return nil
	}
	return c.Certificates[0]
}

// Verifier holds the revocation policy. The zero value is usable: only the
// issuer and its delegated responders are trusted, and responses without
// nextUpdate are rejected.
type Verifier struct {
	// TrustedResponders are federation OCSP responders trusted for any issuer.
	TrustedResponders []*x509.Certificate

	// MaxAge bounds responses that carry no nextUpdate.
	MaxAge time.Duration
}

// Verify runs all gates with the default policy.
func Verify(chain CertChain, responses [][]byte, at time.Time) error {
	var v Verifier
	return v.Verify(chain, responses, at)
}

// VerifyChainOnly runs path building, validity and CA constraint checks
// without revocation, and returns the path leaf first.
func VerifyChainOnly(chain CertChain, at time.Time) ([]*x509.Certificate, error) {
	path, err := BuildPath(chain)
	if err != nil {
		return nil, err
	}
	if err := checkValidity(path, at); err != nil {
		return nil, err
	}
	if err := checkConstraints(path); err != nil {
		return nil, err
	}
	return path, nil
}

// Verify checks chain at time at. Each gate runs only when the previous one
// passed: path building, validity, CA constraints, then revocation of every
// certificate below the anchor using responses.
func (v *Verifier) Verify(chain CertChain, responses [][]byte, at time.Time) error {
	path, err := VerifyChainOnly(chain, at)
	if err != nil {
		return err
	}
	parsed := parseResponses(responses)
	for i := 0; i+1 < len(path); i++ {
		if err := v.checkRevocation(path[i], path[i+1], parsed, at); err != nil {
			return trustErr("revocation", path[i].Subject.String(), err)
		}
	}
	return nil
}

// BuildPath orders the chain into a path from the leaf to the trust anchor
// using only the supplied certificates. Every link's signature is checked.
func BuildPath(chain CertChain) ([]*x509.Certificate, error) {
	leaf := chain.Leaf()
	if leaf == nil {
		return nil, trustErr("path", "", fmt.Errorf("%w: no leaf certificate", ErrPathBuildFailed))
	}
	if chain.TrustAnchor == nil {
		return nil, trustErr("path", leaf.Subject.String(), fmt.Errorf("%w: no trust anchor", ErrPathBuildFailed))
	}
	if bytes.Equal(leaf.Raw, chain.TrustAnchor.Raw) {
		return []*x509.Certificate{leaf}, nil
	}

	pool := make([]*x509.Certificate, 0, len(chain.Certificates))
	for _, c := range chain.Certificates[1:] {
		if c != nil && !bytes.Equal(c.Raw, chain.TrustAnchor.Raw) {
			pool = append(pool, c)
		}
	}

	b := &builder{anchor: chain.TrustAnchor, pool: pool, used: make([]bool, len(pool))}
	path := b.extend([]*x509.Certificate{leaf})
	if path == nil {
		err := fmt.Errorf("%w: no issuer path to %s", ErrPathBuildFailed, chain.TrustAnchor.Subject)
		if b.lastErr != nil {
			err = fmt.Errorf("%w: %w", ErrPathBuildFailed, b.lastErr)
		}
		return nil, trustErr("path", leaf.Subject.String(), err)
	}
	return path, nil
}

type builder struct {
	anchor  *x509.Certificate
	pool    []*x509.Certificate
	used    []bool
	lastErr error
}

// extend does a depth-first search from the last certificate in path.
func (b *builder) extend(path []*x509.Certificate) []*x509.Certificate {
	cur := path[len(path)-1]
	if isIssuer(b.anchor, cur) {
		err := crypto.CheckCertificateSignature(cur, b.anchor)
		if err == nil {
			return append(path, b.anchor)
		}
		b.lastErr = fmt.Errorf("signature of %s by anchor: %w", cur.Subject, err)
	}
	if len(path) >= maxPathDepth {
		return nil
	}
	for i, cand := range b.pool {
		if b.used[i] || !isIssuer(cand, cur) {
			continue
		}
		if err := crypto.CheckCertificateSignature(cur, cand); err != nil {
			b.lastErr = fmt.Errorf("signature of %s by %s: %w", cur.Subject, cand.Subject, err)
			continue
		}
		b.used[i] = true
		if found := b.extend(append(path, cand)); found != nil {
			return found
		}
		b.used[i] = false
	}
	return nil
}

// isIssuer matches names and, when both are present, key identifiers.
func isIssuer(issuer, cert *x509.Certificate) bool {
	if !bytes.Equal(issuer.RawSubject, cert.RawIssuer) {
		return false
	}
	if len(issuer.SubjectKeyId) > 0 && len(cert.AuthorityKeyId) > 0 {
		return bytes.Equal(issuer.SubjectKeyId, cert.AuthorityKeyId)
	}
	return true
}

func checkValidity(path []*x509.Certificate, at time.Time) error {
	for _, c := range path {
		if at.Before(c.NotBefore) {
			return trustErr("validity", c.Subject.String(), fmt.Errorf("%w: not valid before %s",
				ErrCertificateExpiredOrNotYetValid, c.NotBefore.UTC().Format(time.RFC3339)))
		}
		if at.After(c.NotAfter) {
			return trustErr("validity", c.Subject.String(), fmt.Errorf("%w: expired at %s",
				ErrCertificateExpiredOrNotYetValid, c.NotAfter.UTC().Format(time.RFC3339)))
		}
	}
	return nil
}

// checkConstraints checks every issuing certificate. A trust anchor without
// a basicConstraints extension (v1 root) is accepted.
func checkConstraints(path []*x509.Certificate) error {
	for i := 1; i < len(path); i++ {
		c := path[i]
		anchor := i == len(path)-1
		if !c.BasicConstraintsValid {
			if anchor {
				continue
			}
			return trustErr("constraints", c.Subject.String(), fmt.Errorf("%w: missing basicConstraints", ErrInvalidCaConstraints))
		}
		if !c.IsCA {
			return trustErr("constraints", c.Subject.String(), fmt.Errorf("%w: not a CA", ErrInvalidCaConstraints))
		}
		if c.KeyUsage != 0 && c.KeyUsage&x509.KeyUsageCertSign == 0 {
			return trustErr("constraints", c.Subject.String(), fmt.Errorf("%w: missing keyCertSign", ErrInvalidCaConstraints))
		}
		// Intermediate CAs between c and the leaf.
		below := i - 1
		if (c.MaxPathLen > 0 || c.MaxPathLenZero) && below > c.MaxPathLen {
			return trustErr("constraints", c.Subject.String(), fmt.Errorf("%w: path length %d exceeds %d",
				ErrInvalidCaConstraints, below, c.MaxPathLen))
		}
	}
	return nil
}

func parseResponses(responses [][]byte) []*ocsp.Response {
	out := make([]*ocsp.Response, 0, len(responses))
	for _, der := range responses {
		if resp, err := ocsp.Parse(der); err == nil {
			out = append(out, resp)
		}
	}
	return out
}

// checkRevocation requires a trusted, fresh GOOD response for cert. A
// trusted REVOKED response wins over any GOOD one.
func (v *Verifier) checkRevocation(cert, issuer *x509.Certificate, responses []*ocsp.Response, at time.Time) error {
	cfg := &ocsp.VerifyConfig{
		IssuerCert:        issuer,
		Certificate:       cert,
		TrustedResponders: v.TrustedResponders,
		CurrentTime:       at,
		MaxAge:            v.MaxAge,
	}
	var good bool
	var lastErr error
	for _, resp := range responses {
		if _, ok := resp.Single(issuer, cert.SerialNumber); !ok {
			continue
		}
		res, err := resp.Verify(cfg)
		if err != nil {
			lastErr = err
			continue
		}
		switch res.Status {
		case ocsp.CertStatusRevoked:
			return fmt.Errorf("%w: at %s (reason %d)", ErrCertificateRevoked,
				res.RevocationTime.UTC().Format(time.RFC3339), res.RevocationReason)
		case ocsp.CertStatusGood:
			good = true
		default:
			lastErr = errors.New("responder reports status unknown")
		}
	}
	if good {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrRevocationCheckFailed, lastErr)
	}
	return fmt.Errorf("%w: no OCSP response for serial %s", ErrRevocationCheckFailed, cert.SerialNumber.Text(16))
}

// FindResponse returns the first response in responses that answers for
// cert as issued by issuer. It does not verify the response.
func FindResponse(responses [][]byte, cert, issuer *x509.Certificate) ([]byte, bool) {
	for _, der := range responses {
		resp, err := ocsp.Parse(der)
		if err != nil {
			continue
		}
		if _, ok := resp.Single(issuer, cert.SerialNumber); ok {
			return der, true
		}
	}
	return nil, false
}
