package certpath

import (
	"errors"
	"fmt"
)

// TrustError is a path verification failure with the gate and certificate
// that caused it. It supports errors.Is() and errors.As().
type TrustError struct {
	Op      string // Gate: "path", "validity", "constraints", "revocation"
	Subject string // Subject of the offending certificate
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *TrustError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("certpath %s [%s]: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("certpath %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TrustError) Unwrap() error { return e.Err }

// Sentinel errors, one per verification gate.
var (
	// ErrPathBuildFailed indicates no path from the leaf to the trust anchor
	// could be built from the supplied certificates.
	ErrPathBuildFailed = errors.New("certification path could not be built")

	// ErrCertificateExpiredOrNotYetValid indicates a certificate in the path
	// is outside its validity window.
	ErrCertificateExpiredOrNotYetValid = errors.New("certificate expired or not yet valid")

	// ErrInvalidCaConstraints indicates an issuing certificate lacks the CA
	// flag or certSign usage, or its path length is exceeded.
	ErrInvalidCaConstraints = errors.New("invalid CA constraints")

	// ErrRevocationCheckFailed indicates no acceptable GOOD response was found.
	ErrRevocationCheckFailed = errors.New("revocation check failed")

	// ErrCertificateRevoked indicates a trusted response reports the
	// certificate revoked.
	ErrCertificateRevoked = errors.New("certificate revoked")
)

func trustErr(op string, subject string, err error) *TrustError {
	return &TrustError{Op: op, Subject: subject, Err: err}
}
