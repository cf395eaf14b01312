package verifier

import (
	"errors"
	"fmt"
)

// ErrSignerMismatch indicates the signing certificate belongs to another
// member than the expected sender.
var ErrSignerMismatch = errors.New("signer does not match expected sender")

// VerifyError is a verification failure with the step that produced it.
// It supports errors.Is() and errors.As() through the wrapped error.
type VerifyError struct {
	Op  string // Step: "decode", "signature", "references", "signer", "certpath", "audit"
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *VerifyError) Unwrap() error { return e.Err }

func verifyErr(op string, err error) *VerifyError {
	return &VerifyError{Op: op, Err: err}
}
