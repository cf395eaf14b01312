// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"context"
	"errors"
	"net/http"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/api/dto"
	"github.com/remiblancher/sigtrust/internal/certpath"
	"github.com/remiblancher/sigtrust/internal/container"
	"github.com/remiblancher/sigtrust/internal/crypto"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/schema"
	"github.com/remiblancher/sigtrust/internal/verifier"
	"github.com/remiblancher/sigtrust/internal/xmldsig"
)

// Error codes for API responses.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeUnavailable        = "UNAVAILABLE"
	CodeMalformedContainer = "MALFORMED_CONTAINER"
	CodeManifest           = "MANIFEST_VERIFICATION_FAILED"
	CodeSchema             = "SCHEMA_VALIDATION_FAILED"
	CodeMalformedSignature = "MALFORMED_SIGNATURE"
	CodeHashChain          = "MALFORMED_HASH_CHAIN"
	CodeDigestMismatch     = "DIGEST_MISMATCH"
	CodeUnresolvedRef      = "UNRESOLVED_REFERENCE"
	CodeUnknownAlgorithm   = "UNKNOWN_ALGORITHM"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeSignerMismatch     = "SIGNER_MISMATCH"
	CodePathBuild          = "PATH_BUILD_FAILED"
	CodeCertExpired        = "CERT_EXPIRED_OR_NOT_YET_VALID"
	CodeCAConstraints      = "INVALID_CA_CONSTRAINTS"
	CodeCertRevoked        = "CERT_REVOKED"
	CodeRevocationCheck    = "REVOCATION_CHECK_FAILED"
	CodeAudit              = "AUDIT_FAILED"
)

// mapping pairs a sentinel with its status and code. Order matters: the
// most specific cause is matched first.
var mapping = []struct {
	err    error
	status int
	code   string
}{
	{schema.ErrSchema, http.StatusBadRequest, CodeSchema},
	{container.ErrManifestVerificationFailed, http.StatusUnprocessableEntity, CodeManifest},
	{container.ErrMalformedContainer, http.StatusBadRequest, CodeMalformedContainer},
	{xmldsig.ErrMalformedSignature, http.StatusBadRequest, CodeMalformedSignature},
	{hashchain.ErrMalformedHashChain, http.StatusUnprocessableEntity, CodeHashChain},
	{hashchain.ErrDigestMismatch, http.StatusUnprocessableEntity, CodeDigestMismatch},
	{hashchain.ErrUnresolvedReference, http.StatusUnprocessableEntity, CodeUnresolvedRef},
	{crypto.ErrUnknownAlgorithm, http.StatusUnprocessableEntity, CodeUnknownAlgorithm},
	{crypto.ErrSignatureInvalid, http.StatusUnprocessableEntity, CodeSignatureInvalid},
	{verifier.ErrSignerMismatch, http.StatusUnprocessableEntity, CodeSignerMismatch},
	{certpath.ErrCertificateRevoked, http.StatusUnprocessableEntity, CodeCertRevoked},
	{certpath.ErrCertificateExpiredOrNotYetValid, http.StatusUnprocessableEntity, CodeCertExpired},
	{certpath.ErrInvalidCaConstraints, http.StatusUnprocessableEntity, CodeCAConstraints},
	{certpath.ErrRevocationCheckFailed, http.StatusUnprocessableEntity, CodeRevocationCheck},
	{certpath.ErrPathBuildFailed, http.StatusUnprocessableEntity, CodePathBuild},
	{anchors.ErrUnknownInstance, http.StatusUnprocessableEntity, CodePathBuild},
	{context.Canceled, http.StatusServiceUnavailable, CodeUnavailable},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, CodeUnavailable},
}

// MapError maps an internal error to an HTTP status code and APIError.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	var details map[string]string
	var ve *verifier.VerifyError
	if errors.As(err, &ve) {
		details = map[string]string{"operation": ve.Op}
		if ve.Op == "audit" {
			return http.StatusInternalServerError, &dto.APIError{
				Code:    CodeAudit,
				Message: "audit log unavailable",
				Details: details,
			}
		}
	}
	var te *certpath.TrustError
	if errors.As(err, &te) && te.Subject != "" {
		if details == nil {
			details = map[string]string{}
		}
		details["subject"] = te.Subject
	}

	for _, m := range mapping {
		if errors.Is(err, m.err) {
			return m.status, &dto.APIError{
				Code:    m.code,
				Message: err.Error(),
				Details: details,
			}
		}
	}

	// Default internal error
	return http.StatusInternalServerError, &dto.APIError{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}
