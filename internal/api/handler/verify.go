package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/api/dto"
	apierrors "github.com/remiblancher/sigtrust/internal/api/errors"
	"github.com/remiblancher/sigtrust/internal/api/middleware"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/verifier"
)

// DefaultMaxBody bounds a verification request body.
const DefaultMaxBody = 32 << 20

// ContainerVerifier verifies one container. *verifier.Verifier implements it.
type ContainerVerifier interface {
	Verify(ctx context.Context, req verifier.VerifyRequest) (*verifier.Result, error)
}

// VerifyHandler handles POST /api/v1/verify.
type VerifyHandler struct {
	verifier ContainerVerifier
	maxBody  int64
	logger   *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler. maxBody <= 0 selects
// DefaultMaxBody.
func NewVerifyHandler(v ContainerVerifier, maxBody int64, logger *zap.Logger) *VerifyHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerifyHandler{verifier: v, maxBody: maxBody, logger: logger}
}

// Verify handles POST /api/v1/verify.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req dto.VerifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("invalid request body: "+err.Error()))
		return
	}

	vreq, err := toVerifyRequest(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest(err.Error()))
		return
	}

	res, err := h.verifier.Verify(r.Context(), vreq)
	if err != nil {
		status, apiErr := apierrors.MapError(err)
		h.logger.Info("verification rejected",
			zap.String("sender", req.Sender),
			zap.String("code", apiErr.Code),
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err),
		)
		respondError(w, status, apiErr)
		return
	}

	respondJSON(w, http.StatusOK, NewVerifyResponse(res))
}

// NewVerifyResponse describes res for clients.
func NewVerifyResponse(res *verifier.Result) dto.VerifyResponse {
	return dto.VerifyResponse{
		Valid:             true,
		Signer:            res.Signer,
		Subject:           res.SigningCertificate.Subject.String(),
		Serial:            res.SigningCertificate.SerialNumber.Text(16),
		Algorithm:         res.Algorithm.String(),
		Batch:             res.Batch,
		EmbeddedResponses: res.EmbeddedResponses,
		CachedResponses:   res.CachedResponses,
	}
}

func toVerifyRequest(req dto.VerifyRequest) (verifier.VerifyRequest, error) {
	if req.Sender == "" {
		return verifier.VerifyRequest{}, fmt.Errorf("sender is required")
	}
	data, err := req.Container.Decode()
	if err != nil {
		return verifier.VerifyRequest{}, fmt.Errorf("container: %w", err)
	}
	if len(data) == 0 {
		return verifier.VerifyRequest{}, fmt.Errorf("container is required")
	}
	out := verifier.VerifyRequest{
		Container: data,
		Sender:    req.Sender,
		Instance:  req.Instance,
	}
	for i, a := range req.Attachments {
		if a.Name == "" {
			return verifier.VerifyRequest{}, fmt.Errorf("attachment %d: name is required", i)
		}
		body, err := a.Data.Decode()
		if err != nil {
			return verifier.VerifyRequest{}, fmt.Errorf("attachment %s: %w", a.Name, err)
		}
		out.Attachments = append(out.Attachments, hashchain.MessagePart{Name: a.Name, Data: body})
	}
	return out, nil
}
