// Package handler provides HTTP handlers for the diagnostics API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/remiblancher/sigtrust/internal/api/dto"
)

// ReadyCheck reports whether one dependency is usable.
type ReadyCheck func() bool

// HealthHandler handles health and readiness endpoints.
type HealthHandler struct {
	version  string
	instance string
	checks   map[string]ReadyCheck
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(version, instance string, checks map[string]ReadyCheck) *HealthHandler {
	return &HealthHandler{
		version:  version,
		instance: instance,
		checks:   checks,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := dto.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Instance: h.instance,
	}
	respondJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"server": true,
	}
	allReady := true
	for name, check := range h.checks {
		ok := check()
		checks[name] = ok
		if !ok {
			allReady = false
		}
	}

	resp := dto.ReadyResponse{
		Ready:  allReady,
		Checks: checks,
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, resp)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, apiErr *dto.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
