// Package router provides HTTP routing configuration using Chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/api/handler"
	"github.com/remiblancher/sigtrust/internal/api/middleware"
)

// Config holds router configuration.
type Config struct {
	Version string

	// Status serves /status/ocsp. Required.
	Status handler.OCSPStatusConfig

	// Verifier enables POST /api/v1/verify. Optional.
	Verifier    handler.ContainerVerifier
	MaxBodySize int64

	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Responder, when set, is mounted at /ocsp for development federations.
	Responder http.Handler

	// Ready lists readiness checks reported by /ready.
	Ready map[string]handler.ReadyCheck

	Logger *zap.Logger
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	// Health endpoints (always enabled)
	healthHandler := handler.NewHealthHandler(cfg.Version, cfg.Status.Instance, cfg.Ready)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	statusHandler := handler.NewOCSPStatusHandler(cfg.Status)
	r.Get("/status/ocsp", statusHandler.Status)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if cfg.Verifier != nil {
		verifyHandler := handler.NewVerifyHandler(cfg.Verifier, cfg.MaxBodySize, logger)
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/verify", verifyHandler.Verify)
		})
	}

	// RFC 6960 OCSP responder (GET and POST)
	if cfg.Responder != nil {
		r.Handle("/ocsp", cfg.Responder)
		r.Handle("/ocsp/*", cfg.Responder)
	}

	return r
}
