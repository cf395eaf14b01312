package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/api/handler"
	"github.com/remiblancher/sigtrust/internal/api/router"
	"github.com/remiblancher/sigtrust/internal/api/server"
	"github.com/remiblancher/sigtrust/internal/audit"
	"github.com/remiblancher/sigtrust/internal/logger"
	"github.com/remiblancher/sigtrust/internal/ocsp"
	"github.com/remiblancher/sigtrust/internal/ocsprefresh"
	"github.com/remiblancher/sigtrust/internal/signer"
	"github.com/remiblancher/sigtrust/internal/verifier"
)

// Serve command flags
var (
	serveListen        string
	serveResponderCert string
	serveResponderKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OCSP refresh engine and the HTTP API",
	Long: `Run the OCSP refresh engine and the HTTP API.

The refresh engine fetches OCSP responses for the whole federation at
startup, then every ocsp.interval after a successful round. Failed rounds
are retried with a Fibonacci backoff starting at ocsp.base_delay and capped
at ocsp.interval. Changes to the federation directory trigger a new round.

Endpoints:
  GET  /health          Liveness
  GET  /ready           Readiness (federation loaded, OCSP cache filled)
  GET  /status/ocsp     Refresh engine and cache diagnostics
  GET  /metrics         Prometheus metrics
  POST /api/v1/verify   Container verification

For development federations, --responder-cert and --responder-key mount an
OCSP responder at /ocsp answering "good" for every certificate issued by
the responder's CA.

Environment variables:
  SIGTRUST_LISTEN            Listen address
  SIGTRUST_TLS_CERT          TLS certificate file
  SIGTRUST_TLS_KEY           TLS private key file
  SIGTRUST_OCSP_INTERVAL     Refresh interval
  SIGTRUST_OCSP_BASE_DELAY   First retry delay after a failure

Examples:
  sigtrust serve --config /etc/sigtrust/sigtrust.yaml
  sigtrust serve --anchors-dir ./federation --listen 127.0.0.1:8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config: :8080)")
	serveCmd.Flags().StringVar(&serveResponderCert, "responder-cert", "", "Development OCSP responder certificate")
	serveCmd.Flags().StringVar(&serveResponderKey, "responder-key", "", "Development OCSP responder private key")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	rt, err := openRuntimeWith(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	svc, err := newService(rt, version)
	if err != nil {
		return err
	}
	if serveResponderCert != "" || serveResponderKey != "" {
		responder, err := newDevResponder(rt.anchors, serveResponderCert, serveResponderKey)
		if err != nil {
			return err
		}
		svc.responder = responder
		log.Warn("Development OCSP responder enabled", zap.String("cert", serveResponderCert))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(&server.Config{
		Address:         cfg.Server.Listen,
		TLSCert:         cfg.Server.TLSCert,
		TLSKey:          cfg.Server.TLSKey,
		ReadTimeout:     server.DefaultConfig().ReadTimeout,
		WriteTimeout:    server.DefaultConfig().WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	}, svc.handler(), log.Named("http"))

	if err := rt.anchors.Watch(); err != nil {
		return fmt.Errorf("failed to watch federation directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.scheduler.Run(gctx) })
	g.Go(func() error { return svc.relayChanges(gctx) })
	g.Go(func() error {
		err := srv.Run(gctx)
		stop()
		return err
	})
	return g.Wait()
}

// service wires the refresh engine, the verifier and the HTTP routes.
type service struct {
	rt        *runtime
	version   string
	registry  *prometheus.Registry
	verifier  *verifier.Verifier
	worker    *ocsprefresh.Worker
	scheduler *ocsprefresh.Scheduler
	responder http.Handler
	changes   chan struct{}
}

func newService(rt *runtime, version string) (*service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	refreshMetrics := ocsprefresh.NewMetrics(reg)
	o := rt.cfg.OCSP

	v, err := verifier.New(verifier.Config{
		Anchors:        rt.anchors,
		Cache:          rt.cache,
		Schema:         rt.cfg.SchemaMode(),
		AllowStaleOCSP: o.AllowStale,
		OCSPMaxAge:     o.MaxAge.Std(),
		Audit:          rt.audit,
		Metrics:        verifier.NewMetrics(reg),
		Logger:         rt.logger.Named("verifier"),
	})
	if err != nil {
		return nil, err
	}

	worker, err := ocsprefresh.NewWorker(ocsprefresh.WorkerConfig{
		Source:        rt.anchors,
		Cache:         rt.cache,
		MaxConcurrent: o.MaxConcurrent,
		FetchTimeout:  o.FetchTimeout.Std(),
		Interval:      o.Interval.Std(),
		MaxAge:        o.MaxAge.Std(),
		Audit:         rt.audit,
		Metrics:       refreshMetrics,
		Logger:        rt.logger.Named("ocsprefresh"),
	})
	if err != nil {
		return nil, err
	}

	changes := make(chan struct{}, 1)
	scheduler, err := ocsprefresh.NewScheduler(worker, ocsprefresh.SchedulerConfig{
		BaseDelay: o.BaseDelay.Std(),
		Interval:  o.Interval.Std(),
		Changes:   changes,
		Metrics:   refreshMetrics,
		Logger:    rt.logger.Named("scheduler"),
	})
	if err != nil {
		return nil, err
	}

	return &service{
		rt:        rt,
		version:   version,
		registry:  reg,
		verifier:  v,
		worker:    worker,
		scheduler: scheduler,
		changes:   changes,
	}, nil
}

func (s *service) handler() http.Handler {
	return router.New(&router.Config{
		Version: s.version,
		Status: handler.OCSPStatusConfig{
			Instance: s.rt.instance(),
			Cache:    s.rt.cache,
			Refresh:  s.worker,
			Schedule: s.scheduler,
		},
		Verifier:    s.verifier,
		MaxBodySize: s.rt.cfg.Server.MaxBodySize,
		Gatherer:    s.registry,
		Responder:   s.responder,
		Ready: map[string]handler.ReadyCheck{
			"anchors":    func() bool { return len(s.rt.anchors.CACertificates()) > 0 },
			"ocsp_cache": func() bool { return s.rt.cache.Snapshot().Len() > 0 },
		},
		Logger: s.rt.logger.Named("http"),
	})
}

// relayChanges audits every federation directory reload and forwards it to
// the scheduler. Reloads arriving while one is pending are coalesced.
func (s *service) relayChanges(ctx context.Context) error {
	src := s.rt.anchors.Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-src:
			if !ok {
				return nil
			}
			event := audit.NewEvent(audit.EventAnchorsReload, audit.ResultSuccess).
				WithObject(audit.Object{Type: "federation", Path: s.rt.cfg.AnchorsDir}).
				WithContext(audit.Context{Instance: s.rt.anchors.Instance()})
			if err := s.rt.audit.Write(event); err != nil {
				s.rt.logger.Error("audit log failed", zap.Error(err))
			}
			select {
			case s.changes <- struct{}{}:
			default:
			}
		}
	}
}

// newDevResponder builds an OCSP responder answering good for every
// federation certificate issued by the responder's CA.
func newDevResponder(src anchors.Source, certPath, keyPath string) (*ocsp.Responder, error) {
	if certPath == "" || keyPath == "" {
		return nil, errors.New("--responder-cert and --responder-key must be set together")
	}
	certs, err := anchors.LoadCertificates(certPath)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s: no certificate found", certPath)
	}
	key, alg, err := signer.LoadKey(keyPath)
	if err != nil {
		return nil, err
	}

	cas := src.CACertificates()
	ca := anchors.Issuer(cas, certs[0])
	if ca == nil {
		return nil, fmt.Errorf("responder %s is not issued by a federation CA", certs[0].Subject)
	}

	table := ocsp.NewStatusTable()
	candidates := append(append([]*x509.Certificate(nil), cas...), src.MemberCertificates()...)
	for _, c := range candidates {
		if anchors.Issuer([]*x509.Certificate{ca}, c) != nil {
			table.SetGood(c.SerialNumber)
		}
	}
	return ocsp.NewResponder(ocsp.ResponderConfig{
		ResponderCert: certs[0],
		Signer:        key,
		Algorithm:     alg,
		CACert:        ca,
		Table:         table,
	})
}
