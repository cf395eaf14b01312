package ocsprefresh

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/audit"
	"github.com/remiblancher/sigtrust/internal/ocsp"
	"github.com/remiblancher/sigtrust/internal/ocspcache"
)

// Fetcher retrieves an OCSP response for certs issued by issuer.
// *ocsp.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, issuer *x509.Certificate, certs []*x509.Certificate) (*ocsp.Response, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Source  anchors.Source
	Cache   *ocspcache.Cache
	Fetcher Fetcher // default: ocsp.NewClient(FetchTimeout)

	// MaxConcurrent bounds parallel fetches within a round. Default 4.
	MaxConcurrent int
	// FetchTimeout bounds each fetch. Default 10s.
	FetchTimeout time.Duration
	// Interval is the freshness interval, used for NextFetch.
	Interval time.Duration
	// MaxAge accepts responses without nextUpdate up to this age.
	MaxAge time.Duration

	// Audit receives one event per completed round.
	Audit   audit.Writer
	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// CA statuses reported by Status.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPending = "pending"
)

// CAStatus is the diagnostics record of one certification authority.
type CAStatus struct {
	Subject      string    `json:"subject"`
	Responders   []string  `json:"responders"`
	Status       string    `json:"status"`
	Certificates int       `json:"certificates"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitempty"`
	NextUpdate   time.Time `json:"next_update,omitempty"`
}

// Worker performs one refresh round per Execute call.
type Worker struct {
	cfg WorkerConfig

	mu     sync.RWMutex
	status map[string]*CAStatus
	round  map[string]*caRound
}

// caRound aggregates the targets of one CA within a round. A CA reached
// through several responders is ok only when every one of them succeeded.
type caRound struct {
	errs []string
	next time.Time
}

// NewWorker validates cfg and returns a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errors.New("trust anchor source is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = ocsp.NewClient(cfg.FetchTimeout)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopWriter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{cfg: cfg, status: make(map[string]*CAStatus)}, nil
}

// target is one request: certificates sharing an issuer and responder.
type target struct {
	issuer *x509.Certificate
	url    string
	certs  []*x509.Certificate
}

func (t target) ca() string { return t.issuer.Subject.String() }

// targets groups every non-self-signed CA and member certificate by
// (issuer, responder URL).
func (w *Worker) targets() []target {
	src := w.cfg.Source
	cas := src.CACertificates()
	seen := make(map[string]bool)
	groups := make(map[string]*target)

	candidates := make([]*x509.Certificate, 0, len(cas))
	candidates = append(candidates, cas...)
	candidates = append(candidates, src.MemberCertificates()...)
	for _, cert := range candidates {
		fp := ocspcache.Fingerprint(cert)
		if seen[fp] || anchors.IsSelfSigned(cert) {
			continue
		}
		seen[fp] = true

		issuer := anchors.Issuer(cas, cert)
		if issuer == nil {
			w.cfg.Logger.Warn("No approved issuer for certificate, skipping OCSP refresh",
				zap.String("subject", cert.Subject.String()))
			continue
		}
		urls := src.OCSPResponderAddresses(cert)
		if len(urls) == 0 {
			w.cfg.Logger.Warn("No OCSP responder address for certificate",
				zap.String("subject", cert.Subject.String()))
			continue
		}
		key := ocspcache.Fingerprint(issuer) + "|" + urls[0]
		g, ok := groups[key]
		if !ok {
			g = &target{issuer: issuer, url: urls[0]}
			groups[key] = g
		}
		g.certs = append(g.certs, cert)
	}

	out := make([]target, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ca() != out[j].ca() {
			return out[i].ca() < out[j].ca()
		}
		return out[i].url < out[j].url
	})
	return out
}

// Execute fetches every target concurrently. A failed fetch never stops the
// others; the round fails if any fetch failed.
func (w *Worker) Execute(ctx context.Context) error {
	targets := w.targets()
	w.markPending(targets)

	var g errgroup.Group
	g.SetLimit(w.cfg.MaxConcurrent)

	var mu sync.Mutex
	var errs []error
	for _, t := range targets {
		g.Go(func() error {
			next, err := w.fetch(ctx, t)
			if ctx.Err() != nil {
				return nil
			}
			w.record(t, next, err)
			if err != nil {
				w.cfg.Logger.Warn("OCSP refresh failed",
					zap.String("ca", t.ca()), zap.String("url", t.url), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s via %s: %w", t.ca(), t.url, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if m := w.cfg.Metrics; m != nil {
		m.CacheEntries.Set(float64(w.cfg.Cache.Snapshot().Len()))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := errors.Join(errs...)
	if m := w.cfg.Metrics; m != nil {
		if err != nil {
			m.Rounds.WithLabelValues("failure").Inc()
		} else {
			m.Rounds.WithLabelValues("success").Inc()
		}
	}
	w.cfg.Logger.Info("OCSP refresh round finished",
		zap.Int("targets", len(targets)), zap.Int("failed", len(errs)))

	event := audit.NewEvent(audit.EventOCSPRefresh, audit.ResultOf(err)).
		WithObject(audit.Object{Type: "federation"}).
		WithContext(audit.Context{
			Instance:  w.cfg.Source.Instance(),
			Responses: len(targets) - len(errs),
			Failures:  len(errs),
		})
	if err != nil {
		event.Context.Reason = err.Error()
	}
	if auditErr := w.cfg.Audit.Write(event); auditErr != nil {
		return errors.Join(err, fmt.Errorf("audit log failed: %w", auditErr))
	}
	return err
}

// fetch requests, verifies and caches responses for t. It returns the
// earliest nextUpdate of the cached responses.
func (w *Worker) fetch(ctx context.Context, t target) (time.Time, error) {
	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := w.cfg.Fetcher.Fetch(fctx, t.url, t.issuer, t.certs)
	w.observe(start, err)
	if err != nil {
		return time.Time{}, err
	}

	now := w.cfg.Now()
	trusted := w.cfg.Source.OCSPResponderCertificates()
	var next time.Time
	var errs []error
	for _, cert := range t.certs {
		res, err := resp.Verify(&ocsp.VerifyConfig{
			IssuerCert:        t.issuer,
			Certificate:       cert,
			TrustedResponders: trusted,
			CurrentTime:       now,
			MaxAge:            w.cfg.MaxAge,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cert.Subject, err))
			continue
		}
		// Shutdown: drop the result rather than write after cancellation.
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}
		if err := w.cfg.Cache.PutEntry(ocspcache.Entry{
			Fingerprint: ocspcache.Fingerprint(cert),
			Subject:     cert.Subject.String(),
			Response:    resp.Raw,
			FetchedAt:   now,
			NextFetch:   now.Add(w.cfg.Interval),
			ThisUpdate:  res.ThisUpdate,
			NextUpdate:  res.NextUpdate,
			Status:      res.Status,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		if !res.NextUpdate.IsZero() && (next.IsZero() || res.NextUpdate.Before(next)) {
			next = res.NextUpdate
		}
	}
	if len(errs) > 0 && w.cfg.Metrics != nil {
		w.cfg.Metrics.Fetches.WithLabelValues("invalid").Inc()
	}
	return next, errors.Join(errs...)
}

func (w *Worker) observe(start time.Time, err error) {
	m := w.cfg.Metrics
	if m == nil {
		return
	}
	m.FetchDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		m.Fetches.WithLabelValues("success").Inc()
	case errors.Is(err, ocsp.ErrFetchTimeout):
		m.Fetches.WithLabelValues("timeout").Inc()
	default:
		m.Fetches.WithLabelValues("failure").Inc()
	}
}

func (w *Worker) markPending(targets []target) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.round = make(map[string]*caRound)
	for _, t := range targets {
		st, ok := w.status[t.ca()]
		if !ok {
			st = &CAStatus{Subject: t.ca(), Status: StatusPending}
			w.status[t.ca()] = st
		}
		if _, ok := w.round[t.ca()]; !ok {
			w.round[t.ca()] = &caRound{}
			st.Certificates = 0
		}
		st.Responders = appendURL(st.Responders, t.url)
	}
}

func (w *Worker) record(t target, next time.Time, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.status[t.ca()]
	r := w.round[t.ca()]
	st.Certificates += len(t.certs)
	if err != nil {
		r.errs = append(r.errs, t.url+": "+err.Error())
	} else if !next.IsZero() && (r.next.IsZero() || next.Before(r.next)) {
		r.next = next
	}

	now := w.cfg.Now()
	if len(r.errs) > 0 {
		st.Status = StatusError
		st.LastError = strings.Join(r.errs, "; ")
		st.LastErrorAt = now
	} else {
		st.Status = StatusOK
		st.LastSuccess = now
		st.NextUpdate = r.next
	}
	if m := w.cfg.Metrics; m != nil {
		ok := 0.0
		if len(r.errs) == 0 {
			ok = 1
		}
		m.CAStatus.WithLabelValues(t.ca()).Set(ok)
	}
}

// Status returns a copy of the per-CA diagnostics keyed by CA subject.
func (w *Worker) Status() map[string]CAStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]CAStatus, len(w.status))
	for k, v := range w.status {
		cp := *v
		cp.Responders = append([]string(nil), v.Responders...)
		out[k] = cp
	}
	return out
}

func appendURL(list []string, url string) []string {
	for _, u := range list {
		if u == url {
			return list
		}
	}
	return append(list, url)
}
