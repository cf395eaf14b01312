// Package verifier decides whether a signed container is trustworthy. It
// runs every gate in order: container decoding, references, signature
// value, signer identity, certification path and revocation. Verification
// is synchronous and safe for concurrent use.
package verifier

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/audit"
	"github.com/remiblancher/sigtrust/internal/certpath"
	"github.com/remiblancher/sigtrust/internal/container"
	"github.com/remiblancher/sigtrust/internal/crypto"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/ocspcache"
	"github.com/remiblancher/sigtrust/internal/schema"
	"github.com/remiblancher/sigtrust/internal/signer"
	"github.com/remiblancher/sigtrust/internal/xmldsig"
)

// Config configures a Verifier.
type Config struct {
	Anchors anchors.Source
	// Cache supplies OCSP responses missing from the signature. Optional.
	Cache *ocspcache.Cache
	// Schema selects the XML entry validator. Empty means schema.ModeStrict.
	Schema schema.Mode
	// AllowStaleOCSP accepts cache entries loaded with nextUpdate already
	// past. Such entries still have to pass the freshness check.
	AllowStaleOCSP bool
	// OCSPMaxAge accepts responses without nextUpdate up to this age.
	OCSPMaxAge time.Duration
	// MaxEntrySize bounds each container entry.
	MaxEntrySize int64

	Audit   audit.Writer
	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// VerifyRequest is one container to verify.
type VerifyRequest struct {
	// Container is the encoded signed container.
	Container []byte
	// Sender is the member identifier the signer must belong to.
	Sender string
	// Attachments are the message parts signed alongside the message body.
	Attachments []hashchain.MessagePart
	// Instance overrides the local federation instance.
	Instance string
	// At is the verification time. Zero means now.
	At time.Time
}

// Result describes a successful verification.
type Result struct {
	Signer             string
	SigningCertificate *x509.Certificate
	Algorithm          crypto.SignAlgorithm
	Batch              bool
	// EmbeddedResponses and CachedResponses count the OCSP responses
	// offered to path verification.
	EmbeddedResponses int
	CachedResponses   int
	Container         *container.SignedContainer
}

// Verifier verifies signed containers.
type Verifier struct {
	cfg       Config
	validator container.Validator
}

// New validates cfg and returns a Verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Anchors == nil {
		return nil, errors.New("trust anchor source is required")
	}
	mode := cfg.Schema
	if mode == "" {
		mode = schema.ModeStrict
	}
	validator, err := schema.ForMode(mode)
	if err != nil {
		return nil, err
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopWriter{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg, validator: validator}, nil
}

// Verify runs every gate on req and records the outcome in the audit log.
// The first failing gate ends verification.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	start := time.Now()
	res, err := v.verify(ctx, req)

	op := "ok"
	var ve *VerifyError
	if errors.As(err, &ve) {
		op = ve.Op
	}
	v.cfg.Metrics.Verifications.WithLabelValues(string(audit.ResultOf(err)), op).Inc()
	v.cfg.Metrics.Duration.Observe(time.Since(start).Seconds())

	if auditErr := v.record(req, res, err); auditErr != nil {
		v.cfg.Logger.Error("audit write failed", zap.Error(auditErr))
		return nil, verifyErr("audit", auditErr)
	}
	if err != nil {
		v.cfg.Logger.Info("signature rejected", zap.String("sender", req.Sender), zap.Error(err))
		return nil, err
	}
	v.cfg.Logger.Debug("signature verified",
		zap.String("sender", req.Sender),
		zap.Bool("batch", res.Batch),
		zap.Int("embedded_ocsp", res.EmbeddedResponses),
		zap.Int("cached_ocsp", res.CachedResponses))
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	if req.Sender == "" {
		return nil, verifyErr("signer", errors.New("expected sender is required"))
	}
	at := req.At
	if at.IsZero() {
		at = v.cfg.Now()
	}
	instance := req.Instance
	if instance == "" {
		instance = v.cfg.Anchors.Instance()
	}

	c, err := container.ReadWithConfig(bytes.NewReader(req.Container), int64(len(req.Container)), container.ReadConfig{
		Validator:    v.validator,
		MaxEntrySize: v.cfg.MaxEntrySize,
	})
	if err != nil {
		return nil, verifyErr("decode", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sig, err := xmldsig.Parse(c.Signature)
	if err != nil {
		return nil, verifyErr("signature", err)
	}
	if err := verifyReferences(c, sig, req.Attachments); err != nil {
		return nil, verifyErr("references", err)
	}
	if err := sig.Verify(); err != nil {
		return nil, verifyErr("signature", err)
	}

	leaf := sig.SigningCertificate()
	member, err := v.cfg.Anchors.SubjectName(instance, leaf)
	if err != nil {
		return nil, verifyErr("signer", fmt.Errorf("%w: %w", ErrSignerMismatch, err))
	}
	if member != req.Sender {
		return nil, verifyErr("signer", fmt.Errorf("%w: signed by %s, expected %s", ErrSignerMismatch, member, req.Sender))
	}

	anchor, err := v.cfg.Anchors.CACertificate(instance, leaf)
	if err != nil {
		return nil, verifyErr("certpath", &certpath.TrustError{
			Op:      "path",
			Subject: leaf.Subject.String(),
			Err:     fmt.Errorf("%w: %w", certpath.ErrPathBuildFailed, err),
		})
	}
	intermediates := append(append([]*x509.Certificate(nil), sig.Intermediates()...), v.cfg.Anchors.CACertificates()...)
	chain := certpath.NewCertChain(instance, leaf, intermediates, anchor)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	responses, cached := v.responses(sig, chain, at)
	pv := certpath.Verifier{
		TrustedResponders: v.cfg.Anchors.OCSPResponderCertificates(),
		MaxAge:            v.cfg.OCSPMaxAge,
	}
	if err := pv.Verify(chain, responses, at); err != nil {
		return nil, verifyErr("certpath", err)
	}

	return &Result{
		Signer:             member,
		SigningCertificate: leaf,
		Algorithm:          sig.Algorithm,
		Batch:              c.IsBatch(),
		EmbeddedResponses:  len(sig.OCSPResponses),
		CachedResponses:    cached,
		Container:          c,
	}, nil
}

// verifyReferences checks the signature covers exactly the message parts,
// directly or through the hash chain.
func verifyReferences(c *container.SignedContainer, sig *xmldsig.Signature, attachments []hashchain.MessagePart) error {
	parts := make(hashchain.Parts, 0, 1+len(attachments))
	parts = append(parts, hashchain.MessagePart{Name: signer.MessagePart, Data: c.Message})
	parts = append(parts, attachments...)

	if c.IsBatch() {
		if len(sig.References) != 1 {
			return fmt.Errorf("%w: batch signature must reference only %s", hashchain.ErrUnresolvedReference, signer.HashChainResultPart)
		}
		if err := checkReference(sig, signer.HashChainResultPart, c.HashChainResult); err != nil {
			return err
		}
		return hashchain.Verify(c.HashChainResult, c.HashChain, parts)
	}

	for _, ref := range sig.References {
		if _, ok := parts.Part(ref.URI); !ok {
			return fmt.Errorf("%w: %s", hashchain.ErrUnresolvedReference, ref.URI)
		}
	}
	for _, p := range parts {
		ref, ok := sig.Reference(p.Name)
		if !ok {
			return fmt.Errorf("%w: part %s is not signed", hashchain.ErrUnresolvedReference, p.Name)
		}
		alg := ref.Digest.Algorithm()
		if !alg.Known() {
			return fmt.Errorf("%w: digest %s", crypto.ErrUnknownAlgorithm, ref.Digest.AlgorithmURI)
		}
		got, err := p.DigestWith(alg)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, ref.Digest.Value) {
			return fmt.Errorf("%w: %s", hashchain.ErrDigestMismatch, p.Name)
		}
	}
	return nil
}

func checkReference(sig *xmldsig.Signature, uri string, data []byte) error {
	ref, ok := sig.Reference(uri)
	if !ok {
		return fmt.Errorf("%w: %s is not signed", hashchain.ErrUnresolvedReference, uri)
	}
	alg := ref.Digest.Algorithm()
	if !alg.Known() {
		return fmt.Errorf("%w: digest %s", crypto.ErrUnknownAlgorithm, ref.Digest.AlgorithmURI)
	}
	got, err := crypto.Digest(alg, data)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, ref.Digest.Value) {
		return fmt.Errorf("%w: %s", hashchain.ErrDigestMismatch, uri)
	}
	return nil
}

// responses returns the embedded OCSP responses followed by cached ones for
// chain certificates, read from a single cache snapshot. It also returns the
// number of cached responses added.
func (v *Verifier) responses(sig *xmldsig.Signature, chain certpath.CertChain, at time.Time) ([][]byte, int) {
	out := append([][]byte(nil), sig.OCSPResponses...)
	if v.cfg.Cache == nil {
		return out, 0
	}
	snap := v.cfg.Cache.Snapshot()
	cached := 0
	for _, cert := range chain.Certificates {
		e, ok := snap.ForCertificate(cert)
		if !ok {
			continue
		}
		if e.Stale && !v.cfg.AllowStaleOCSP {
			v.cfg.Logger.Warn("ignoring stale cached OCSP response",
				zap.String("subject", cert.Subject.String()),
				zap.Time("next_update", e.NextUpdate),
				zap.Time("at", at))
			continue
		}
		out = append(out, e.Response)
		cached++
	}
	return out, cached
}

func (v *Verifier) record(req VerifyRequest, res *Result, err error) error {
	obj := audit.Object{Type: "container", Member: req.Sender}
	ctx := audit.Context{Instance: req.Instance}
	if ctx.Instance == "" {
		ctx.Instance = v.cfg.Anchors.Instance()
	}
	if res != nil {
		obj.Subject = res.SigningCertificate.Subject.String()
		obj.Serial = res.SigningCertificate.SerialNumber.Text(16)
		ctx.Algorithm = res.Algorithm.String()
		ctx.Batch = res.Batch
		ctx.Responses = res.EmbeddedResponses + res.CachedResponses
	}
	if err != nil {
		ctx.Reason = err.Error()
	}
	return v.cfg.Audit.Write(audit.NewEvent(audit.EventSignatureVerify, audit.ResultOf(err)).
		WithObject(obj).
		WithContext(ctx))
}

// Metrics are the verifier's Prometheus collectors.
type Metrics struct {
	Verifications *prometheus.CounterVec
	Duration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigtrust",
			Subsystem: "verifier",
			Name:      "verifications_total",
			Help:      "Signature verifications by result and failing step.",
		}, []string{"result", "step"}),

		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sigtrust",
			Subsystem: "verifier",
			Name:      "duration_seconds",
			Help:      "Duration of signature verifications.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Verifications, m.Duration)
	}
	return m
}
