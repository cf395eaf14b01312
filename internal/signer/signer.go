// Package signer produces signed containers. A single message is signed
// directly; a batch is linked by a hash chain and shares one signature over
// the hash chain result.
package signer

import (
	"crypto/x509"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/container"
	"github.com/remiblancher/sigtrust/internal/crypto"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/ocspcache"
	"github.com/remiblancher/sigtrust/internal/xmldsig"
)

const (
	// MessagePart is the logical name of the message body.
	MessagePart = "/" + container.EntryMessage
	// HashChainResultPart is the logical name of the signed hash chain result.
	HashChainResultPart = "/" + container.EntryHashChainResult
)

// Key identifies the signing key held by a Backend.
type Key struct {
	ID        string
	Algorithm crypto.SignAlgorithm
	// Certificates is the signing certificate followed by any intermediates.
	Certificates []*x509.Certificate
}

// Config configures a Signer.
type Config struct {
	Backend Backend
	Key     Key
	// Digest is used for references and hash chains. Defaults to SHA-256.
	Digest crypto.DigestAlgorithm
	// Cache, when set, supplies OCSP responses embedded for the key's chain.
	Cache  *ocspcache.Cache
	Logger *zap.Logger
}

// Message is a message body with its attachments.
type Message struct {
	Body        []byte
	Attachments []hashchain.MessagePart
}

func (m Message) parts() ([]hashchain.MessagePart, error) {
	if len(m.Body) == 0 {
		return nil, errors.New("empty message body")
	}
	parts := make([]hashchain.MessagePart, 0, 1+len(m.Attachments))
	parts = append(parts, hashchain.MessagePart{Name: MessagePart, Data: m.Body})
	seen := map[string]bool{MessagePart: true}
	for _, a := range m.Attachments {
		if a.Name == "" {
			return nil, errors.New("attachment without name")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate part %s", a.Name)
		}
		seen[a.Name] = true
		parts = append(parts, a)
	}
	return parts, nil
}

// Signer signs messages into containers.
type Signer struct {
	cfg     Config
	builder *hashchain.Builder
	digest  string
}

// New validates cfg and returns a Signer.
func New(cfg Config) (*Signer, error) {
	if cfg.Backend == nil {
		return nil, errors.New("signing backend is required")
	}
	if cfg.Key.ID == "" {
		return nil, errors.New("key id is required")
	}
	if !cfg.Key.Algorithm.Known() {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnknownAlgorithm, cfg.Key.Algorithm)
	}
	if len(cfg.Key.Certificates) == 0 {
		return nil, errors.New("signing certificate is required")
	}
	if !cfg.Digest.Known() {
		cfg.Digest = crypto.DigestByName("SHA-256")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	builder, err := hashchain.NewBuilder(cfg.Digest)
	if err != nil {
		return nil, err
	}
	uri, err := cfg.Digest.URI()
	if err != nil {
		return nil, err
	}
	return &Signer{cfg: cfg, builder: builder, digest: uri}, nil
}

// Sign signs one message with detached references to its body and
// attachments.
func (s *Signer) Sign(msg Message) (*container.SignedContainer, error) {
	parts, err := msg.parts()
	if err != nil {
		return nil, err
	}
	b, err := s.newBuilder()
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		value, err := p.DigestWith(s.cfg.Digest)
		if err != nil {
			return nil, err
		}
		b.AddReference(p.Name, crypto.DigestValue{AlgorithmURI: s.digest, Value: value})
	}
	sig, err := b.Build(s.sign)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return &container.SignedContainer{Message: msg.Body, Signature: sig}, nil
}

// SignBatch signs several messages with one signature. Each container
// carries the shared signature and hash chain result plus its own hash
// chain. A batch of one is signed as a single message.
func (s *Signer) SignBatch(msgs []Message) ([]*container.SignedContainer, error) {
	switch len(msgs) {
	case 0:
		return nil, errors.New("empty batch")
	case 1:
		c, err := s.Sign(msgs[0])
		if err != nil {
			return nil, err
		}
		return []*container.SignedContainer{c}, nil
	}

	all := make([][]hashchain.MessagePart, len(msgs))
	for i, m := range msgs {
		parts, err := m.parts()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		all[i] = parts
	}
	batch, err := s.builder.Build(all)
	if err != nil {
		return nil, fmt.Errorf("build hash chains: %w", err)
	}

	b, err := s.newBuilder()
	if err != nil {
		return nil, err
	}
	resultDigest, err := crypto.ComputeDigestValue(s.cfg.Digest, batch.Result)
	if err != nil {
		return nil, err
	}
	b.AddReference(HashChainResultPart, resultDigest)
	sig, err := b.Build(s.sign)
	if err != nil {
		return nil, fmt.Errorf("sign batch: %w", err)
	}

	out := make([]*container.SignedContainer, len(msgs))
	for i, m := range msgs {
		out[i] = &container.SignedContainer{
			Message:         m.Body,
			Signature:       sig,
			HashChainResult: batch.Result,
			HashChain:       batch.Chains[i],
		}
	}
	s.cfg.Logger.Debug("signed batch", zap.Int("messages", len(msgs)), zap.String("key", s.cfg.Key.ID))
	return out, nil
}

func (s *Signer) newBuilder() (*xmldsig.Builder, error) {
	b, err := xmldsig.NewBuilder(s.cfg.Key.Algorithm)
	if err != nil {
		return nil, err
	}
	b.AddCertificates(s.cfg.Key.Certificates...)
	for _, der := range s.ocspResponses() {
		b.AddOCSPResponse(der)
	}
	return b, nil
}

// ocspResponses returns usable cached responses for the key's certificates.
func (s *Signer) ocspResponses() [][]byte {
	if s.cfg.Cache == nil {
		return nil
	}
	snap := s.cfg.Cache.Snapshot()
	var out [][]byte
	for _, cert := range s.cfg.Key.Certificates {
		e, ok := snap.ForCertificate(cert)
		if !ok || e.Stale {
			s.cfg.Logger.Debug("no cached OCSP response to embed", zap.String("subject", cert.Subject.String()))
			continue
		}
		out = append(out, e.Response)
	}
	return out
}

func (s *Signer) sign(signedInfo []byte) ([]byte, error) {
	alg := s.cfg.Key.Algorithm
	input, err := crypto.SigningInput(alg, signedInfo)
	if err != nil {
		return nil, err
	}
	return s.cfg.Backend.Sign(s.cfg.Key.ID, alg.Digest(), input)
}
