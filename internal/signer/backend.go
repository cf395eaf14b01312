package signer

import (
	gocrypto "crypto"
	"errors"
	"fmt"
	"sync"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// ErrUnknownKey is returned by a Backend that does not hold the requested key.
var ErrUnknownKey = errors.New("unknown signing key")

// Backend signs digests with keys it holds. Token and HSM backends live
// outside this module and implement the same interface.
//
// For hash-then-sign algorithms digest is computed with alg. For pure
// schemes (Ed25519, ML-DSA) digest is the signed data itself and alg is the
// zero DigestAlgorithm.
type Backend interface {
	Sign(keyID string, alg crypto.DigestAlgorithm, digest []byte) ([]byte, error)
}

type softwareKey struct {
	signer gocrypto.Signer
	alg    crypto.SignAlgorithm
}

// Software is a Backend holding keys in memory.
type Software struct {
	mu   sync.RWMutex
	keys map[string]softwareKey
}

var _ Backend = (*Software)(nil)

// NewSoftware returns an empty software backend.
func NewSoftware() *Software {
	return &Software{keys: make(map[string]softwareKey)}
}

// AddKey registers signer under keyID for use with alg.
func (s *Software) AddKey(keyID string, signer gocrypto.Signer, alg crypto.SignAlgorithm) error {
	if !alg.Known() {
		return fmt.Errorf("%w: %s", crypto.ErrUnknownAlgorithm, alg)
	}
	if signer == nil {
		return errors.New("signer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = softwareKey{signer: signer, alg: alg}
	return nil
}

// Sign implements Backend.
func (s *Software) Sign(keyID string, alg crypto.DigestAlgorithm, digest []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	if key.alg.IsPure() {
		if alg.Known() {
			return nil, fmt.Errorf("key %s uses %s, which signs data rather than a %s digest", keyID, key.alg, alg)
		}
	} else {
		if alg != key.alg.Digest() {
			return nil, fmt.Errorf("key %s uses %s, digest algorithm %s does not match", keyID, key.alg, alg)
		}
		if len(digest) != alg.Size() {
			return nil, fmt.Errorf("digest length %d does not match %s", len(digest), alg)
		}
	}
	return crypto.SignInput(key.alg, key.signer, digest)
}
