package crypto

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is needed to read legacy containers and OCSP CertIDs
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// NewHash returns a fresh hash.Hash for the algorithm.
func NewHash(alg DigestAlgorithm) (hash.Hash, error) {
	if !alg.Known() {
		return nil, fmt.Errorf("%w: digest %s", ErrUnknownAlgorithm, alg)
	}
	switch alg.info.Name {
	case "SHA-1":
		return sha1.New(), nil //nolint:gosec
	case "SHA-224":
		return sha256.New224(), nil
	case "SHA-256":
		return sha256.New(), nil
	case "SHA-384":
		return sha512.New384(), nil
	case "SHA-512":
		return sha512.New(), nil
	case "SHA3-256":
		return sha3.New256(), nil
	case "SHA3-512":
		return sha3.New512(), nil
	case "BLAKE3-256":
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("%w: no implementation for %s", ErrUnknownAlgorithm, alg)
}

// Digest computes the digest of data.
func Digest(alg DigestAlgorithm, data []byte) ([]byte, error) {
	h, err := NewHash(alg)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// DigestValue pairs an algorithm URI with raw digest bytes.
type DigestValue struct {
	AlgorithmURI string
	Value        []byte
}

// Algorithm resolves the digest algorithm of the value.
func (v DigestValue) Algorithm() DigestAlgorithm {
	return DigestByURI(v.AlgorithmURI)
}

// ComputeDigestValue digests data and returns it tagged with the algorithm URI.
func ComputeDigestValue(alg DigestAlgorithm, data []byte) (DigestValue, error) {
	uri, err := alg.URI()
	if err != nil {
		return DigestValue{}, err
	}
	d, err := Digest(alg, data)
	if err != nil {
		return DigestValue{}, err
	}
	return DigestValue{AlgorithmURI: uri, Value: d}, nil
}
