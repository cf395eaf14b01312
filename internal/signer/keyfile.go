package signer

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// LoadKey reads an unencrypted PEM private key and returns it with the
// default signature algorithm for its type.
func LoadKey(path string) (gocrypto.Signer, crypto.SignAlgorithm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, crypto.SignAlgorithm{}, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParseKey(data)
}

// ParseKey decodes the first PEM block of data as a private key.
func ParseKey(data []byte) (gocrypto.Signer, crypto.SignAlgorithm, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, crypto.SignAlgorithm{}, fmt.Errorf("no PEM block found")
	}

	var priv any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		// PKCS#8 format
		priv, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		// SEC1 format
		priv, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		// PKCS#1 format
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "ML-DSA-44 PRIVATE KEY":
		k := new(mldsa44.PrivateKey)
		err = k.UnmarshalBinary(block.Bytes)
		priv = k
	case "ML-DSA-65 PRIVATE KEY":
		k := new(mldsa65.PrivateKey)
		err = k.UnmarshalBinary(block.Bytes)
		priv = k
	case "ML-DSA-87 PRIVATE KEY":
		k := new(mldsa87.PrivateKey)
		err = k.UnmarshalBinary(block.Bytes)
		priv = k
	default:
		return nil, crypto.SignAlgorithm{}, fmt.Errorf("unknown PEM type: %s", block.Type)
	}
	if err != nil {
		return nil, crypto.SignAlgorithm{}, fmt.Errorf("failed to parse %s: %w", block.Type, err)
	}

	s, ok := priv.(gocrypto.Signer)
	if !ok {
		return nil, crypto.SignAlgorithm{}, fmt.Errorf("%T cannot sign", priv)
	}
	alg := defaultAlgorithm(s)
	if !alg.Known() {
		return nil, crypto.SignAlgorithm{}, fmt.Errorf("%w: no signature algorithm for %T", crypto.ErrUnknownAlgorithm, s)
	}
	return s, alg, nil
}

func defaultAlgorithm(s gocrypto.Signer) crypto.SignAlgorithm {
	switch k := s.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 384:
			return crypto.SignByName("SHA384withECDSA")
		case 521:
			return crypto.SignByName("SHA512withECDSA")
		default:
			return crypto.SignByName("SHA256withECDSA")
		}
	case ed25519.PrivateKey:
		return crypto.SignByName("Ed25519")
	case *rsa.PrivateKey:
		return crypto.SignByName("SHA256withRSA")
	case *mldsa44.PrivateKey:
		return crypto.SignByName("ML-DSA-44")
	case *mldsa65.PrivateKey:
		return crypto.SignByName("ML-DSA-65")
	case *mldsa87.PrivateKey:
		return crypto.SignByName("ML-DSA-87")
	}
	return crypto.SignAlgorithm{}
}
