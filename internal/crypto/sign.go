package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// SigningInput returns the bytes a signing backend must sign for data:
// the digest for hash-then-sign schemes, data itself for pure schemes.
func SigningInput(alg SignAlgorithm, data []byte) ([]byte, error) {
	if !alg.Known() {
		return nil, fmt.Errorf("%w: signature algorithm %s", ErrUnknownAlgorithm, alg)
	}
	if alg.IsPure() {
		return data, nil
	}
	return Digest(alg.Digest(), data)
}

// SignInput signs a value produced by SigningInput with a software key.
func SignInput(alg SignAlgorithm, priv crypto.Signer, input []byte) ([]byte, error) {
	if !alg.Known() {
		return nil, fmt.Errorf("%w: signature algorithm %s", ErrUnknownAlgorithm, alg)
	}
	var opts crypto.SignerOpts = crypto.Hash(0)
	if !alg.IsPure() {
		h := alg.Digest().Hash()
		opts = h
		if alg.KeyType() == KeyRSAPSS {
			opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		}
	}
	sig, err := priv.Sign(rand.Reader, input, opts)
	if err != nil {
		return nil, fmt.Errorf("sign with %s: %w", alg, err)
	}
	return sig, nil
}

// Sign signs data with a software key.
func Sign(alg SignAlgorithm, priv crypto.Signer, data []byte) ([]byte, error) {
	input, err := SigningInput(alg, data)
	if err != nil {
		return nil, err
	}
	return SignInput(alg, priv, input)
}
