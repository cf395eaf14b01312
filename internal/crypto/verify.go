package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// ErrSignatureInvalid is returned when a signature does not verify.
var ErrSignatureInvalid = errors.New("signature invalid")

// VerifySignature verifies sig over data. Hash-then-sign schemes digest data
// with the algorithm's digest first; pure schemes verify data directly.
func VerifySignature(alg SignAlgorithm, pub crypto.PublicKey, data, sig []byte) error {
	if !alg.Known() {
		return fmt.Errorf("%w: signature algorithm %s", ErrUnknownAlgorithm, alg)
	}

	var digest []byte
	var h crypto.Hash
	if !alg.IsPure() {
		d := alg.Digest()
		var err error
		if digest, err = Digest(d, data); err != nil {
			return err
		}
		h = d.Hash()
	}

	ok := false
	switch alg.KeyType() {
	case KeyRSA:
		rsaPub, isRSA := pub.(*rsa.PublicKey)
		if !isRSA {
			return keyMismatch(alg, pub)
		}
		ok = rsa.VerifyPKCS1v15(rsaPub, h, digest, sig) == nil

	case KeyRSAPSS:
		rsaPub, isRSA := pub.(*rsa.PublicKey)
		if !isRSA {
			return keyMismatch(alg, pub)
		}
		ok = rsa.VerifyPSS(rsaPub, h, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: h}) == nil

	case KeyECDSA:
		ecPub, isEC := pub.(*ecdsa.PublicKey)
		if !isEC {
			return keyMismatch(alg, pub)
		}
		ok = ecdsa.VerifyASN1(ecPub, digest, sig)

	case KeyEd25519:
		edPub, isEd := pub.(ed25519.PublicKey)
		if !isEd {
			return keyMismatch(alg, pub)
		}
		ok = ed25519.Verify(edPub, data, sig)

	case KeyMLDSA44:
		mlPub, isML := pub.(*mldsa44.PublicKey)
		if !isML {
			return keyMismatch(alg, pub)
		}
		ok = mldsa44.Verify(mlPub, data, nil, sig)

	case KeyMLDSA65:
		mlPub, isML := pub.(*mldsa65.PublicKey)
		if !isML {
			return keyMismatch(alg, pub)
		}
		ok = mldsa65.Verify(mlPub, data, nil, sig)

	case KeyMLDSA87:
		mlPub, isML := pub.(*mldsa87.PublicKey)
		if !isML {
			return keyMismatch(alg, pub)
		}
		ok = mldsa87.Verify(mlPub, data, nil, sig)

	default:
		return fmt.Errorf("%w: no verifier for %s", ErrUnknownAlgorithm, alg)
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, alg)
	}
	return nil
}

func keyMismatch(alg SignAlgorithm, pub crypto.PublicKey) error {
	return fmt.Errorf("%w: %s cannot be verified with %T", ErrSignatureInvalid, alg, pub)
}

// subjectPublicKeyInfo mirrors the X.509 SPKI structure.
type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// certificateOuter splits a certificate into its signed parts.
type certificateOuter struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// PublicKeyFromCertificate returns the certificate's public key. Keys that
// crypto/x509 does not understand (ML-DSA) are decoded from the raw SPKI.
func PublicKeyFromCertificate(cert *x509.Certificate) (crypto.PublicKey, error) {
	if cert.PublicKey != nil && cert.PublicKeyAlgorithm != x509.UnknownPublicKeyAlgorithm {
		return cert.PublicKey, nil
	}
	return ParsePublicKeyInfo(cert.RawSubjectPublicKeyInfo)
}

// ParsePublicKeyInfo decodes a DER SubjectPublicKeyInfo, including ML-DSA keys.
func ParsePublicKeyInfo(der []byte) (crypto.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return pub, nil
	}

	var spki subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse public key info: %w", err)
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data after public key info")
	}

	raw := spki.PublicKey.RightAlign()
	switch SignByOID(spki.Algorithm.Algorithm).KeyType() {
	case KeyMLDSA44:
		pk := new(mldsa44.PublicKey)
		if err := pk.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("invalid ML-DSA-44 public key: %w", err)
		}
		return pk, nil
	case KeyMLDSA65:
		pk := new(mldsa65.PublicKey)
		if err := pk.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("invalid ML-DSA-65 public key: %w", err)
		}
		return pk, nil
	case KeyMLDSA87:
		pk := new(mldsa87.PublicKey)
		if err := pk.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("invalid ML-DSA-87 public key: %w", err)
		}
		return pk, nil
	}
	return nil, fmt.Errorf("%w: public key algorithm %s", ErrUnknownAlgorithm, spki.Algorithm.Algorithm)
}

// MarshalPublicKeyInfo encodes a public key as DER SubjectPublicKeyInfo,
// including ML-DSA keys.
func MarshalPublicKeyInfo(pub crypto.PublicKey) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	var raw []byte
	var err error
	switch k := pub.(type) {
	case *mldsa44.PublicKey:
		oid = SignByName("ML-DSA-44").OID()
		raw, err = k.MarshalBinary()
	case *mldsa65.PublicKey:
		oid = SignByName("ML-DSA-65").OID()
		raw, err = k.MarshalBinary()
	case *mldsa87.PublicKey:
		oid = SignByName("ML-DSA-87").OID()
		raw, err = k.MarshalBinary()
	default:
		return x509.MarshalPKIXPublicKey(pub)
	}
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: len(raw) * 8},
	})
}

// CheckCertificateSignature verifies that parent signed cert. Only the
// signature is checked; CA flags and key usage are left to the caller.
func CheckCertificateSignature(cert, parent *x509.Certificate) error {
	if cert.SignatureAlgorithm != x509.UnknownSignatureAlgorithm &&
		parent.PublicKeyAlgorithm != x509.UnknownPublicKeyAlgorithm {
		if err := parent.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil
	}

	var outer certificateOuter
	if _, err := asn1.Unmarshal(cert.Raw, &outer); err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	alg := SignByOID(outer.SignatureAlgorithm.Algorithm)
	pub, err := PublicKeyFromCertificate(parent)
	if err != nil {
		return err
	}
	return VerifySignature(alg, pub, cert.RawTBSCertificate, outer.SignatureValue.RightAlign())
}
