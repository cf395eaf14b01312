// Package testpki generates throwaway certificate hierarchies for tests.
package testpki

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Key is a private key with the signature algorithm used with it.
type Key struct {
	Signer gocrypto.Signer
	Alg    crypto.SignAlgorithm
}

// ECKey generates a P-256 key.
func ECKey(t testing.TB) *Key {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ECDSA key: %v", err)
	}
	return &Key{Signer: priv, Alg: crypto.SignByName("SHA256withECDSA")}
}

// RSAKey generates a 2048-bit RSA key.
func RSAKey(t testing.TB) *Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return &Key{Signer: priv, Alg: crypto.SignByName("SHA256withRSA")}
}

// Ed25519Key generates an Ed25519 key.
func Ed25519Key(t testing.TB) *Key {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate Ed25519 key: %v", err)
	}
	return &Key{Signer: priv, Alg: crypto.SignByName("Ed25519")}
}

// MLDSAKey generates an ML-DSA-65 key.
func MLDSAKey(t testing.TB) *Key {
	t.Helper()
	_, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ML-DSA key: %v", err)
	}
	return &Key{Signer: priv, Alg: crypto.SignByName("ML-DSA-65")}
}

// Cert is a certificate with its private key.
type Cert struct {
	Cert *x509.Certificate
	Key  *Key
}

// Options shapes a generated certificate. Zero validity means one hour in
// the past to one year ahead.
type Options struct {
	CommonName     string
	Organization   string
	SerialNumber   *big.Int
	NotBefore      time.Time
	NotAfter       time.Time
	IsCA           bool
	MaxPathLen     int
	MaxPathLenZero bool
	NoBasicConstr  bool
	KeyUsage       x509.KeyUsage
	ExtKeyUsage    []x509.ExtKeyUsage
	OCSPServer     []string
}

func (o Options) withDefaults() Options {
	if o.NotBefore.IsZero() {
		o.NotBefore = time.Now().Add(-time.Hour)
	}
	if o.NotAfter.IsZero() {
		o.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}
	if o.KeyUsage == 0 {
		if o.IsCA {
			o.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		} else {
			o.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
		}
	}
	return o
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	return n
}

func template(t testing.TB, o Options) *x509.Certificate {
	t.Helper()
	sn := o.SerialNumber
	if sn == nil {
		sn = serial(t)
	}
	name := pkix.Name{CommonName: o.CommonName}
	if o.Organization != "" {
		name.Organization = []string{o.Organization}
	}
	return &x509.Certificate{
		SerialNumber:          sn,
		Subject:               name,
		NotBefore:             o.NotBefore,
		NotAfter:              o.NotAfter,
		KeyUsage:              o.KeyUsage,
		ExtKeyUsage:           o.ExtKeyUsage,
		BasicConstraintsValid: !o.NoBasicConstr,
		IsCA:                  o.IsCA,
		MaxPathLen:            o.MaxPathLen,
		MaxPathLenZero:        o.MaxPathLenZero,
		OCSPServer:            o.OCSPServer,
	}
}

// SelfSigned creates a self-signed certificate.
func SelfSigned(t testing.TB, key *Key, o Options) *Cert {
	t.Helper()
	o = o.withDefaults()
	tmpl := template(t, o)
	if key.Alg.IsPQC() {
		return &Cert{Cert: buildManual(t, tmpl, nil, key, key), Key: key}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Signer.Public(), key.Signer)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return &Cert{Cert: parse(t, der), Key: key}
}

// Issue creates a certificate for key signed by parent.
func Issue(t testing.TB, parent *Cert, key *Key, o Options) *Cert {
	t.Helper()
	o = o.withDefaults()
	tmpl := template(t, o)
	if key.Alg.IsPQC() || parent.Key.Alg.IsPQC() {
		return &Cert{Cert: buildManual(t, tmpl, parent.Cert, key, parent.Key), Key: key}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent.Cert, key.Signer.Public(), parent.Key.Signer)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return &Cert{Cert: parse(t, der), Key: key}
}

func parse(t testing.TB, der []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// PKI is a three-level hierarchy with a delegated OCSP responder under the
// intermediate.
type PKI struct {
	Root         *Cert
	Intermediate *Cert
	Leaf         *Cert
	Responder    *Cert // issued by Intermediate, id-kp-OCSPSigning
	RootResp     *Cert // issued by Root, id-kp-OCSPSigning
}

// NewPKI builds root → intermediate → leaf with ECDSA keys.
func NewPKI(t testing.TB) *PKI {
	t.Helper()
	root := SelfSigned(t, ECKey(t), Options{CommonName: "Test Root CA", Organization: "Test Org", IsCA: true, MaxPathLen: 2})
	inter := Issue(t, root, ECKey(t), Options{CommonName: "Test Intermediate CA", Organization: "Test Org", IsCA: true, MaxPathLenZero: true})
	leaf := Issue(t, inter, ECKey(t), Options{CommonName: "Test Member", Organization: "Test Org"})
	resp := Issue(t, inter, ECKey(t), Options{
		CommonName:  "Test OCSP Responder",
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	})
	rootResp := Issue(t, root, ECKey(t), Options{
		CommonName:  "Test Root OCSP Responder",
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	})
	return &PKI{Root: root, Intermediate: inter, Leaf: leaf, Responder: resp, RootResp: rootResp}
}

// Certificate extension OIDs used by the manual builder.
var (
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidEKUServerAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidEKUClientAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	oidEKUOCSPSigning   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
)

type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKey          asn1.RawValue
	Extensions         []pkix.Extension `asn1:"optional,explicit,tag:3"`
}

type validity struct {
	NotBefore, NotAfter time.Time
}

type certificate struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// buildManual assembles a certificate by hand for key types crypto/x509
// cannot sign or embed (ML-DSA). parent nil means self-signed.
func buildManual(t testing.TB, tmpl, parent *x509.Certificate, key, issuerKey *Key) *x509.Certificate {
	t.Helper()

	subject, err := asn1.Marshal(tmpl.Subject.ToRDNSequence())
	if err != nil {
		t.Fatalf("Failed to marshal subject: %v", err)
	}
	issuer := subject
	if parent != nil {
		issuer = parent.RawSubject
	}
	spki, err := crypto.MarshalPublicKeyInfo(key.Signer.Public())
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}

	var exts []pkix.Extension
	if tmpl.BasicConstraintsValid {
		bc := struct {
			IsCA       bool `asn1:"optional"`
			MaxPathLen int  `asn1:"optional,default:-1"`
		}{IsCA: tmpl.IsCA, MaxPathLen: -1}
		if tmpl.IsCA && (tmpl.MaxPathLen > 0 || tmpl.MaxPathLenZero) {
			bc.MaxPathLen = tmpl.MaxPathLen
		}
		v, err := asn1.Marshal(bc)
		if err != nil {
			t.Fatalf("Failed to marshal basic constraints: %v", err)
		}
		exts = append(exts, pkix.Extension{Id: oidBasicConstraints, Critical: true, Value: v})
	}
	if tmpl.KeyUsage != 0 {
		exts = append(exts, pkix.Extension{Id: oidKeyUsage, Critical: true, Value: marshalKeyUsage(t, tmpl.KeyUsage)})
	}
	if len(tmpl.ExtKeyUsage) > 0 {
		var oids []asn1.ObjectIdentifier
		for _, eku := range tmpl.ExtKeyUsage {
			switch eku {
			case x509.ExtKeyUsageServerAuth:
				oids = append(oids, oidEKUServerAuth)
			case x509.ExtKeyUsageClientAuth:
				oids = append(oids, oidEKUClientAuth)
			case x509.ExtKeyUsageOCSPSigning:
				oids = append(oids, oidEKUOCSPSigning)
			}
		}
		v, err := asn1.Marshal(oids)
		if err != nil {
			t.Fatalf("Failed to marshal EKU: %v", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtKeyUsage, Value: v})
	}

	sigAlg := pkix.AlgorithmIdentifier{Algorithm: issuerKey.Alg.OID()}
	if issuerKey.Alg.KeyType() == crypto.KeyRSA {
		sigAlg.Parameters = asn1.NullRawValue
	}

	tbs, err := asn1.Marshal(tbsCertificate{
		Version:            2,
		SerialNumber:       tmpl.SerialNumber,
		SignatureAlgorithm: sigAlg,
		Issuer:             asn1.RawValue{FullBytes: issuer},
		Validity:           validity{NotBefore: tmpl.NotBefore.UTC(), NotAfter: tmpl.NotAfter.UTC()},
		Subject:            asn1.RawValue{FullBytes: subject},
		PublicKey:          asn1.RawValue{FullBytes: spki},
		Extensions:         exts,
	})
	if err != nil {
		t.Fatalf("Failed to marshal TBSCertificate: %v", err)
	}

	sig, err := crypto.Sign(issuerKey.Alg, issuerKey.Signer, tbs)
	if err != nil {
		t.Fatalf("Failed to sign TBSCertificate: %v", err)
	}

	der, err := asn1.Marshal(certificate{
		TBSCertificate:     asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: sigAlg,
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
	if err != nil {
		t.Fatalf("Failed to marshal certificate: %v", err)
	}
	return parse(t, der)
}

func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out = out<<1 | b&1
		b >>= 1
	}
	return out
}

func marshalKeyUsage(t testing.TB, ku x509.KeyUsage) []byte {
	t.Helper()
	a := []byte{reverseBits(byte(ku)), reverseBits(byte(ku >> 8))}
	if a[1] == 0 {
		a = a[:1]
	}
	bitLen := len(a) * 8
	for i := 0; i < 8; i++ {
		if a[len(a)-1]&(1<<uint(i)) != 0 {
			break
		}
		bitLen--
	}
	v, err := asn1.Marshal(asn1.BitString{Bytes: a, BitLength: bitLen})
	if err != nil {
		t.Fatalf("Failed to marshal key usage: %v", err)
	}
	return v
}
