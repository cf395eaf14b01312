// Package crypto provides the digest and signature algorithm registry used by
// the trust core. Algorithms are identified either by a canonical name
// (e.g. "SHA-256", "SHA256withECDSA") or by an XML-DSig URI, and resolution is
// total: an unrecognized identifier yields an unknown algorithm that only fails
// when the missing identifier is dereferenced.
package crypto

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

// ErrUnknownAlgorithm is returned when an algorithm identifier has no catalog entry.
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// Digest algorithm URIs.
const (
	URISHA1      = "http://www.w3.org/2000/09/xmldsig#sha1"
	URISHA224    = "http://www.w3.org/2001/04/xmldsig-more#sha224"
	URISHA256    = "http://www.w3.org/2001/04/xmlenc#sha256"
	URISHA384    = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	URISHA512    = "http://www.w3.org/2001/04/xmlenc#sha512"
	URISHA3_256  = "http://www.w3.org/2007/05/xmldsig-more#sha3-256"
	URISHA3_512  = "http://www.w3.org/2007/05/xmldsig-more#sha3-512"
	URIBLAKE3256 = "urn:x-blake3:256"
)

// Signature algorithm URIs.
const (
	URIRSASHA256      = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	URIRSASHA384      = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	URIRSASHA512      = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	URIRSAPSSSHA256   = "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"
	URIECDSASHA256    = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	URIECDSASHA384    = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"
	URIECDSASHA512    = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512"
	URIEd25519        = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
	URIMLDSA44        = "urn:oid:2.16.840.1.101.3.4.3.17"
	URIMLDSA65        = "urn:oid:2.16.840.1.101.3.4.3.18"
	URIMLDSA87        = "urn:oid:2.16.840.1.101.3.4.3.19"
)

// KeyType categorizes the public key a signature algorithm verifies with.
type KeyType int

const (
	KeyUnknown KeyType = iota
	KeyRSA
	KeyRSAPSS
	KeyECDSA
	KeyEd25519
	KeyMLDSA44
	KeyMLDSA65
	KeyMLDSA87
)

// digestInfo holds metadata about a digest algorithm.
type digestInfo struct {
	Name string
	URI  string
	Hash crypto.Hash // zero for digests outside crypto.Hash (BLAKE3)
	Size int
	OID  asn1.ObjectIdentifier
}

// signInfo holds metadata about a signature algorithm.
type signInfo struct {
	Name       string
	URI        string
	Digest     string // canonical digest name; empty for pure (message-signing) schemes
	Key        KeyType
	OID        asn1.ObjectIdentifier
	X509SigAlg x509.SignatureAlgorithm
}

var digests = []digestInfo{
	{Name: "SHA-1", URI: URISHA1, Hash: crypto.SHA1, Size: 20, OID: asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}},
	{Name: "SHA-224", URI: URISHA224, Hash: crypto.SHA224, Size: 28, OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}},
	{Name: "SHA-256", URI: URISHA256, Hash: crypto.SHA256, Size: 32, OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}},
	{Name: "SHA-384", URI: URISHA384, Hash: crypto.SHA384, Size: 48, OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}},
	{Name: "SHA-512", URI: URISHA512, Hash: crypto.SHA512, Size: 64, OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}},
	{Name: "SHA3-256", URI: URISHA3_256, Hash: crypto.SHA3_256, Size: 32, OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}},
	{Name: "SHA3-512", URI: URISHA3_512, Hash: crypto.SHA3_512, Size: 64, OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}},
	{Name: "BLAKE3-256", URI: URIBLAKE3256, Size: 32},
}

var signs = []signInfo{
	{Name: "SHA256withRSA", URI: URIRSASHA256, Digest: "SHA-256", Key: KeyRSA,
		OID: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, X509SigAlg: x509.SHA256WithRSA},
	{Name: "SHA384withRSA", URI: URIRSASHA384, Digest: "SHA-384", Key: KeyRSA,
		OID: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}, X509SigAlg: x509.SHA384WithRSA},
	{Name: "SHA512withRSA", URI: URIRSASHA512, Digest: "SHA-512", Key: KeyRSA,
		OID: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}, X509SigAlg: x509.SHA512WithRSA},
	{Name: "SHA256withRSAandMGF1", URI: URIRSAPSSSHA256, Digest: "SHA-256", Key: KeyRSAPSS,
		OID: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}, X509SigAlg: x509.SHA256WithRSAPSS},
	{Name: "SHA256withECDSA", URI: URIECDSASHA256, Digest: "SHA-256", Key: KeyECDSA,
		OID: asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}, X509SigAlg: x509.ECDSAWithSHA256},
	{Name: "SHA384withECDSA", URI: URIECDSASHA384, Digest: "SHA-384", Key: KeyECDSA,
		OID: asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, X509SigAlg: x509.ECDSAWithSHA384},
	{Name: "SHA512withECDSA", URI: URIECDSASHA512, Digest: "SHA-512", Key: KeyECDSA,
		OID: asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}, X509SigAlg: x509.ECDSAWithSHA512},
	{Name: "Ed25519", URI: URIEd25519, Key: KeyEd25519,
		OID: asn1.ObjectIdentifier{1, 3, 101, 112}, X509SigAlg: x509.PureEd25519},
	{Name: "ML-DSA-44", URI: URIMLDSA44, Key: KeyMLDSA44,
		OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 17}},
	{Name: "ML-DSA-65", URI: URIMLDSA65, Key: KeyMLDSA65,
		OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18}},
	{Name: "ML-DSA-87", URI: URIMLDSA87, Key: KeyMLDSA87,
		OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 19}},
}

// Lookup indexes, built once from the catalog slices above.
var (
	digestByName = map[string]*digestInfo{}
	digestByURI  = map[string]*digestInfo{}
	signByName   = map[string]*signInfo{}
	signByURI    = map[string]*signInfo{}
)

func init() {
	for i := range digests {
		d := &digests[i]
		digestByName[d.Name] = d
		digestByURI[d.URI] = d
	}
	for i := range signs {
		s := &signs[i]
		signByName[s.Name] = s
		signByURI[s.URI] = s
	}
}

// DigestAlgorithm identifies a digest algorithm. The zero value is an unknown
// algorithm with neither name nor URI.
type DigestAlgorithm struct {
	name string
	uri  string
	info *digestInfo
}

// DigestByName resolves a digest algorithm by canonical name. It never fails;
// an unrecognized name yields an algorithm whose URI() returns ErrUnknownAlgorithm.
func DigestByName(name string) DigestAlgorithm {
	if d, ok := digestByName[name]; ok {
		return DigestAlgorithm{name: d.Name, uri: d.URI, info: d}
	}
	return DigestAlgorithm{name: name}
}

// DigestByURI resolves a digest algorithm by URI. It never fails;
// an unrecognized URI yields an algorithm whose Name() returns ErrUnknownAlgorithm.
func DigestByURI(uri string) DigestAlgorithm {
	if d, ok := digestByURI[uri]; ok {
		return DigestAlgorithm{name: d.Name, uri: d.URI, info: d}
	}
	return DigestAlgorithm{uri: uri}
}

// DigestByHash resolves a digest algorithm from a crypto.Hash.
func DigestByHash(h crypto.Hash) DigestAlgorithm {
	for i := range digests {
		if digests[i].Hash == h && h != 0 {
			return DigestAlgorithm{name: digests[i].Name, uri: digests[i].URI, info: &digests[i]}
		}
	}
	return DigestAlgorithm{name: h.String()}
}

// DigestByOID resolves a digest algorithm from its ASN.1 object identifier.
func DigestByOID(oid asn1.ObjectIdentifier) DigestAlgorithm {
	for i := range digests {
		if digests[i].OID != nil && digests[i].OID.Equal(oid) {
			return DigestAlgorithm{name: digests[i].Name, uri: digests[i].URI, info: &digests[i]}
		}
	}
	return DigestAlgorithm{name: oid.String()}
}

// Name returns the canonical name.
func (d DigestAlgorithm) Name() (string, error) {
	if d.info != nil {
		return d.info.Name, nil
	}
	if d.name != "" && d.uri == "" {
		// Constructed from a name: report it back even though it is unknown.
		return d.name, nil
	}
	return "", fmt.Errorf("%w: no name for digest URI %q", ErrUnknownAlgorithm, d.uri)
}

// URI returns the XML-DSig URI.
func (d DigestAlgorithm) URI() (string, error) {
	if d.info != nil {
		return d.info.URI, nil
	}
	if d.uri != "" && d.name == "" {
		return d.uri, nil
	}
	return "", fmt.Errorf("%w: no URI for digest %q", ErrUnknownAlgorithm, d.name)
}

// Known reports whether the algorithm has a catalog entry.
func (d DigestAlgorithm) Known() bool { return d.info != nil }

// Size returns the digest length in bytes, or 0 if unknown.
func (d DigestAlgorithm) Size() int {
	if d.info == nil {
		return 0
	}
	return d.info.Size
}

// Hash returns the crypto.Hash, or 0 if the digest has none.
func (d DigestAlgorithm) Hash() crypto.Hash {
	if d.info == nil {
		return 0
	}
	return d.info.Hash
}

// OID returns the ASN.1 object identifier, or nil.
func (d DigestAlgorithm) OID() asn1.ObjectIdentifier {
	if d.info == nil {
		return nil
	}
	return d.info.OID
}

// String returns whichever identifier is available. It never fails.
func (d DigestAlgorithm) String() string {
	if d.name != "" {
		return d.name
	}
	return d.uri
}

// SignAlgorithm identifies a signature algorithm.
type SignAlgorithm struct {
	name string
	uri  string
	info *signInfo
}

// SignByName resolves a signature algorithm by canonical name. It never fails.
func SignByName(name string) SignAlgorithm {
	if s, ok := signByName[name]; ok {
		return SignAlgorithm{name: s.Name, uri: s.URI, info: s}
	}
	return SignAlgorithm{name: name}
}

// SignByURI resolves a signature algorithm by URI. It never fails.
func SignByURI(uri string) SignAlgorithm {
	if s, ok := signByURI[uri]; ok {
		return SignAlgorithm{name: s.Name, uri: s.URI, info: s}
	}
	return SignAlgorithm{uri: uri}
}

// SignByOID resolves a signature algorithm by its ASN.1 object identifier.
func SignByOID(oid asn1.ObjectIdentifier) SignAlgorithm {
	for i := range signs {
		if signs[i].OID.Equal(oid) {
			return SignAlgorithm{name: signs[i].Name, uri: signs[i].URI, info: &signs[i]}
		}
	}
	return SignAlgorithm{name: oid.String()}
}

// SignByX509 resolves a signature algorithm from the crypto/x509 enumeration.
func SignByX509(alg x509.SignatureAlgorithm) SignAlgorithm {
	for i := range signs {
		if signs[i].X509SigAlg != x509.UnknownSignatureAlgorithm && signs[i].X509SigAlg == alg {
			return SignAlgorithm{name: signs[i].Name, uri: signs[i].URI, info: &signs[i]}
		}
	}
	return SignAlgorithm{name: alg.String()}
}

// Name returns the canonical name.
func (s SignAlgorithm) Name() (string, error) {
	if s.info != nil {
		return s.info.Name, nil
	}
	if s.name != "" && s.uri == "" {
		return s.name, nil
	}
	return "", fmt.Errorf("%w: no name for signature URI %q", ErrUnknownAlgorithm, s.uri)
}

// URI returns the XML-DSig URI.
func (s SignAlgorithm) URI() (string, error) {
	if s.info != nil {
		return s.info.URI, nil
	}
	if s.uri != "" && s.name == "" {
		return s.uri, nil
	}
	return "", fmt.Errorf("%w: no URI for signature algorithm %q", ErrUnknownAlgorithm, s.name)
}

// Known reports whether the algorithm has a catalog entry.
func (s SignAlgorithm) Known() bool { return s.info != nil }

// Digest returns the digest the scheme signs over. Pure schemes (Ed25519,
// ML-DSA) sign the message itself and return an unknown digest.
func (s SignAlgorithm) Digest() DigestAlgorithm {
	if s.info == nil || s.info.Digest == "" {
		return DigestAlgorithm{}
	}
	return DigestByName(s.info.Digest)
}

// IsPure reports whether the scheme signs the message rather than a digest.
func (s SignAlgorithm) IsPure() bool {
	return s.info != nil && s.info.Digest == ""
}

// KeyType returns the public key family.
func (s SignAlgorithm) KeyType() KeyType {
	if s.info == nil {
		return KeyUnknown
	}
	return s.info.Key
}

// OID returns the ASN.1 object identifier, or nil.
func (s SignAlgorithm) OID() asn1.ObjectIdentifier {
	if s.info == nil {
		return nil
	}
	return s.info.OID
}

// IsPQC reports whether the scheme is post-quantum.
func (s SignAlgorithm) IsPQC() bool {
	switch s.KeyType() {
	case KeyMLDSA44, KeyMLDSA65, KeyMLDSA87:
		return true
	}
	return false
}

// String returns whichever identifier is available. It never fails.
func (s SignAlgorithm) String() string {
	if s.name != "" {
		return s.name
	}
	return s.uri
}

// DigestAlgorithms returns all known digest algorithms in catalog order.
func DigestAlgorithms() []DigestAlgorithm {
	out := make([]DigestAlgorithm, 0, len(digests))
	for i := range digests {
		out = append(out, DigestAlgorithm{name: digests[i].Name, uri: digests[i].URI, info: &digests[i]})
	}
	return out
}

// SignAlgorithms returns all known signature algorithms in catalog order.
func SignAlgorithms() []SignAlgorithm {
	out := make([]SignAlgorithm, 0, len(signs))
	for i := range signs {
		out = append(out, SignAlgorithm{name: signs[i].Name, uri: signs[i].URI, info: &signs[i]})
	}
	return out
}
