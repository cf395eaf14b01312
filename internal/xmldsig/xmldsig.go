// Package xmldsig reads and writes the XML signature documents carried in
// signed containers.
//
// Only a subset of XML-DSig is supported: references are detached (they name
// container entries or the hash-chain result), and the signature value covers
// the SignedInfo element exactly as serialized, with no canonicalization.
// Certificates travel in KeyInfo, leaf first, and OCSP responses in an
// unsigned RevocationValues object.
package xmldsig

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Namespace is the XML-DSig namespace.
const Namespace = "http://www.w3.org/2000/09/xmldsig#"

// ErrMalformedSignature reports a signature document that cannot be used.
var ErrMalformedSignature = errors.New("malformed signature document")

type method struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type reference struct {
	URI          string `xml:"URI,attr"`
	DigestMethod method `xml:"DigestMethod"`
	DigestValue  string `xml:"DigestValue"`
}

type signedInfo struct {
	XMLName         xml.Name    `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	SignatureMethod method      `xml:"SignatureMethod"`
	References      []reference `xml:"Reference"`
}

type keyInfo struct {
	Certificates []string `xml:"X509Data>X509Certificate"`
}

type object struct {
	OCSPValues []string `xml:"RevocationValues>OCSPValues>EncapsulatedOCSPValue"`
}

// document is the decoding form of a Signature element. SignedInfo is
// decoded separately from the exact bytes the signature covers.
type document struct {
	XMLName        xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	ID             string   `xml:"Id,attr"`
	SignatureValue string   `xml:"SignatureValue"`
	KeyInfo        keyInfo  `xml:"KeyInfo"`
	Object         *object  `xml:"Object"`
}

// children lists the elements allowed under Signature, each at most once.
var children = map[string]bool{
	"SignedInfo":     true,
	"SignatureValue": true,
	"KeyInfo":        true,
	"Object":         true,
}

// Reference is a detached reference covered by the signature.
type Reference struct {
	URI    string
	Digest crypto.DigestValue
}

// Signature is a parsed signature document.
type Signature struct {
	ID         string
	Algorithm  crypto.SignAlgorithm
	References []Reference
	Value      []byte

	// Certificates holds the signing certificate first.
	Certificates  []*x509.Certificate
	OCSPResponses [][]byte

	signedInfo []byte
}

// SignedInfo returns the signed bytes.
func (s *Signature) SignedInfo() []byte { return s.signedInfo }

// SigningCertificate returns the certificate of the signer.
func (s *Signature) SigningCertificate() *x509.Certificate { return s.Certificates[0] }

// Intermediates returns the certificates after the signing certificate.
func (s *Signature) Intermediates() []*x509.Certificate { return s.Certificates[1:] }

// Reference returns the reference to uri.
func (s *Signature) Reference(uri string) (Reference, bool) {
	for _, r := range s.References {
		if r.URI == uri {
			return r, true
		}
	}
	return Reference{}, false
}

// Verify checks the signature value against the signing certificate's key.
func (s *Signature) Verify() error {
	pub, err := crypto.PublicKeyFromCertificate(s.SigningCertificate())
	if err != nil {
		return err
	}
	return crypto.VerifySignature(s.Algorithm, pub, s.signedInfo, s.Value)
}

// Parse decodes a signature document. Algorithms are resolved lazily: an
// unknown URI fails when the signature is verified, not here.
func Parse(data []byte) (*Signature, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, malformed("%v", err)
	}
	raw, err := rawSignedInfo(data)
	if err != nil {
		return nil, err
	}
	var si signedInfo
	if err := xml.Unmarshal(raw, &si); err != nil {
		return nil, malformed("SignedInfo: %v", err)
	}

	if si.SignatureMethod.Algorithm == "" {
		return nil, malformed("missing signature method")
	}
	if len(si.References) == 0 {
		return nil, malformed("no references")
	}

	s := &Signature{
		ID:         doc.ID,
		Algorithm:  crypto.SignByURI(si.SignatureMethod.Algorithm),
		signedInfo: raw,
	}
	seen := make(map[string]bool)
	for _, r := range si.References {
		if r.URI == "" {
			return nil, malformed("reference without URI")
		}
		if seen[r.URI] {
			return nil, malformed("duplicate reference %s", r.URI)
		}
		seen[r.URI] = true
		if r.DigestMethod.Algorithm == "" {
			return nil, malformed("reference %s: missing digest method", r.URI)
		}
		value, err := decodeBase64(r.DigestValue)
		if err != nil || len(value) == 0 {
			return nil, malformed("reference %s: bad digest value", r.URI)
		}
		s.References = append(s.References, Reference{
			URI:    r.URI,
			Digest: crypto.DigestValue{AlgorithmURI: r.DigestMethod.Algorithm, Value: value},
		})
	}

	if s.Value, err = decodeBase64(doc.SignatureValue); err != nil || len(s.Value) == 0 {
		return nil, malformed("bad signature value")
	}

	if len(doc.KeyInfo.Certificates) == 0 {
		return nil, malformed("no signing certificate")
	}
	for i, b64 := range doc.KeyInfo.Certificates {
		der, err := decodeBase64(b64)
		if err != nil {
			return nil, malformed("certificate %d: %v", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, malformed("certificate %d: %v", i, err)
		}
		s.Certificates = append(s.Certificates, cert)
	}

	if doc.Object != nil {
		for i, b64 := range doc.Object.OCSPValues {
			der, err := decodeBase64(b64)
			if err != nil {
				return nil, malformed("OCSP value %d: %v", i, err)
			}
			s.OCSPResponses = append(s.OCSPResponses, der)
		}
	}
	return s, nil
}

// rawSignedInfo returns the bytes of the SignedInfo child of the root
// element. The document must have a single root whose children are known
// XML-DSig elements, none of them repeated.
func rawSignedInfo(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	seen := make(map[string]bool)
	var raw []byte
	roots, depth := 0, 0
	for {
		start := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed("%v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if roots++; roots > 1 {
					return nil, malformed("more than one root element")
				}
			case 2:
				name := t.Name.Local
				if t.Name.Space != Namespace || !children[name] {
					return nil, malformed("unexpected element %s", name)
				}
				if seen[name] {
					return nil, malformed("repeated element %s", name)
				}
				seen[name] = true
				if name == "SignedInfo" {
					if err := dec.Skip(); err != nil {
						return nil, malformed("%v", err)
					}
					depth--
					raw = data[start:dec.InputOffset()]
				}
			}
		case xml.EndElement:
			depth--
		}
	}
	if raw == nil {
		return nil, malformed("SignedInfo not found")
	}
	return raw, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(bytes.Join(bytes.Fields([]byte(s)), nil)))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedSignature, fmt.Sprintf(format, args...))
}
