package xmldsig

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// output is the encoding form of a Signature element. SignedInfo is written
// verbatim so the signed bytes survive serialization unchanged.
type output struct {
	XMLName        xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	ID             string   `xml:"Id,attr,omitempty"`
	SignedInfo     []byte   `xml:",innerxml"`
	SignatureValue string   `xml:"SignatureValue"`
	KeyInfo        keyInfo  `xml:"KeyInfo"`
	Object         *object  `xml:"Object,omitempty"`
}

// SignFunc signs the serialized SignedInfo.
type SignFunc func(signedInfo []byte) ([]byte, error)

// Builder assembles a signature document.
type Builder struct {
	algURI string
	id     string
	refs   []reference
	certs  []*x509.Certificate
	ocsp   [][]byte
}

// NewBuilder returns a builder for signatures made with alg.
func NewBuilder(alg crypto.SignAlgorithm) (*Builder, error) {
	uri, err := alg.URI()
	if err != nil {
		return nil, err
	}
	return &Builder{algURI: uri}, nil
}

// SetID sets the Id attribute of the Signature element.
func (b *Builder) SetID(id string) *Builder {
	b.id = id
	return b
}

// AddReference adds a detached reference.
func (b *Builder) AddReference(uri string, digest crypto.DigestValue) *Builder {
	b.refs = append(b.refs, reference{
		URI:          uri,
		DigestMethod: method{Algorithm: digest.AlgorithmURI},
		DigestValue:  base64.StdEncoding.EncodeToString(digest.Value),
	})
	return b
}

// AddCertificates appends certificates to KeyInfo. The first one added is
// the signing certificate.
func (b *Builder) AddCertificates(certs ...*x509.Certificate) *Builder {
	b.certs = append(b.certs, certs...)
	return b
}

// AddOCSPResponse embeds a DER OCSP response.
func (b *Builder) AddOCSPResponse(der []byte) *Builder {
	b.ocsp = append(b.ocsp, der)
	return b
}

// Build serializes SignedInfo, signs it with sign and returns the document.
func (b *Builder) Build(sign SignFunc) ([]byte, error) {
	if len(b.refs) == 0 {
		return nil, errors.New("signature without references")
	}
	if len(b.certs) == 0 {
		return nil, errors.New("signature without signing certificate")
	}

	si, err := xml.Marshal(&signedInfo{
		SignatureMethod: method{Algorithm: b.algURI},
		References:      b.refs,
	})
	if err != nil {
		return nil, err
	}
	value, err := sign(si)
	if err != nil {
		return nil, err
	}

	out := output{
		ID:             b.id,
		SignedInfo:     si,
		SignatureValue: base64.StdEncoding.EncodeToString(value),
	}
	for _, c := range b.certs {
		out.KeyInfo.Certificates = append(out.KeyInfo.Certificates, base64.StdEncoding.EncodeToString(c.Raw))
	}
	if len(b.ocsp) > 0 {
		out.Object = &object{}
		for _, der := range b.ocsp {
			out.Object.OCSPValues = append(out.Object.OCSPValues, base64.StdEncoding.EncodeToString(der))
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(&out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
