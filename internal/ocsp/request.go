// Package ocsp implements the parts of RFC 6960 the trust core needs: request
// and response encoding, response verification against a set of trusted
// responders, an HTTP fetch client and a small table-backed responder.
package ocsp

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// maxRequestSize bounds request bodies accepted by the responder.
const maxRequestSize = 64 << 10

// OCSPRequest represents an OCSP request (RFC 6960 §4.1.1).
// OCSPRequest ::= SEQUENCE {
//
//	tbsRequest                  TBSRequest,
//	optionalSignature   [0]     EXPLICIT Signature OPTIONAL }
type OCSPRequest struct {
	TBSRequest        TBSRequest
	OptionalSignature asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// TBSRequest ::= SEQUENCE {
//
//	version             [0]     EXPLICIT Version DEFAULT v1,
//	requestorName       [1]     EXPLICIT GeneralName OPTIONAL,
//	requestList                 SEQUENCE OF Request,
//	requestExtensions   [2]     EXPLICIT Extensions OPTIONAL }
type TBSRequest struct {
	Version           int              `asn1:"optional,explicit,tag:0,default:0"`
	RequestorName     asn1.RawValue    `asn1:"optional,explicit,tag:1"`
	RequestList       []Request        `asn1:"sequence"`
	RequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:2"`
}

// Request is a single certificate status request.
type Request struct {
	ReqCert                 CertID
	SingleRequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:0"`
}

// CertID identifies a certificate by issuer hashes and serial number.
// CertID ::= SEQUENCE {
//
//	hashAlgorithm       AlgorithmIdentifier,
//	issuerNameHash      OCTET STRING,
//	issuerKeyHash       OCTET STRING,
//	serialNumber        CertificateSerialNumber }
type CertID struct {
	HashAlgorithm  pkix.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// ParseRequest parses a DER-encoded OCSP request.
func ParseRequest(data []byte) (*OCSPRequest, error) {
	var req OCSPRequest
	rest, err := asn1.Unmarshal(data, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP request: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after OCSP request")
	}
	if req.TBSRequest.Version != 0 {
		return nil, fmt.Errorf("unsupported OCSP request version: %d", req.TBSRequest.Version)
	}
	if len(req.TBSRequest.RequestList) == 0 {
		return nil, fmt.Errorf("OCSP request contains no certificate requests")
	}
	return &req, nil
}

// ParseRequestFromHTTP parses an OCSP request sent by GET (base64 in the
// path) or POST (DER body).
func ParseRequestFromHTTP(r *http.Request) (*OCSPRequest, error) {
	switch r.Method {
	case http.MethodGet:
		path := strings.TrimPrefix(r.URL.Path, "/")
		if i := strings.LastIndex(path, "/"); i >= 0 {
			path = path[i+1:]
		}
		if path == "" {
			return nil, fmt.Errorf("empty OCSP request in GET path")
		}
		decoded, err := url.PathUnescape(path)
		if err != nil {
			return nil, fmt.Errorf("failed to URL-decode OCSP request: %w", err)
		}
		data, err := decodeBase64(decoded)
		if err != nil {
			return nil, fmt.Errorf("failed to base64-decode OCSP request: %w", err)
		}
		return ParseRequest(data)

	case http.MethodPost:
		ct := r.Header.Get("Content-Type")
		if ct != "" && !strings.HasPrefix(ct, "application/") {
			return nil, fmt.Errorf("invalid content type: %s", ct)
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty OCSP request body")
		}
		return ParseRequest(data)

	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", r.Method)
	}
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("not base64")
}

// Nonce returns the request nonce, if any.
func (req *OCSPRequest) Nonce() []byte {
	return findNonce(req.TBSRequest.RequestExtensions)
}

func findNonce(exts []pkix.Extension) []byte {
	for _, ext := range exts {
		if ext.Id.Equal(OIDOcspNonce) {
			var nonce []byte
			if _, err := asn1.Unmarshal(ext.Value, &nonce); err == nil {
				return nonce
			}
			return ext.Value
		}
	}
	return nil
}

// Marshal encodes the request to DER.
func (req *OCSPRequest) Marshal() ([]byte, error) {
	return asn1.Marshal(*req)
}

// issuerKeyBytes returns the subjectPublicKey BIT STRING contents, which is
// what issuerKeyHash and byKey responder ids are computed over.
func issuerKeyBytes(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	return spki.PublicKey.Bytes, nil
}

// NewCertID builds the CertID of cert as issued by issuer.
func NewCertID(alg crypto.DigestAlgorithm, issuer, cert *x509.Certificate) (*CertID, error) {
	return NewCertIDFromSerial(alg, issuer, cert.SerialNumber)
}

// NewCertIDFromSerial builds a CertID for serial under issuer.
func NewCertIDFromSerial(alg crypto.DigestAlgorithm, issuer *x509.Certificate, serial *big.Int) (*CertID, error) {
	oid := alg.OID()
	if oid == nil {
		return nil, fmt.Errorf("%w: %s has no OID for CertID", crypto.ErrUnknownAlgorithm, alg)
	}
	nameHash, err := crypto.Digest(alg, issuer.RawSubject)
	if err != nil {
		return nil, err
	}
	keyBytes, err := issuerKeyBytes(issuer)
	if err != nil {
		return nil, err
	}
	keyHash, err := crypto.Digest(alg, keyBytes)
	if err != nil {
		return nil, err
	}
	return &CertID{
		HashAlgorithm:  pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		IssuerNameHash: nameHash,
		IssuerKeyHash:  keyHash,
		SerialNumber:   serial,
	}, nil
}

// MatchesIssuer reports whether the CertID's issuer hashes match issuer.
func (id *CertID) MatchesIssuer(issuer *x509.Certificate) bool {
	alg := crypto.DigestByOID(id.HashAlgorithm.Algorithm)
	if !alg.Known() {
		return false
	}
	expected, err := NewCertIDFromSerial(alg, issuer, big.NewInt(0))
	if err != nil {
		return false
	}
	return bytes.Equal(id.IssuerNameHash, expected.IssuerNameHash) &&
		bytes.Equal(id.IssuerKeyHash, expected.IssuerKeyHash)
}

// Matches reports whether the CertID identifies serial under issuer.
func (id *CertID) Matches(issuer *x509.Certificate, serial *big.Int) bool {
	return id.SerialNumber != nil && serial != nil &&
		id.SerialNumber.Cmp(serial) == 0 && id.MatchesIssuer(issuer)
}

// CreateRequest creates a request covering certs, all issued by issuer.
func CreateRequest(alg crypto.DigestAlgorithm, issuer *x509.Certificate, certs []*x509.Certificate, nonce []byte) (*OCSPRequest, error) {
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates provided")
	}
	req := &OCSPRequest{}
	for i, cert := range certs {
		id, err := NewCertID(alg, issuer, cert)
		if err != nil {
			return nil, fmt.Errorf("failed to create CertID for certificate %d: %w", i, err)
		}
		req.TBSRequest.RequestList = append(req.TBSRequest.RequestList, Request{ReqCert: *id})
	}
	if len(nonce) > 0 {
		value, err := asn1.Marshal(nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal nonce: %w", err)
		}
		req.TBSRequest.RequestExtensions = []pkix.Extension{{Id: OIDOcspNonce, Value: value}}
	}
	return req, nil
}
