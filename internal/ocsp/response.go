package ocsp

import (
	gocrypto "crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// ResponseStatus represents the status of an OCSP response.
type ResponseStatus int

const (
	StatusSuccessful       ResponseStatus = 0
	StatusMalformedRequest ResponseStatus = 1
	StatusInternalError    ResponseStatus = 2
	StatusTryLater         ResponseStatus = 3
	// 4 is not used
	StatusSigRequired  ResponseStatus = 5
	StatusUnauthorized ResponseStatus = 6
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusMalformedRequest:
		return "malformedRequest"
	case StatusInternalError:
		return "internalError"
	case StatusTryLater:
		return "tryLater"
	case StatusSigRequired:
		return "sigRequired"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CertStatus represents the revocation status of a certificate.
type CertStatus int

const (
	CertStatusGood    CertStatus = 0
	CertStatusRevoked CertStatus = 1
	CertStatusUnknown CertStatus = 2
)

func (s CertStatus) String() string {
	switch s {
	case CertStatusGood:
		return "good"
	case CertStatusRevoked:
		return "revoked"
	case CertStatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// RevocationReason per RFC 5280 §5.3.1
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// OCSPResponse ::= SEQUENCE {
//
//	responseStatus         OCSPResponseStatus,
//	responseBytes          [0] EXPLICIT ResponseBytes OPTIONAL }
type OCSPResponse struct {
	Status        asn1.Enumerated
	ResponseBytes responseBytes `asn1:"optional,explicit,tag:0"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

// BasicOCSPResponse ::= SEQUENCE {
//
//	tbsResponseData      ResponseData,
//	signatureAlgorithm   AlgorithmIdentifier,
//	signature            BIT STRING,
//	certs            [0] EXPLICIT SEQUENCE OF Certificate OPTIONAL }
type BasicOCSPResponse struct {
	TBSResponseData    asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certs              []asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// ResponseData ::= SEQUENCE {
//
//	version              [0] EXPLICIT Version DEFAULT v1,
//	responderID              ResponderID,
//	producedAt               GeneralizedTime,
//	responses                SEQUENCE OF SingleResponse,
//	responseExtensions   [1] EXPLICIT Extensions OPTIONAL }
type ResponseData struct {
	Version            int              `asn1:"optional,explicit,tag:0,default:0"`
	ResponderID        asn1.RawValue    // CHOICE: byName [1] or byKey [2]
	ProducedAt         time.Time        `asn1:"generalized"`
	Responses          []SingleResponse `asn1:"sequence"`
	ResponseExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// SingleResponse ::= SEQUENCE {
//
//	certID                       CertID,
//	certStatus                   CertStatus,
//	thisUpdate                   GeneralizedTime,
//	nextUpdate           [0]     EXPLICIT GeneralizedTime OPTIONAL,
//	singleExtensions     [1]     EXPLICIT Extensions OPTIONAL }
type SingleResponse struct {
	CertID           CertID
	CertStatus       asn1.RawValue
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"optional,explicit,tag:0,generalized"`
	SingleExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// RevokedInfo ::= SEQUENCE {
//
//	revocationTime              GeneralizedTime,
//	revocationReason    [0]     EXPLICIT CRLReason OPTIONAL }
type RevokedInfo struct {
	RevocationTime   time.Time       `asn1:"generalized"`
	RevocationReason asn1.Enumerated `asn1:"optional,explicit,tag:0"`
}

// Response is a decoded successful basic response. The signature is not
// checked by Parse; see Verify.
type Response struct {
	Raw                []byte
	TBSResponseData    []byte
	Data               ResponseData
	SignatureAlgorithm crypto.SignAlgorithm
	Signature          []byte
	Certificates       []*x509.Certificate
}

// ParseResponse decodes the outer OCSPResponse envelope.
func ParseResponse(data []byte) (*OCSPResponse, error) {
	var resp OCSPResponse
	rest, err := asn1.Unmarshal(data, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP response: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after OCSP response")
	}
	return &resp, nil
}

// Parse decodes a successful basic OCSP response. Non-successful statuses
// are returned as *StatusError.
func Parse(data []byte) (*Response, error) {
	resp, err := ParseResponse(data)
	if err != nil {
		return nil, err
	}
	if status := ResponseStatus(resp.Status); status != StatusSuccessful {
		return nil, &StatusError{Status: status}
	}
	if !resp.ResponseBytes.ResponseType.Equal(OIDOcspBasic) {
		return nil, fmt.Errorf("unsupported response type: %v", resp.ResponseBytes.ResponseType)
	}

	var basic BasicOCSPResponse
	if rest, err := asn1.Unmarshal(resp.ResponseBytes.Response, &basic); err != nil {
		return nil, fmt.Errorf("failed to parse BasicOCSPResponse: %w", err)
	} else if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after BasicOCSPResponse")
	}

	out := &Response{
		Raw:                data,
		TBSResponseData:    basic.TBSResponseData.FullBytes,
		SignatureAlgorithm: crypto.SignByOID(basic.SignatureAlgorithm.Algorithm),
		Signature:          basic.Signature.RightAlign(),
	}
	if _, err := asn1.Unmarshal(basic.TBSResponseData.FullBytes, &out.Data); err != nil {
		return nil, fmt.Errorf("failed to parse ResponseData: %w", err)
	}
	if len(out.Data.Responses) == 0 {
		return nil, fmt.Errorf("no single responses in OCSP response")
	}
	for _, raw := range basic.Certs {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded certificate: %w", err)
		}
		out.Certificates = append(out.Certificates, cert)
	}
	return out, nil
}

// StatusError is returned for responses whose status is not successful.
type StatusError struct {
	Status ResponseStatus
}

func (e *StatusError) Error() string {
	return "OCSP responder returned " + e.Status.String()
}

// Single returns the single response answering for serial under issuer.
func (r *Response) Single(issuer *x509.Certificate, serial *big.Int) (*SingleResponse, bool) {
	for i := range r.Data.Responses {
		sr := &r.Data.Responses[i]
		if sr.CertID.Matches(issuer, serial) {
			return sr, true
		}
	}
	return nil, false
}

// Nonce returns the response nonce, if any.
func (r *Response) Nonce() []byte {
	return findNonce(r.Data.ResponseExtensions)
}

// SingleStatus is the decoded status of a single response.
type SingleStatus struct {
	Status           CertStatus
	RevocationTime   time.Time
	RevocationReason RevocationReason
	ThisUpdate       time.Time
	NextUpdate       time.Time
}

// Status decodes the certStatus CHOICE.
func (sr *SingleResponse) Status() (*SingleStatus, error) {
	out := &SingleStatus{ThisUpdate: sr.ThisUpdate, NextUpdate: sr.NextUpdate}
	raw := sr.CertStatus
	if raw.Class != asn1.ClassContextSpecific {
		return nil, fmt.Errorf("unexpected cert status class: %d", raw.Class)
	}
	switch raw.Tag {
	case 0: // good [0] IMPLICIT NULL
		out.Status = CertStatusGood
	case 1: // revoked [1] IMPLICIT RevokedInfo
		var info RevokedInfo
		// The implicit tag replaces the SEQUENCE tag; re-wrap to decode.
		seq := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: raw.Bytes}
		der, err := asn1.Marshal(seq)
		if err != nil {
			return nil, err
		}
		if _, err := asn1.Unmarshal(der, &info); err != nil {
			return nil, fmt.Errorf("failed to parse RevokedInfo: %w", err)
		}
		out.Status = CertStatusRevoked
		out.RevocationTime = info.RevocationTime
		out.RevocationReason = RevocationReason(info.RevocationReason)
	case 2: // unknown [2] IMPLICIT NULL
		out.Status = CertStatusUnknown
	default:
		return nil, fmt.Errorf("unknown cert status tag: %d", raw.Tag)
	}
	return out, nil
}

// ResponseBuilder constructs signed OCSP responses.
type ResponseBuilder struct {
	responderCert *x509.Certificate
	signer        gocrypto.Signer
	alg           crypto.SignAlgorithm
	producedAt    time.Time
	responses     []SingleResponse
	extensions    []pkix.Extension
	includeCerts  bool
}

// NewResponseBuilder creates a builder signing with signer under alg.
func NewResponseBuilder(responderCert *x509.Certificate, signer gocrypto.Signer, alg crypto.SignAlgorithm) *ResponseBuilder {
	return &ResponseBuilder{
		responderCert: responderCert,
		signer:        signer,
		alg:           alg,
		producedAt:    time.Now().UTC(),
		includeCerts:  true,
	}
}

// SetProducedAt sets the producedAt time.
func (b *ResponseBuilder) SetProducedAt(t time.Time) *ResponseBuilder {
	b.producedAt = t.UTC()
	return b
}

// IncludeCerts sets whether to embed the responder certificate.
func (b *ResponseBuilder) IncludeCerts(include bool) *ResponseBuilder {
	b.includeCerts = include
	return b
}

func (b *ResponseBuilder) add(certID *CertID, status asn1.RawValue, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	sr := SingleResponse{CertID: *certID, CertStatus: status, ThisUpdate: thisUpdate.UTC()}
	if !nextUpdate.IsZero() {
		sr.NextUpdate = nextUpdate.UTC()
	}
	b.responses = append(b.responses, sr)
	return b
}

// AddGood adds a "good" status for a certificate.
func (b *ResponseBuilder) AddGood(certID *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	return b.add(certID, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0}, thisUpdate, nextUpdate)
}

// AddRevoked adds a "revoked" status for a certificate.
func (b *ResponseBuilder) AddRevoked(certID *CertID, thisUpdate, nextUpdate, revocationTime time.Time, reason RevocationReason) *ResponseBuilder {
	der, _ := asn1.Marshal(RevokedInfo{
		RevocationTime:   revocationTime.UTC(),
		RevocationReason: asn1.Enumerated(reason),
	})
	// Strip the SEQUENCE header: revoked is [1] IMPLICIT RevokedInfo.
	var seq asn1.RawValue
	_, _ = asn1.Unmarshal(der, &seq)
	status := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: seq.Bytes}
	return b.add(certID, status, thisUpdate, nextUpdate)
}

// AddUnknown adds an "unknown" status for a certificate.
func (b *ResponseBuilder) AddUnknown(certID *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	return b.add(certID, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2}, thisUpdate, nextUpdate)
}

// AddNonce adds a nonce extension.
func (b *ResponseBuilder) AddNonce(nonce []byte) *ResponseBuilder {
	if len(nonce) > 0 {
		value, _ := asn1.Marshal(nonce)
		b.extensions = append(b.extensions, pkix.Extension{Id: OIDOcspNonce, Value: value})
	}
	return b
}

// responderKeyID builds a byKey ResponderID: [2] EXPLICIT OCTET STRING
// holding the SHA-1 of the responder's subjectPublicKey.
func responderKeyID(cert *x509.Certificate) (asn1.RawValue, error) {
	keyBytes, err := issuerKeyBytes(cert)
	if err != nil {
		return asn1.RawValue{}, err
	}
	keyHash, err := crypto.Digest(crypto.DigestByName("SHA-1"), keyBytes)
	if err != nil {
		return asn1.RawValue{}, err
	}
	octets, err := asn1.Marshal(keyHash)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: octets}, nil
}

// Build creates and signs the response.
func (b *ResponseBuilder) Build() ([]byte, error) {
	if len(b.responses) == 0 {
		return nil, fmt.Errorf("no responses added")
	}
	oid := b.alg.OID()
	if oid == nil {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnknownAlgorithm, b.alg)
	}

	responderID, err := responderKeyID(b.responderCert)
	if err != nil {
		return nil, err
	}
	tbs, err := asn1.Marshal(ResponseData{
		ResponderID:        responderID,
		ProducedAt:         b.producedAt,
		Responses:          b.responses,
		ResponseExtensions: b.extensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}

	sig, err := crypto.Sign(b.alg, b.signer, tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	basic := BasicOCSPResponse{
		TBSResponseData:    asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
		Signature:          asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	}
	if b.includeCerts {
		basic.Certs = []asn1.RawValue{{FullBytes: b.responderCert.Raw}}
	}
	basicDER, err := asn1.Marshal(basic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal basic response: %w", err)
	}

	return asn1.Marshal(OCSPResponse{
		Status:        asn1.Enumerated(StatusSuccessful),
		ResponseBytes: responseBytes{ResponseType: OIDOcspBasic, Response: basicDER},
	})
}

// NewErrorResponse creates an unsigned error response.
func NewErrorResponse(status ResponseStatus) ([]byte, error) {
	if status == StatusSuccessful {
		return nil, fmt.Errorf("cannot create error response with successful status")
	}
	return asn1.Marshal(OCSPResponse{Status: asn1.Enumerated(status)})
}
