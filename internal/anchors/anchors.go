// Package anchors exposes the federation configuration directory: trust
// anchors, intermediate CAs, OCSP responders and member certificates.
package anchors

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
)

// Lookup errors.
var (
	ErrUnknownInstance = errors.New("unknown federation instance")
	ErrNoTrustAnchor   = errors.New("no trust anchor for certificate")
	ErrUnknownMember   = errors.New("certificate does not belong to a known member")
)

// maxDepth bounds the issuer walk in CACertificate.
const maxDepth = 8

// Source is a read-only view of the federation configuration directory.
type Source interface {
	// Instance returns the local federation instance identifier.
	Instance() string

	// CACertificate returns the trust anchor orgCert chains up to.
	CACertificate(instance string, orgCert *x509.Certificate) (*x509.Certificate, error)

	// CACertificates returns every approved CA certificate, anchors and
	// intermediates.
	CACertificates() []*x509.Certificate

	// OCSPResponderCertificates returns the federation OCSP responders,
	// trusted for any issuer.
	OCSPResponderCertificates() []*x509.Certificate

	// OCSPResponderAddresses returns the responder URLs for cert: its AIA
	// entries followed by those configured for its issuer.
	OCSPResponderAddresses(cert *x509.Certificate) []string

	// SubjectName returns the member identifier cert belongs to.
	SubjectName(instance string, cert *x509.Certificate) (string, error)

	// MemberCertificates returns the member signing certificates.
	MemberCertificates() []*x509.Certificate

	// Changes fires after the configuration was reloaded.
	Changes() <-chan struct{}
}

// CA is an approved certification authority.
type CA struct {
	Cert     *x509.Certificate
	OCSPURLs []string
}

// Member binds a member identifier to its signing certificate.
type Member struct {
	ClientID string
	Cert     *x509.Certificate
}

// Static is an immutable Source.
type Static struct {
	InstanceID     string
	Anchors        []CA
	Intermediates  []CA
	OCSPResponders []*x509.Certificate
	Members        []Member
}

var _ Source = (*Static)(nil)

// Instance implements Source.
func (s *Static) Instance() string { return s.InstanceID }

// CACertificate implements Source.
func (s *Static) CACertificate(instance string, orgCert *x509.Certificate) (*x509.Certificate, error) {
	if instance != s.InstanceID {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstance, instance)
	}
	cur := orgCert
	for depth := 0; depth < maxDepth; depth++ {
		for _, a := range s.Anchors {
			if issuedBy(cur, a.Cert) {
				return a.Cert, nil
			}
		}
		next := s.issuer(s.Intermediates, cur)
		if next == nil || next == cur {
			break
		}
		cur = next
	}
	return nil, fmt.Errorf("%w: %s", ErrNoTrustAnchor, orgCert.Subject)
}

// CACertificates implements Source.
func (s *Static) CACertificates() []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(s.Anchors)+len(s.Intermediates))
	for _, ca := range s.Anchors {
		out = append(out, ca.Cert)
	}
	for _, ca := range s.Intermediates {
		out = append(out, ca.Cert)
	}
	return out
}

// OCSPResponderCertificates implements Source.
func (s *Static) OCSPResponderCertificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), s.OCSPResponders...)
}

// OCSPResponderAddresses implements Source.
func (s *Static) OCSPResponderAddresses(cert *x509.Certificate) []string {
	urls := append([]string(nil), cert.OCSPServer...)
	for _, list := range [][]CA{s.Anchors, s.Intermediates} {
		for _, ca := range list {
			if issuedBy(cert, ca.Cert) {
				urls = appendMissing(urls, ca.OCSPURLs...)
			}
		}
	}
	return urls
}

// SubjectName implements Source.
func (s *Static) SubjectName(instance string, cert *x509.Certificate) (string, error) {
	if instance != s.InstanceID {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstance, instance)
	}
	for _, m := range s.Members {
		if bytes.Equal(m.Cert.Raw, cert.Raw) {
			return m.ClientID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownMember, cert.Subject)
}

// MemberCertificates implements Source.
func (s *Static) MemberCertificates() []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.Cert)
	}
	return out
}

// Changes implements Source. A Static source never changes.
func (s *Static) Changes() <-chan struct{} { return nil }

// Issuer returns the certificate among cas that issued cert, or nil.
func Issuer(cas []*x509.Certificate, cert *x509.Certificate) *x509.Certificate {
	for _, ca := range cas {
		if !bytes.Equal(ca.Raw, cert.Raw) && issuedBy(cert, ca) {
			return ca
		}
	}
	return nil
}

// IsSelfSigned reports whether cert names itself as issuer.
func IsSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}

func (s *Static) issuer(cas []CA, cert *x509.Certificate) *x509.Certificate {
	for _, ca := range cas {
		if !bytes.Equal(ca.Cert.Raw, cert.Raw) && issuedBy(cert, ca.Cert) {
			return ca.Cert
		}
	}
	return nil
}

func issuedBy(cert, ca *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, ca.RawSubject) {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(ca.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, ca.SubjectKeyId)
	}
	return true
}

func appendMissing(list []string, add ...string) []string {
outer:
	for _, a := range add {
		for _, l := range list {
			if l == a {
				continue outer
			}
		}
		list = append(list, a)
	}
	return list
}
