package ocsp

import (
	gocrypto "crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// StatusInfo is the status a responder reports for one serial.
type StatusInfo struct {
	Status           CertStatus
	RevocationTime   time.Time
	RevocationReason RevocationReason
}

// StatusTable is an in-memory serial → status table.
type StatusTable struct {
	mu      sync.RWMutex
	entries map[string]StatusInfo
}

// NewStatusTable returns an empty table.
func NewStatusTable() *StatusTable {
	return &StatusTable{entries: make(map[string]StatusInfo)}
}

// SetGood marks serial as good.
func (t *StatusTable) SetGood(serial *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[serial.Text(16)] = StatusInfo{Status: CertStatusGood}
}

// Revoke marks serial as revoked.
func (t *StatusTable) Revoke(serial *big.Int, at time.Time, reason RevocationReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[serial.Text(16)] = StatusInfo{Status: CertStatusRevoked, RevocationTime: at, RevocationReason: reason}
}

// Lookup returns the status of serial. Unlisted serials are unknown.
func (t *StatusTable) Lookup(serial *big.Int) StatusInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.entries[serial.Text(16)]; ok {
		return s
	}
	return StatusInfo{Status: CertStatusUnknown}
}

// ResponderConfig contains configuration for the OCSP responder.
type ResponderConfig struct {
	// ResponderCert signs responses. If nil, CACert is used (CA-signed mode).
	ResponderCert *x509.Certificate

	// Signer is the private key for signing responses.
	Signer gocrypto.Signer

	// Algorithm is the response signature algorithm.
	Algorithm crypto.SignAlgorithm

	// CACert issued the certificates being answered for.
	CACert *x509.Certificate

	// Table holds the statuses.
	Table *StatusTable

	// Validity is the nextUpdate offset. Default: 1 hour.
	Validity time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// Responder answers OCSP requests from a StatusTable. It is used by tests
// and by the development responder of the serve command.
type Responder struct {
	config ResponderConfig
}

// NewResponder creates a new OCSP responder.
func NewResponder(config ResponderConfig) (*Responder, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config.CACert == nil {
		return nil, fmt.Errorf("CA certificate is required")
	}
	if config.Table == nil {
		return nil, fmt.Errorf("status table is required")
	}
	if !config.Algorithm.Known() {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnknownAlgorithm, config.Algorithm)
	}
	if config.ResponderCert == nil {
		config.ResponderCert = config.CACert
	}
	if config.Validity == 0 {
		config.Validity = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Responder{config: config}, nil
}

// Respond answers req. Requests for other issuers get an unknown status.
func (r *Responder) Respond(req *OCSPRequest) ([]byte, error) {
	builder := NewResponseBuilder(r.config.ResponderCert, r.config.Signer, r.config.Algorithm)

	now := r.config.Now().UTC()
	builder.SetProducedAt(now)
	thisUpdate := now
	nextUpdate := now.Add(r.config.Validity)

	for i := range req.TBSRequest.RequestList {
		id := &req.TBSRequest.RequestList[i].ReqCert
		if !id.MatchesIssuer(r.config.CACert) {
			builder.AddUnknown(id, thisUpdate, nextUpdate)
			continue
		}
		status := r.config.Table.Lookup(id.SerialNumber)
		switch status.Status {
		case CertStatusGood:
			builder.AddGood(id, thisUpdate, nextUpdate)
		case CertStatusRevoked:
			builder.AddRevoked(id, thisUpdate, nextUpdate, status.RevocationTime, status.RevocationReason)
		default:
			builder.AddUnknown(id, thisUpdate, nextUpdate)
		}
	}
	builder.AddNonce(req.Nonce())
	return builder.Build()
}

// ServeHTTP implements http.Handler for GET and POST OCSP requests.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body []byte
	ocspReq, err := ParseRequestFromHTTP(req)
	if err == nil {
		body, err = r.Respond(ocspReq)
		if err != nil {
			body, _ = NewErrorResponse(StatusInternalError)
		}
	} else {
		body, _ = NewErrorResponse(StatusMalformedRequest)
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
