package ocsp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Transport errors. Both are transient.
var (
	ErrFetchTimeout = errors.New("OCSP fetch timed out")
	ErrFetchFailed  = errors.New("OCSP fetch failed")
)

// maxResponseSize bounds responses read from a responder.
const maxResponseSize = 1 << 20

// Client fetches OCSP responses over HTTP POST.
type Client struct {
	HTTPClient *http.Client
	// Timeout applies to each fetch on top of the caller's context.
	Timeout   time.Duration
	UserAgent string
	// Digest is used for CertIDs. Defaults to SHA-256.
	Digest crypto.DigestAlgorithm
	// Nonce adds a random nonce to requests and checks it in responses.
	Nonce bool
}

// NewClient returns a client with the given per-fetch timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		Timeout:    timeout,
		UserAgent:  "sigtrust-ocsp/1.0",
		Digest:     crypto.DigestByName("SHA-256"),
	}
}

// Fetch requests the status of certs, all issued by issuer, from url. The
// response is parsed but not verified.
func (c *Client) Fetch(ctx context.Context, url string, issuer *x509.Certificate, certs []*x509.Certificate) (*Response, error) {
	alg := c.Digest
	if !alg.Known() {
		alg = crypto.DigestByName("SHA-256")
	}
	var nonce []byte
	if c.Nonce {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
	}
	req, err := CreateRequest(alg, issuer, certs, nonce)
	if err != nil {
		return nil, err
	}
	body, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")
	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrFetchFailed, url, httpResp.StatusCode)
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(httpResp.Body, maxResponseSize)); err != nil {
		return nil, classify(ctx, err)
	}
	// The parsed response aliases its input; the pooled buffer is reused.
	data := append([]byte(nil), buf.Bytes()...)

	resp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if err := ValidateNonce(req, resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return resp, nil
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetchFailed, err)
}
