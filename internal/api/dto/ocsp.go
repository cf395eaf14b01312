package dto

import "time"

// OCSPStatusResponse is the body of GET /status/ocsp.
type OCSPStatusResponse struct {
	Instance string `json:"instance"`

	// Scheduler is the refresh state machine position:
	// "idle", "fetching" or "backoff-wait".
	Scheduler string `json:"scheduler"`

	// NextRun is when the next refresh round starts, if one is armed.
	NextRun *time.Time `json:"next_run,omitempty"`

	// Authorities lists per-CA refresh diagnostics ordered by subject.
	Authorities []CAStatus `json:"authorities"`

	// Entries lists the cached responses ordered by fingerprint.
	Entries []CacheEntry `json:"entries"`
}

// CAStatus reports the last refresh outcome for one certification authority.
type CAStatus struct {
	Subject      string     `json:"subject"`
	Status       string     `json:"status"` // "ok", "error", "pending"
	Responders   []string   `json:"responders"`
	Certificates int        `json:"certificates"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	NextUpdate   *time.Time `json:"next_update,omitempty"`
}

// CacheEntry describes one cached OCSP response.
type CacheEntry struct {
	Fingerprint string     `json:"fingerprint"`
	Subject     string     `json:"subject,omitempty"`
	Status      string     `json:"status"` // "good", "revoked", "unknown"
	FetchedAt   time.Time  `json:"fetched_at"`
	NextFetch   *time.Time `json:"next_fetch,omitempty"`
	ThisUpdate  time.Time  `json:"this_update"`
	NextUpdate  *time.Time `json:"next_update,omitempty"`
	Expired     bool       `json:"expired"`
	Stale       bool       `json:"stale,omitempty"`
}

// TimePtr returns nil for the zero time so it is omitted from JSON.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
