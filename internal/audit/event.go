// Package audit records trust decisions in a tamper-evident log.
//
// Audit logs are separate from technical logs:
//   - Every signature verification and OCSP refresh round is recorded
//   - Audit failure = operation failure
//   - All timestamps in UTC
//   - Events are hash chained for integrity verification
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event.
type EventType string

const (
	// Verification events
	EventSignatureVerify EventType = "SIGNATURE_VERIFY"

	// Signing events
	EventMessageSign EventType = "MESSAGE_SIGN"

	// Revocation events
	EventOCSPRefresh EventType = "OCSP_REFRESH"

	// Configuration events
	EventAnchorsReload EventType = "ANCHORS_RELOAD"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor represents who performed the action.
type Actor struct {
	Type string `json:"type"`           // "service", "user"
	ID   string `json:"id"`             // service or user identifier
	Host string `json:"host,omitempty"` // hostname where action occurred
}

// Object represents what was acted upon.
type Object struct {
	Type    string `json:"type"`              // "container", "certificate", "federation"
	Member  string `json:"member,omitempty"`  // member identifier
	Serial  string `json:"serial,omitempty"`  // certificate serial number
	Subject string `json:"subject,omitempty"` // certificate subject DN
	Path    string `json:"path,omitempty"`    // file or directory path
}

// Context provides additional details about the operation.
type Context struct {
	Instance  string `json:"instance,omitempty"`  // federation instance
	Algorithm string `json:"algorithm,omitempty"` // signature algorithm
	Reason    string `json:"reason,omitempty"`    // failure reason
	Batch     bool   `json:"batch,omitempty"`     // hash chain batch signature
	Responses int    `json:"responses,omitempty"` // OCSP responses used or fetched
	Failures  int    `json:"failures,omitempty"`  // failed fetches in a refresh round
}

// Event represents a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"` // hash of previous event
	Hash      string    `json:"hash"`      // hash of this event
}

// ServiceName identifies this service as actor.
const ServiceName = "sigtrust"

// NewEvent creates an event performed by the service at the current time.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Actor: Actor{
			Type: "service",
			ID:   ServiceName,
			Host: hostname,
		},
		Result: result,
	}
}

// ResultOf maps an operation error to a Result.
func ResultOf(err error) Result {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// WithObject sets the object field.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context field.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Actor.Type == "" || e.Actor.ID == "" {
		return fmt.Errorf("actor type and id are required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event with an empty Hash, for hashing.
func (e *Event) CanonicalJSON() ([]byte, error) {
	c := *e
	c.Hash = ""
	return json.Marshal(&c)
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
