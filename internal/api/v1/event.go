package v1

import (
	"fmt"
	"maps"
)

// Well-known event types. The collector keys its processing pipelines on these
// names, so they must match the wire contract exactly.
const (
	EventTypeSessionStart = "session_start"
	EventTypeSessionEnd   = "session_end"
	EventTypeIdentify     = "customer_identification"
	EventTypeCampaign     = "campaign"
	EventTypePayment      = "payment"
	EventTypeConsent      = "consent"
)

// Identifier keys inside a CustomerIDs set.
const (
	// IDCookie is the anonymous device identifier. It is generated locally,
	// survives registered-identity changes and only rotates on an explicit
	// new-customer switch.
	IDCookie = "cookie"

	// IDRegistered is the primary registered identifier (typically an email).
	IDRegistered = "registered"
)

// CustomerIDs is one customer identifier set (identifier type -> value).
// An EventRecord carries an immutable snapshot of the set current at the
// moment the event was created.
type CustomerIDs map[string]string

// Clone returns an independent copy. A nil receiver yields nil.
func (c CustomerIDs) Clone() CustomerIDs {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// Equal reports whether both sets contain exactly the same pairs.
func (c CustomerIDs) Equal(other CustomerIDs) bool {
	return maps.Equal(c, other)
}

// Cookie returns the anonymous device identifier, or "" if unassigned.
func (c CustomerIDs) Cookie() string {
	return c[IDCookie]
}

// EventRecord is the atomic unit of the delivery queue: one tracked action,
// durable from the moment it is enqueued until it is either delivered or
// dropped after exhausting its retries.
type EventRecord struct {
	// ID is generated locally at enqueue time and stays stable across retry
	// attempts, so the collector can deduplicate re-sent records.
	ID string `json:"id"`

	// Type is the event name, e.g. "session_start" or "campaign".
	Type string `json:"type"`

	// Timestamp is the device clock at creation, in epoch seconds.
	Timestamp int64 `json:"timestamp"`

	// Properties is the event payload. Immutable once enqueued.
	Properties map[string]interface{} `json:"properties"`

	// CustomerIDs is the identity snapshot captured when the event was
	// created. Identity changes after enqueue never touch it.
	CustomerIDs CustomerIDs `json:"customer_ids"`

	// ProjectToken routes the record to its collector project. Events of
	// one project drain in creation order relative to each other.
	ProjectToken string `json:"project_token"`

	// RetryCount is the number of failed delivery attempts so far.
	// The only mutable field besides deletion.
	RetryCount int `json:"retry_count"`

	// QueueSeq is a monotonic sequence assigned by the store (BIGSERIAL).
	// It defines drain order. Not part of the wire payload.
	QueueSeq int64 `json:"-"`
}

// Validate ensures the record is complete enough to enqueue.
func (e *EventRecord) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	if e.ProjectToken == "" {
		return fmt.Errorf("project_token is required")
	}
	if len(e.CustomerIDs) == 0 {
		return fmt.Errorf("customer_ids snapshot is required")
	}
	return nil
}
