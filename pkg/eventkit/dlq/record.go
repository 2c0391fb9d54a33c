// Package dlq implements the dead letter queue: a holding area and
// recovery workflow for events whose processing retries are exhausted.
//
// Records move through a small status machine:
//
//	pending -> retrying -> resolved
//	                    -> exhausted
//	pending/retrying    -> removed (manual)
//
// Resolved, exhausted, and removed are terminal. No failure is silently
// dropped: a record keeps the full error context for operator inspection.
package dlq

import (
	"strings"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// Status is the lifecycle state of a dead letter record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusResolved  Status = "resolved"
	StatusExhausted Status = "exhausted"
	StatusRemoved   Status = "removed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusExhausted || s == StatusRemoved
}

// Severity classifies how urgently a failure needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classify derives a severity from an error message by ordered keyword
// matching. Rule order is significant: the database/connection rule is
// checked before the timeout rule, so "Database connection timeout" is
// critical, not high. Matching is case-insensitive.
func Classify(message string) Severity {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "database") || strings.Contains(msg, "connection"):
		return SeverityCritical
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "permission"):
		return SeverityHigh
	case strings.Contains(msg, "validation") || strings.Contains(msg, "not found"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Attempt is one entry in a record's retry history.
type Attempt struct {
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Record is a dead-lettered event with its failure context and retry
// bookkeeping.
type Record struct {
	ID string `json:"id"`

	// Snapshot of the failing event.
	Event event.Event `json:"event"`

	// Error context
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Handler      string `json:"handler,omitempty"`

	// Retry bookkeeping
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	RetryAfter time.Time `json:"retry_after"`
	History    []Attempt `json:"history,omitempty"`

	Severity Severity `json:"severity"`
	Status   Status   `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// FailureContext describes where a failure happened.
type FailureContext struct {
	// Handler is the name of the failing subscriber or stage.
	Handler string

	// RetryCount carries retries already spent upstream (middleware).
	RetryCount int
}
