// Package event defines the core value types of the event engine:
// domain events, envelopes, streams, filters, and handler contracts.
//
// Events are immutable once created - any modification creates a new event.
// An Event is a tagged union: the Type field discriminates the event kind
// and Data carries the kind-specific payload. Consumers switch on Type
// rather than on concrete Go types.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact describing something that happened to an
// aggregate. The zero value is not usable; construct events with New.
type Event struct {
	// Identity
	ID   string `json:"id"`
	Type string `json:"type"`

	// Aggregate the event belongs to
	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`

	// Correlation for distributed tracing
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`

	// OccurredAt is set once at creation time.
	OccurredAt time.Time `json:"occurred_at"`

	// Version is the event's position in its aggregate stream.
	Version int64 `json:"version"`

	// SchemaVersion supports payload evolution.
	SchemaVersion int `json:"schema_version"`

	// Metadata carries string key/value annotations used by filters.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Data is the kind-specific payload.
	Data any `json:"data,omitempty"`
}

// StreamID returns the identifier of the aggregate stream this event
// belongs to, in the form "aggregateType-aggregateID".
func (e Event) StreamID() string {
	return e.AggregateType + "-" + e.AggregateID
}

// DataBytes returns the JSON-serialized payload. Errors are swallowed;
// an unserializable payload yields nil.
func (e Event) DataBytes() []byte {
	if e.Data == nil {
		return nil
	}
	b, _ := json.Marshal(e.Data)
	return b
}

// Meta returns the metadata value for key, or "" if absent.
func (e Event) Meta(key string) string {
	return e.Metadata[key]
}

// Clone returns a deep copy of the event. The payload is shared; callers
// that transform payloads should replace Data rather than mutate it.
func (e Event) Clone() Event {
	out := e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithVersion sets the event's stream version.
func WithVersion(v int64) Option {
	return func(e *Event) { e.Version = v }
}

// WithOccurredAt sets a specific occurrence time (default: time.Now).
func WithOccurredAt(t time.Time) Option {
	return func(e *Event) { e.OccurredAt = t }
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Event) { e.CausationID = id }
}

// WithSchemaVersion sets the payload schema version.
func WithSchemaVersion(v int) Option {
	return func(e *Event) { e.SchemaVersion = v }
}

// WithMetadata adds a single metadata key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// WithMetadataMap merges all pairs from m into the event metadata.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Event) {
		if len(m) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(m))
		}
		for k, v := range m {
			e.Metadata[k] = v
		}
	}
}

// New creates an event of the given type for an aggregate.
func New(eventType, aggregateType, aggregateID string, payload any, opts ...Option) Event {
	e := Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		OccurredAt:    time.Now(),
		SchemaVersion: 1,
		Data:          payload,
	}

	for _, opt := range opts {
		opt(&e)
	}

	// If no correlation ID, this event is the root of its chain.
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}

	return e
}

// NewFromParent creates an event caused by a parent event. It inherits the
// parent's correlation ID and records the parent as causation.
func NewFromParent(parent Event, eventType, aggregateType, aggregateID string, payload any, opts ...Option) Event {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
	}
	return New(eventType, aggregateType, aggregateID, payload, append(parentOpts, opts...)...)
}

// Handler processes a single event.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// ErrorHandler receives handler failures that were isolated from the
// publisher. The handler name identifies the failing subscriber.
type ErrorHandler func(ctx context.Context, evt Event, handler string, err error)
