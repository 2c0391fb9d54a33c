package event

import "time"

// Envelope is an event plus the durability metadata assigned by the store
// at save time.
type Envelope struct {
	EventID string `json:"event_id"`
	Event   Event  `json:"event"`

	// StreamID and StreamVersion reflect the store-assigned position.
	StreamID      string `json:"stream_id"`
	StreamVersion int64  `json:"stream_version"`

	RecordedAt time.Time `json:"recorded_at"`

	// Delivery bookkeeping
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Stream is the ordered event sequence for one aggregate. Events are
// ordered by occurrence time ascending; Version equals the last event's
// version, or 0 for an empty stream.
type Stream struct {
	StreamID      string    `json:"stream_id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       int64     `json:"version"`
	Events        []Event   `json:"events"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Empty reports whether the stream holds no events.
func (s *Stream) Empty() bool {
	return len(s.Events) == 0
}
