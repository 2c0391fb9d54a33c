// Package store provides durable append and query of domain events with
// optimistic concurrency per aggregate stream.
//
// Two implementations are provided: MemoryStore for tests and
// single-process use, and SQLiteStore for persistent single-node
// deployments. Both implement the Store interface and must be safe for
// concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// ExpectedAny skips the optimistic version check on save.
const ExpectedAny int64 = -1

// Store persists domain events as ordered aggregate streams.
type Store interface {
	// SaveEvent appends the event to the stream, assigning the next
	// stream version. Returns a *VersionConflictError if the stream's
	// current version differs from expectedVersion. Pass ExpectedAny to
	// append unconditionally.
	SaveEvent(ctx context.Context, evt event.Event, streamID string, expectedVersion int64) (*event.Envelope, error)

	// GetEvents returns stored envelopes matching the query, ordered by
	// occurrence time ascending, paginated.
	GetEvents(ctx context.Context, q Query) ([]event.Envelope, error)

	// GetEventStream reconstructs the ordered stream. A stream with no
	// events is returned as an empty stream at version 0, never an error.
	GetEventStream(ctx context.Context, streamID string) (*event.Stream, error)

	// Replay returns a lazy cursor over stored events in batches of at
	// most opts.BatchSize, for iterative replay without loading the whole
	// history. The cursor is restartable via Reset.
	Replay(opts ReplayOptions) *Cursor

	// CleanupOldEvents deletes events that occurred before cutoff and
	// returns the number deleted.
	CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// Statistics returns aggregate counts over the stored events.
	Statistics(ctx context.Context) (Stats, error)

	// Close releases any resources. Implementations are idempotent.
	Close() error
}

// Query filters and paginates GetEvents.
type Query struct {
	// Type restricts to one event type when non-empty.
	Type string

	// StreamID restricts to one aggregate stream when non-empty.
	StreamID string

	// FromVersion restricts to events at or above the given event
	// version when > 0.
	FromVersion int64

	// Page is 1-based; 0 behaves as page 1.
	Page int

	// Limit caps the page size; 0 applies DefaultPageSize.
	Limit int
}

// DefaultPageSize is applied when Query.Limit is 0.
const DefaultPageSize = 100

func (q Query) normalize() Query {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	return q
}

// Stats summarizes stored events.
type Stats struct {
	TotalEvents  int64            `json:"total_events"`
	TotalStreams int64            `json:"total_streams"`
	ByType       map[string]int64 `json:"by_type"`
}

// ReplayOptions configures a Replay cursor.
type ReplayOptions struct {
	// Type restricts replay to one event type when non-empty.
	Type string

	// FromVersion restricts to events at or above the given event
	// version when > 0.
	FromVersion int64

	// BatchSize caps each yielded batch; 0 applies DefaultPageSize.
	BatchSize int
}

// Cursor yields sequential batches of envelopes. Batches are fetched
// lazily from the store on each Next call.
type Cursor struct {
	batchSize int
	fetch     func(ctx context.Context, offset, limit int) ([]event.Envelope, error)
	offset    int
	done      bool
}

// NewCursor builds a cursor over the given fetch function. Store
// implementations use this; callers obtain cursors from Store.Replay.
func NewCursor(batchSize int, fetch func(ctx context.Context, offset, limit int) ([]event.Envelope, error)) *Cursor {
	if batchSize <= 0 {
		batchSize = DefaultPageSize
	}
	return &Cursor{batchSize: batchSize, fetch: fetch}
}

// Next returns the next batch, or (nil, nil) once the history is
// exhausted.
func (c *Cursor) Next(ctx context.Context) ([]event.Envelope, error) {
	if c.done {
		return nil, nil
	}
	batch, err := c.fetch(ctx, c.offset, c.batchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		c.done = true
		return nil, nil
	}
	c.offset += len(batch)
	if len(batch) < c.batchSize {
		c.done = true
	}
	return batch, nil
}

// Reset restarts the cursor from the beginning of the history.
func (c *Cursor) Reset() {
	c.offset = 0
	c.done = false
}

// VersionConflictError indicates an optimistic concurrency failure on
// append.
type VersionConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on stream %s: expected %d, current %d",
		e.StreamID, e.Expected, e.Actual)
}

// IsVersionConflict reports whether err is a version conflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")
)
