package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// MemoryStore keeps events in process memory. Suitable for testing and
// single-instance deployments that don't need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]event.Envelope
	closed  bool
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]event.Envelope),
	}
}

// SaveEvent implements Store.
func (s *MemoryStore) SaveEvent(ctx context.Context, evt event.Event, streamID string, expectedVersion int64) (*event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stream := s.streams[streamID]
	var current int64
	if n := len(stream); n > 0 {
		current = stream[n-1].StreamVersion
	}

	if expectedVersion != ExpectedAny && current != expectedVersion {
		return nil, &VersionConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}

	env := event.Envelope{
		EventID:       evt.ID,
		Event:         evt.Clone(),
		StreamID:      streamID,
		StreamVersion: current + 1,
		RecordedAt:    time.Now(),
	}
	s.streams[streamID] = append(stream, env)

	return &env, nil
}

// GetEvents implements Store.
func (s *MemoryStore) GetEvents(ctx context.Context, q Query) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	q = q.normalize()
	matched := s.collect(q.Type, q.StreamID, q.FromVersion)

	start := (q.Page - 1) * q.Limit
	if start >= len(matched) {
		return nil, nil
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// collect returns matching envelopes sorted by occurrence time ascending.
// Caller must hold at least a read lock.
func (s *MemoryStore) collect(eventType, streamID string, fromVersion int64) []event.Envelope {
	var matched []event.Envelope
	for id, stream := range s.streams {
		if streamID != "" && streamID != id {
			continue
		}
		for _, env := range stream {
			if eventType != "" && env.Event.Type != eventType {
				continue
			}
			if fromVersion > 0 && env.Event.Version < fromVersion {
				continue
			}
			matched = append(matched, env)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Event.OccurredAt.Before(matched[j].Event.OccurredAt)
	})
	return matched
}

// GetEventStream implements Store.
func (s *MemoryStore) GetEventStream(ctx context.Context, streamID string) (*event.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stream := s.streams[streamID]
	out := &event.Stream{StreamID: streamID}
	if len(stream) == 0 {
		return out, nil
	}

	out.AggregateID = stream[0].Event.AggregateID
	out.AggregateType = stream[0].Event.AggregateType
	out.Version = stream[len(stream)-1].StreamVersion
	out.CreatedAt = stream[0].RecordedAt
	out.UpdatedAt = stream[len(stream)-1].RecordedAt
	out.Events = make([]event.Event, 0, len(stream))
	for _, env := range stream {
		out.Events = append(out.Events, env.Event)
	}
	sort.SliceStable(out.Events, func(i, j int) bool {
		return out.Events[i].OccurredAt.Before(out.Events[j].OccurredAt)
	})
	return out, nil
}

// Replay implements Store.
func (s *MemoryStore) Replay(opts ReplayOptions) *Cursor {
	return NewCursor(opts.BatchSize, func(ctx context.Context, offset, limit int) ([]event.Envelope, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		if s.closed {
			return nil, ErrStoreClosed
		}

		matched := s.collect(opts.Type, "", opts.FromVersion)
		if offset >= len(matched) {
			return nil, nil
		}
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		return matched[offset:end], nil
	})
}

// CleanupOldEvents implements Store.
func (s *MemoryStore) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var removed int64
	for id, stream := range s.streams {
		kept := stream[:0]
		for _, env := range stream {
			if env.Event.OccurredAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, env)
		}
		if len(kept) == 0 {
			delete(s.streams, id)
		} else {
			s.streams[id] = kept
		}
	}
	return removed, nil
}

// Statistics implements Store.
func (s *MemoryStore) Statistics(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{ByType: make(map[string]int64)}
	for _, stream := range s.streams {
		stats.TotalStreams++
		for _, env := range stream {
			stats.TotalEvents++
			stats.ByType[env.Event.Type]++
		}
	}
	return stats, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
