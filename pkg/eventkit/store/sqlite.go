package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// SQLiteStore persists events to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			stream_version INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			correlation_id TEXT,
			causation_id TEXT,
			occurred_at TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			metadata TEXT,
			data TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			UNIQUE (stream_id, stream_version)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_stream_id ON events(stream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// SaveEvent implements Store.
func (s *SQLiteStore) SaveEvent(ctx context.Context, evt event.Event, streamID string, expectedVersion int64) (*event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_id = ?
	`, streamID).Scan(&current); err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}

	if expectedVersion != ExpectedAny && current != expectedVersion {
		return nil, &VersionConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}

	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	recordedAt := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, stream_id, stream_version, event_type,
			aggregate_id, aggregate_type, version, schema_version,
			correlation_id, causation_id, occurred_at, recorded_at,
			metadata, data, retry_count, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
	`,
		evt.ID, streamID, current+1, evt.Type,
		evt.AggregateID, evt.AggregateType, evt.Version, evt.SchemaVersion,
		evt.CorrelationID, evt.CausationID,
		evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		recordedAt.UTC().Format(time.RFC3339Nano),
		string(metadata), string(data),
	); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	return &event.Envelope{
		EventID:       evt.ID,
		Event:         evt,
		StreamID:      streamID,
		StreamVersion: current + 1,
		RecordedAt:    recordedAt,
	}, nil
}

// GetEvents implements Store.
func (s *SQLiteStore) GetEvents(ctx context.Context, q Query) ([]event.Envelope, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStoreClosed
	}

	q = q.normalize()
	where, args := buildWhere(q.Type, q.StreamID, q.FromVersion)
	args = append(args, q.Limit, (q.Page-1)*q.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, stream_version, event_type,
			aggregate_id, aggregate_type, version, schema_version,
			correlation_id, causation_id, occurred_at, recorded_at,
			metadata, data, retry_count, last_error
		FROM events`+where+`
		ORDER BY occurred_at ASC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

func buildWhere(eventType, streamID string, fromVersion int64) (string, []any) {
	var clauses []string
	var args []any
	if eventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, eventType)
	}
	if streamID != "" {
		clauses = append(clauses, "stream_id = ?")
		args = append(args, streamID)
	}
	if fromVersion > 0 {
		clauses = append(clauses, "version >= ?")
		args = append(args, fromVersion)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEnvelopes(rows *sql.Rows) ([]event.Envelope, error) {
	var out []event.Envelope
	for rows.Next() {
		var (
			env                     event.Envelope
			occurredAt, recordedAt  string
			metadata, data, lastErr string
		)
		if err := rows.Scan(
			&env.EventID, &env.StreamID, &env.StreamVersion, &env.Event.Type,
			&env.Event.AggregateID, &env.Event.AggregateType, &env.Event.Version, &env.Event.SchemaVersion,
			&env.Event.CorrelationID, &env.Event.CausationID, &occurredAt, &recordedAt,
			&metadata, &data, &env.RetryCount, &lastErr,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env.Event.ID = env.EventID
		env.LastError = lastErr

		var err error
		if env.Event.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		if env.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &env.Event.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &env.Event.Data); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// GetEventStream implements Store.
func (s *SQLiteStore) GetEventStream(ctx context.Context, streamID string) (*event.Stream, error) {
	envs, err := s.GetEvents(ctx, Query{StreamID: streamID, Limit: int(^uint(0) >> 1)})
	if err != nil {
		return nil, err
	}

	out := &event.Stream{StreamID: streamID}
	if len(envs) == 0 {
		return out, nil
	}

	out.AggregateID = envs[0].Event.AggregateID
	out.AggregateType = envs[0].Event.AggregateType
	out.CreatedAt = envs[0].RecordedAt
	out.Events = make([]event.Event, 0, len(envs))
	for _, env := range envs {
		out.Events = append(out.Events, env.Event)
		if env.StreamVersion > out.Version {
			out.Version = env.StreamVersion
			out.UpdatedAt = env.RecordedAt
		}
	}
	return out, nil
}

// Replay implements Store.
func (s *SQLiteStore) Replay(opts ReplayOptions) *Cursor {
	return NewCursor(opts.BatchSize, func(ctx context.Context, offset, limit int) ([]event.Envelope, error) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrStoreClosed
		}

		where, args := buildWhere(opts.Type, "", opts.FromVersion)
		args = append(args, limit, offset)

		rows, err := s.db.QueryContext(ctx, `
			SELECT event_id, stream_id, stream_version, event_type,
				aggregate_id, aggregate_type, version, schema_version,
				correlation_id, causation_id, occurred_at, recorded_at,
				metadata, data, retry_count, last_error
			FROM events`+where+`
			ORDER BY occurred_at ASC
			LIMIT ? OFFSET ?
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("query replay batch: %w", err)
		}
		defer rows.Close()

		return scanEnvelopes(rows)
	})
}

// CleanupOldEvents implements Store.
func (s *SQLiteStore) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE occurred_at < ?
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

// Statistics implements Store.
func (s *SQLiteStore) Statistics(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{ByType: make(map[string]int64)}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT stream_id) FROM events
	`).Scan(&stats.TotalEvents, &stats.TotalStreams); err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM events GROUP BY event_type
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return Stats{}, fmt.Errorf("scan type count: %w", err)
		}
		stats.ByType[eventType] = count
	}
	return stats, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
