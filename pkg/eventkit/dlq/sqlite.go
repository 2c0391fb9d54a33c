package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteRepository persists dead letter records to SQLite. Queryable
// fields are promoted to columns; the full record travels as JSON.
type SQLiteRepository struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteRepository creates a SQLite-backed repository at path, or
// ":memory:" for testing.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			severity TEXT NOT NULL,
			retry_after TEXT NOT NULL,
			created_at TEXT NOT NULL,
			record TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_status
		ON dead_letters(status, retry_after)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) guard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("dead letter repository closed")
	}
	return nil
}

// Save implements Repository.
func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	if err := r.guard(); err != nil {
		return err
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_type, status, severity, retry_after, created_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Event.Type, string(rec.Status), string(rec.Severity),
		rec.RetryAfter.UTC().Format(time.RFC3339Nano),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(blob),
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	var blob string
	err := r.db.QueryRowContext(ctx, `
		SELECT record FROM dead_letters WHERE id = ?
	`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Update implements Repository.
func (r *SQLiteRepository) Update(ctx context.Context, rec *Record) error {
	if err := r.guard(); err != nil {
		return err
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET event_type = ?, status = ?, severity = ?, retry_after = ?, record = ?
		WHERE id = ?
	`,
		rec.Event.Type, string(rec.Status), string(rec.Severity),
		rec.RetryAfter.UTC().Format(time.RFC3339Nano),
		string(blob), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete implements Repository.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if err := r.guard(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Repository.
func (r *SQLiteRepository) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}

	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.ReadyBefore.IsZero() {
		clauses = append(clauses, "retry_after <= ?")
		args = append(args, f.ReadyBefore.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT record FROM dead_letters`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CountByStatus implements Repository.
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM dead_letters GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// Close implements Repository.
func (r *SQLiteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}
