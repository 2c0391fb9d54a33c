package dlq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Sentinel errors for repository operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("dead letter record not found")
)

// ListFilter selects records from a repository. Zero fields are ignored.
type ListFilter struct {
	Status      Status
	Severity    Severity
	EventType   string
	ReadyBefore time.Time // RetryAfter <= ReadyBefore
	Limit       int
}

// Repository persists dead letter records. Implementations must be safe
// for concurrent use.
type Repository interface {
	// Save inserts a new record.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Record, error)

	// Update overwrites an existing record. Returns ErrNotFound if absent.
	Update(ctx context.Context, rec *Record) error

	// Delete removes a record. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// List returns records matching the filter, oldest first.
	List(ctx context.Context, f ListFilter) ([]*Record, error)

	// CountByStatus returns record counts grouped by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Close releases any resources.
	Close() error
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

// Save implements Repository.
func (r *MemoryRepository) Save(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	delete(r.records, id)
	return nil
}

// List implements Repository.
func (r *MemoryRepository) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Severity != "" && rec.Severity != f.Severity {
			continue
		}
		if f.EventType != "" && rec.Event.Type != f.EventType {
			continue
		}
		if !f.ReadyBefore.IsZero() && rec.RetryAfter.After(f.ReadyBefore) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByStatus implements Repository.
func (r *MemoryRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int64)
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// Close implements Repository.
func (r *MemoryRepository) Close() error {
	return nil
}
