package dlq

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/dmarceau/eventkit/pkg/eventkit/errors"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/observability"
)

// PublishFunc republishes a recovered event. The dead letter queue uses
// it instead of depending on the bus directly.
type PublishFunc func(ctx context.Context, evt event.Event) error

// Config configures a Queue.
type Config struct {
	// MaxRetries is the default retry budget per record.
	// Default: 3
	MaxRetries int

	// BaseDelay is the first retryAfter backoff step.
	// Default: 5s
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	// Default: 5m
	MaxDelay time.Duration

	// Jitter is the random fraction added to each delay.
	// Default: 0.1
	Jitter float64

	// Retention is how long resolved records are kept before cleanup.
	// Default: 7 days
	Retention time.Duration

	// RepublishOnRetry makes RetryFailedEvent publish immediately instead
	// of waiting for the retry processor.
	RepublishOnRetry bool

	// Publish republishes recovered events. Optional; without it records
	// can only be inspected and removed.
	Publish PublishFunc

	// Logger enables structured logging. Optional.
	Logger *slog.Logger
}

// DefaultConfig provides the standard queue settings.
var DefaultConfig = Config{
	MaxRetries: 3,
	BaseDelay:  5 * time.Second,
	MaxDelay:   5 * time.Minute,
	Jitter:     0.1,
	Retention:  7 * 24 * time.Hour,
}

func (c Config) normalize() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultConfig.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.Jitter <= 0 {
		c.Jitter = DefaultConfig.Jitter
	}
	if c.Retention <= 0 {
		c.Retention = DefaultConfig.Retention
	}
	return c
}

// Queue is the dead letter queue. It owns record lifecycle independently
// of the event store.
type Queue struct {
	cfg  Config
	repo Repository
}

// NewQueue creates a dead letter queue over the given repository.
func NewQueue(repo Repository, cfg Config) *Queue {
	return &Queue{cfg: cfg.normalize(), repo: repo}
}

// AddOption configures AddFailedEvent.
type AddOption func(*Record)

// WithMaxRetries overrides the retry budget for one record.
func WithMaxRetries(n int) AddOption {
	return func(r *Record) { r.MaxRetries = n }
}

// AddFailedEvent stores a failed event with its error context and returns
// the record ID. Severity is classified from the error message. An event
// arriving with its upstream retry budget already spent is recorded as
// exhausted immediately.
func (q *Queue) AddFailedEvent(ctx context.Context, evt event.Event, cause error, fc FailureContext, opts ...AddOption) (string, error) {
	now := time.Now()
	rec := &Record{
		ID:           uuid.New().String(),
		Event:        evt.Clone(),
		ErrorType:    errorTypeName(cause),
		ErrorMessage: cause.Error(),
		Handler:      fc.Handler,
		RetryCount:   fc.RetryCount,
		MaxRetries:   q.cfg.MaxRetries,
		Severity:     Classify(cause.Error()),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		History:      []Attempt{{At: now, Error: cause.Error()}},
	}
	for _, opt := range opts {
		opt(rec)
	}

	if rec.RetryCount >= rec.MaxRetries {
		rec.Status = StatusExhausted
	} else {
		rec.RetryAfter = now.Add(q.delay(rec.RetryCount))
	}

	if err := q.repo.Save(ctx, rec); err != nil {
		return "", err
	}

	if q.cfg.Logger != nil {
		q.cfg.Logger.Warn("event dead-lettered",
			slog.String("dlq_id", rec.ID),
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("handler", fc.Handler),
			slog.String("severity", string(rec.Severity)),
			slog.String("status", string(rec.Status)),
			slog.String("error", cause.Error()),
		)
	}
	return rec.ID, nil
}

// delay computes the retryAfter backoff for the given retry count.
func (q *Queue) delay(retryCount int) time.Duration {
	return errors.BackoffDelay(q.cfg.BaseDelay, q.cfg.MaxDelay, 2.0, q.cfg.Jitter, retryCount)
}

// RetryFailedEvent schedules one more retry for a pending record. It
// returns false without error when the record is not pending or its
// budget is spent; in the latter case the record transitions to
// exhausted.
func (q *Queue) RetryFailedEvent(ctx context.Context, id string) (bool, error) {
	rec, err := q.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if rec.Status != StatusPending {
		return false, nil
	}
	if rec.RetryCount >= rec.MaxRetries {
		rec.Status = StatusExhausted
		rec.UpdatedAt = time.Now()
		if err := q.repo.Update(ctx, rec); err != nil {
			return false, err
		}
		return false, nil
	}

	now := time.Now()
	rec.RetryCount++
	rec.RetryAfter = now.Add(q.delay(rec.RetryCount))
	rec.Status = StatusRetrying
	rec.UpdatedAt = now
	if err := q.repo.Update(ctx, rec); err != nil {
		return false, err
	}

	if q.cfg.RepublishOnRetry && q.cfg.Publish != nil {
		q.attemptRepublish(ctx, rec)
	}
	return true, nil
}

// BatchResult aggregates a batch retry.
type BatchResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// RetryBatch applies RetryFailedEvent across an ID list.
func (q *Queue) RetryBatch(ctx context.Context, ids []string) BatchResult {
	var res BatchResult
	for _, id := range ids {
		ok, err := q.RetryFailedEvent(ctx, id)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, id)
		case ok:
			res.Succeeded = append(res.Succeeded, id)
		default:
			res.Skipped = append(res.Skipped, id)
		}
	}
	return res
}

// ProcessRetries republishes records whose retry is due: status retrying
// and retryAfter in the past. Success resolves the record; failure sends
// it back to pending for another RetryFailedEvent round. Returns the
// number of records attempted.
func (q *Queue) ProcessRetries(ctx context.Context) (int, error) {
	if q.cfg.Publish == nil {
		return 0, nil
	}

	due, err := q.repo.List(ctx, ListFilter{Status: StatusRetrying, ReadyBefore: time.Now()})
	if err != nil {
		return 0, err
	}

	for _, rec := range due {
		q.attemptRepublish(ctx, rec)
	}
	return len(due), nil
}

// attemptRepublish publishes the record's event and applies the outcome
// transition: resolved on success, back to pending on failure.
func (q *Queue) attemptRepublish(ctx context.Context, rec *Record) {
	elapsed := observability.TimedOperation()
	err := q.cfg.Publish(ctx, rec.Event)
	now := time.Now()
	rec.UpdatedAt = now

	if err == nil {
		rec.Status = StatusResolved
		rec.ResolvedAt = &now
		rec.History = append(rec.History, Attempt{At: now})
		if q.cfg.Logger != nil {
			q.cfg.Logger.Info("dead letter republished",
				slog.String("dlq_id", rec.ID),
				slog.String("event_id", rec.Event.ID),
				slog.Float64("duration_ms", elapsed()),
			)
		}
	} else {
		rec.Status = StatusPending
		rec.History = append(rec.History, Attempt{At: now, Error: err.Error()})
		if q.cfg.Logger != nil {
			q.cfg.Logger.Warn("dead letter republish failed",
				slog.String("dlq_id", rec.ID),
				slog.String("event_id", rec.Event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if uerr := q.repo.Update(ctx, rec); uerr != nil && q.cfg.Logger != nil {
		q.cfg.Logger.Error("dead letter update failed",
			slog.String("dlq_id", rec.ID),
			slog.String("error", uerr.Error()),
		)
	}
}

// Remove marks a non-terminal record as manually removed.
func (q *Queue) Remove(ctx context.Context, id string) error {
	rec, err := q.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = StatusRemoved
	rec.UpdatedAt = time.Now()
	return q.repo.Update(ctx, rec)
}

// Get returns a record by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Record, error) {
	return q.repo.Get(ctx, id)
}

// List returns records matching the filter.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	return q.repo.List(ctx, f)
}

// Cleanup deletes resolved records older than the retention window and
// returns the number purged.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.cfg.Retention)
	resolved, err := q.repo.List(ctx, ListFilter{Status: StatusResolved})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range resolved {
		if rec.ResolvedAt == nil || rec.ResolvedAt.After(cutoff) {
			continue
		}
		if err := q.repo.Delete(ctx, rec.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Stats summarizes queue contents by status.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[Status]int64 `json:"by_status"`
}

// errorTypeName returns the bare type name of err for the record's
// error context.
func errorTypeName(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// Stats returns record counts by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return Stats{Total: total, ByStatus: counts}, nil
}

// Close releases the underlying repository.
func (q *Queue) Close() error {
	return q.repo.Close()
}
