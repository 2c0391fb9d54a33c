package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval is how often the memory queue scans for due jobs.
const DefaultPollInterval = 500 * time.Millisecond

const defaultMaxAttempts = 3

type processor struct {
	handler  Handler
	cfg      ProcessorConfig
	inFlight int
}

// MemoryQueue is an in-process Queue backed by a job map and a
// fixed-interval poll loop. Job retries are rescheduled by recomputing
// ScheduledAt, never by blocking the poller.
type MemoryQueue struct {
	pollInterval time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	jobs       map[string]*Job
	processors map[string]*processor

	wg      sync.WaitGroup
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.pollInterval = d }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(q *MemoryQueue) { q.logger = l }
}

// NewMemoryQueue creates an in-memory job queue. Call Start to begin
// processing.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		pollInterval: DefaultPollInterval,
		jobs:         make(map[string]*Job),
		processors:   make(map[string]*processor),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterProcessor binds a handler to a job type.
func (q *MemoryQueue) RegisterProcessor(jobType string, handler Handler, cfg ProcessorConfig) error {
	if jobType == "" {
		return fmt.Errorf("queue: job type is required")
	}
	if handler == nil {
		return fmt.Errorf("queue: handler is required for %s", jobType)
	}
	cfg.normalize()

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processors[jobType]; ok {
		return fmt.Errorf("queue: processor already registered for %s", jobType)
	}
	q.processors[jobType] = &processor{handler: handler, cfg: cfg}
	return nil
}

// AddJob enqueues a job.
func (q *MemoryQueue) AddJob(_ context.Context, name, jobType string, data any, opts JobOptions) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("queue: job type is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	now := time.Now().UTC()
	scheduled := now
	switch {
	case !opts.ScheduledAt.IsZero():
		scheduled = opts.ScheduledAt.UTC()
	case opts.Delay > 0:
		scheduled = now.Add(opts.Delay)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        jobType,
		Data:        data,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Status:      StatusPending,
		ScheduledAt: scheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	return job.ID, nil
}

// GetJob returns a snapshot of one job.
func (q *MemoryQueue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// GetJobs returns snapshots matching the filter, newest first.
func (q *MemoryQueue) GetJobs(filter JobFilter) []Job {
	q.mu.Lock()
	out := make([]Job, 0)
	for _, job := range q.jobs {
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, *job)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// GetQueueStats counts jobs by status.
func (q *MemoryQueue) GetQueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s
}

// CancelJob cancels a pending job. Running jobs are left to finish.
func (q *MemoryQueue) CancelJob(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now().UTC()
	return true
}

// RetryJob puts a failed or cancelled job back on the queue for
// immediate execution.
func (q *MemoryQueue) RetryJob(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || (job.Status != StatusFailed && job.Status != StatusCancelled) {
		return false
	}
	now := time.Now().UTC()
	job.Status = StatusPending
	job.Attempts = 0
	job.LastError = ""
	job.ScheduledAt = now
	job.UpdatedAt = now
	return true
}

// ClearCompletedJobs removes completed jobs older than the given age.
func (q *MemoryQueue) ClearCompletedJobs(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, job := range q.jobs {
		if job.Status == StatusCompleted && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// Start launches the poll loop. Calling Start on a running queue is a
// no-op.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.run(ctx, q.stopCh, q.doneCh)
}

// Stop terminates the poll loop and waits for in-flight jobs. Safe to
// call on a queue that was never started.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stop, done := q.stopCh, q.doneCh
	q.mu.Unlock()

	close(stop)
	<-done
	q.wg.Wait()
}

func (q *MemoryQueue) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			q.dispatchDue(ctx)
		}
	}
}

// dispatchDue claims every due pending job whose processor has spare
// concurrency and executes it on its own goroutine.
func (q *MemoryQueue) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()

	q.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	// Highest priority first, then oldest schedule.
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	claimed := make([]Job, 0, len(due))
	for _, job := range due {
		proc, ok := q.processors[job.Type]
		if !ok || proc.inFlight >= proc.cfg.Concurrency {
			continue
		}
		proc.inFlight++
		job.Status = StatusRunning
		job.Attempts++
		job.StartedAt = now
		job.UpdatedAt = now
		claimed = append(claimed, *job)
	}
	q.mu.Unlock()

	for _, job := range claimed {
		q.wg.Add(1)
		go q.execute(ctx, job)
	}
}

func (q *MemoryQueue) execute(ctx context.Context, snapshot Job) {
	defer q.wg.Done()

	q.mu.Lock()
	proc := q.processors[snapshot.Type]
	q.mu.Unlock()

	err := q.runHandler(ctx, proc.handler, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()
	proc.inFlight--

	job, ok := q.jobs[snapshot.ID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.UpdatedAt = now

	if err == nil {
		job.Status = StatusCompleted
		job.CompletedAt = now
		job.LastError = ""
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		if q.logger != nil {
			q.logger.Error("job exhausted",
				slog.String("job_id", job.ID),
				slog.String("job_type", job.Type),
				slog.Int("attempts", job.Attempts),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	// Reschedule instead of blocking the poller.
	delay := time.Duration(float64(proc.cfg.RetryDelay) *
		math.Pow(proc.cfg.BackoffMultiplier, float64(job.Attempts-1)))
	job.Status = StatusPending
	job.ScheduledAt = now.Add(delay)
	if q.logger != nil {
		q.logger.Warn("job retry scheduled",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.Int("attempt", job.Attempts),
			slog.Duration("delay", delay),
		)
	}
}

func (q *MemoryQueue) runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return h(ctx, job)
}
