// Package queue provides a generic background job queue with typed
// processors, scheduled execution, and bounded per-processor
// concurrency.
package queue

import (
	"context"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one unit of queued work.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Data any    `json:"data"`

	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
	Attempts    int    `json:"attempts"`
	Status      Status `json:"status"`
	LastError   string `json:"last_error,omitempty"`

	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Handler executes one job. Returning an error schedules a retry until
// MaxAttempts is spent.
type Handler func(ctx context.Context, job Job) error

// ProcessorConfig tunes how jobs of one type execute.
type ProcessorConfig struct {
	// Concurrency bounds in-flight jobs of this type. Default 1.
	Concurrency int

	// RetryDelay is the base delay before a failed job is retried.
	// Default 5s.
	RetryDelay time.Duration

	// BackoffMultiplier scales RetryDelay per attempt. Default 2.
	BackoffMultiplier float64
}

func (c *ProcessorConfig) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
}

// JobOptions tune a single enqueued job.
type JobOptions struct {
	Priority int

	// Delay pushes the first execution into the future.
	Delay time.Duration

	// ScheduledAt sets an absolute first-execution time and overrides
	// Delay when non-zero.
	ScheduledAt time.Time

	// MaxAttempts bounds total executions. Default 3.
	MaxAttempts int
}

// JobFilter restricts GetJobs.
type JobFilter struct {
	Type   string
	Status Status
	Limit  int
}

// Stats summarizes the job table.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Queue is the job queue contract the async processor consumes.
type Queue interface {
	// RegisterProcessor binds a handler to a job type.
	RegisterProcessor(jobType string, handler Handler, cfg ProcessorConfig) error

	// AddJob enqueues a job and returns its id.
	AddJob(ctx context.Context, name, jobType string, data any, opts JobOptions) (string, error)

	// GetJob returns a job snapshot by id.
	GetJob(id string) (Job, bool)

	// GetJobs returns job snapshots matching the filter, newest first.
	GetJobs(filter JobFilter) []Job

	// GetQueueStats counts jobs by status.
	GetQueueStats() Stats

	// CancelJob cancels a pending job.
	CancelJob(id string) bool

	// RetryJob reschedules a failed or cancelled job immediately.
	RetryJob(id string) bool

	// ClearCompletedJobs drops completed jobs older than the given
	// age and returns how many were removed.
	ClearCompletedJobs(olderThan time.Duration) int

	// Start launches the poll loop.
	Start(ctx context.Context)

	// Stop terminates the poll loop and waits for in-flight jobs.
	Stop()
}
