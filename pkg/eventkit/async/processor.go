// Package async bridges the bus onto a background job queue so events
// can be published with a delay, a schedule, or simply off the caller's
// goroutine. Failed publishes lean on the queue's own retry and backoff
// machinery.
package async

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/bus"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/queue"
)

// JobTypePublish is the job type the processor registers on the queue.
const JobTypePublish = "eventkit.publish"

// Publisher is the slice of the bus the processor needs.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event, opts ...bus.PublishOption) error
}

// PublishJob is the payload stored in the job queue. Batch jobs carry
// several events; single jobs carry one.
type PublishJob struct {
	Events  []event.Event `json:"events"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Config configures a Processor.
type Config struct {
	Bus   Publisher
	Queue queue.Queue

	// Concurrency bounds in-flight publish jobs. Default 4.
	Concurrency int

	// RetryDelay is the base delay between publish job retries.
	// Default 5s.
	RetryDelay time.Duration

	// BackoffMultiplier scales RetryDelay per attempt. Default 2.
	BackoffMultiplier float64

	Logger *slog.Logger
}

// Processor enqueues publish jobs and executes them from the queue's
// worker loop.
type Processor struct {
	cfg Config
}

// New wires a processor onto the queue. The publish job handler is
// registered immediately.
func New(cfg Config) (*Processor, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("async: bus is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("async: queue is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}

	p := &Processor{cfg: cfg}
	err := cfg.Queue.RegisterProcessor(JobTypePublish, p.handleJob, queue.ProcessorConfig{
		Concurrency:       cfg.Concurrency,
		RetryDelay:        cfg.RetryDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PublishOptions tune an async publish.
type PublishOptions struct {
	Priority int

	// Delay pushes the publish into the future.
	Delay time.Duration

	// ScheduledAt sets an absolute publish time and overrides Delay
	// when non-zero.
	ScheduledAt time.Time

	// MaxRetries bounds publish attempts. Default 3.
	MaxRetries int

	// Timeout applies a per-handler timeout when the job publishes.
	Timeout time.Duration
}

func (o PublishOptions) jobOptions() queue.JobOptions {
	return queue.JobOptions{
		Priority:    o.Priority,
		Delay:       o.Delay,
		ScheduledAt: o.ScheduledAt,
		MaxAttempts: o.MaxRetries,
	}
}

// PublishAsync enqueues a single-event publish job and returns the job
// id.
func (p *Processor) PublishAsync(ctx context.Context, evt event.Event, opts PublishOptions) (string, error) {
	payload := PublishJob{Events: []event.Event{evt}, Timeout: opts.Timeout}
	return p.cfg.Queue.AddJob(ctx, "publish "+evt.Type, JobTypePublish, payload, opts.jobOptions())
}

// BatchMode selects how PublishBatchAsync splits work.
type BatchMode int

const (
	// BatchAtomic enqueues one job covering the whole batch. A failure
	// anywhere retries the whole batch.
	BatchAtomic BatchMode = iota

	// BatchPerEvent enqueues one job per event so failures retry
	// independently.
	BatchPerEvent
)

// PublishBatchAsync enqueues a batch of events and returns the created
// job ids.
func (p *Processor) PublishBatchAsync(ctx context.Context, events []event.Event, mode BatchMode, opts PublishOptions) ([]string, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("async: empty batch")
	}

	if mode == BatchAtomic {
		payload := PublishJob{Events: events, Timeout: opts.Timeout}
		name := fmt.Sprintf("publish batch (%d events)", len(events))
		id, err := p.cfg.Queue.AddJob(ctx, name, JobTypePublish, payload, opts.jobOptions())
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	ids := make([]string, 0, len(events))
	for _, evt := range events {
		id, err := p.PublishAsync(ctx, evt, opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ScheduleEvent publishes an event at a fixed future time.
func (p *Processor) ScheduleEvent(ctx context.Context, evt event.Event, at time.Time) (string, error) {
	return p.PublishAsync(ctx, evt, PublishOptions{ScheduledAt: at})
}

// handleJob runs from the queue's worker loop. Errors propagate so the
// queue applies its retry backoff.
func (p *Processor) handleJob(ctx context.Context, job queue.Job) error {
	payload, ok := job.Data.(PublishJob)
	if !ok {
		return fmt.Errorf("async: job %s carries unexpected payload %T", job.ID, job.Data)
	}

	var busOpts []bus.PublishOption
	if payload.Timeout > 0 {
		busOpts = append(busOpts, bus.WithTimeout(payload.Timeout))
	}

	for _, evt := range payload.Events {
		if err := p.cfg.Bus.Publish(ctx, evt, busOpts...); err != nil {
			if p.cfg.Logger != nil {
				p.cfg.Logger.Warn("async publish failed",
					slog.String("job_id", job.ID),
					slog.String("event_id", evt.ID),
					slog.String("event_type", evt.Type),
					slog.Int("attempt", job.Attempts),
					slog.String("error", err.Error()),
				)
			}
			return fmt.Errorf("publish %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Stats summarizes publish jobs on the queue.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats counts publish jobs by status, ignoring other job types on the
// shared queue.
func (p *Processor) Stats() Stats {
	jobs := p.cfg.Queue.GetJobs(queue.JobFilter{Type: JobTypePublish})

	var s Stats
	for _, job := range jobs {
		switch job.Status {
		case queue.StatusPending:
			s.Pending++
		case queue.StatusRunning:
			s.Running++
		case queue.StatusCompleted:
			s.Completed++
		case queue.StatusFailed:
			s.Failed++
		case queue.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Job returns one publish job by id. Jobs of other types are hidden.
func (p *Processor) Job(id string) (queue.Job, bool) {
	job, ok := p.cfg.Queue.GetJob(id)
	if !ok || job.Type != JobTypePublish {
		return queue.Job{}, false
	}
	return job, true
}

// Jobs lists publish jobs, newest first.
func (p *Processor) Jobs(status queue.Status, limit int) []queue.Job {
	return p.cfg.Queue.GetJobs(queue.JobFilter{Type: JobTypePublish, Status: status, Limit: limit})
}

// Cancel cancels a pending publish job.
func (p *Processor) Cancel(id string) bool {
	job, ok := p.cfg.Queue.GetJob(id)
	if !ok || job.Type != JobTypePublish {
		return false
	}
	return p.cfg.Queue.CancelJob(id)
}

// Retry reschedules a failed publish job immediately.
func (p *Processor) Retry(id string) bool {
	job, ok := p.cfg.Queue.GetJob(id)
	if !ok || job.Type != JobTypePublish {
		return false
	}
	return p.cfg.Queue.RetryJob(id)
}
