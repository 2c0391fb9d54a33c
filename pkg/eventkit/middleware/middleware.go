// Package middleware implements the per-event-type processing pipeline
// applied before events are persisted and dispatched.
//
// Stages are registered as an ordered list per event type. Each stage
// receives the event and a next continuation; calling next hands the
// (possibly transformed) event to the following stage, while returning
// without calling next short-circuits the rest of the chain. The chain is
// driven by an indexed interpreter, not nested closures, so stage i's
// call to next deterministically invokes stage i+1.
package middleware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/errors"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// Next hands the event to the rest of the pipeline.
type Next func(ctx context.Context, evt event.Event) (event.Event, error)

// Func is a single pipeline stage. It may transform the event before
// passing it on, reject it by returning an error, or short-circuit the
// chain by returning without calling next.
type Func func(ctx context.Context, evt event.Event, next Next) (event.Event, error)

// stage is a registered middleware with its matching and retry config.
type stage struct {
	name   string
	fn     Func
	filter *event.Filter
	retry  errors.RetryConfig
}

// StageOption configures a registered stage.
type StageOption func(*stage)

// WithFilter attaches a filter; non-matching events skip the stage body
// and continue down the chain.
func WithFilter(f *event.Filter) StageOption {
	return func(s *stage) { s.filter = f }
}

// WithRetry attaches a retry policy. A failing stage is re-invoked with
// exponential backoff for errors the policy considers retryable; running
// out of attempts yields a terminal *errors.ExhaustedError.
func WithRetry(cfg errors.RetryConfig) StageOption {
	return func(s *stage) { s.retry = cfg }
}

// Metrics is a snapshot of pipeline activity.
type Metrics struct {
	Total      int64   `json:"total"`
	Successful int64   `json:"successful"`
	Failed     int64   `json:"failed"`
	Retries    int64   `json:"retries"`
	AvgMillis  float64 `json:"avg_millis"`

	// StageAvgMillis maps stage name to its running average execution
	// time, including the continuation it invokes.
	StageAvgMillis map[string]float64 `json:"stage_avg_millis"`
}

// Pipeline holds the per-event-type stage lists. The registry is owned by
// the pipeline instance; independent pipelines don't share state.
type Pipeline struct {
	mu     sync.RWMutex
	stages map[string][]*stage
	logger *slog.Logger

	statsMu     sync.Mutex
	total       int64
	successful  int64
	failed      int64
	retries     int64
	avgMillis   float64
	stageAvg    map[string]float64
	stageCounts map[string]int64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger enables structured logging of stage failures and retries.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates an empty pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		stages:      make(map[string][]*stage),
		stageAvg:    make(map[string]float64),
		stageCounts: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register appends a named stage to the chain for eventType. Stages run
// in registration order.
func (p *Pipeline) Register(eventType, name string, fn Func, opts ...StageOption) {
	st := &stage{name: name, fn: fn, retry: errors.NoRetry}
	for _, opt := range opts {
		opt(st)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages[eventType] = append(p.stages[eventType], st)
}

// StageCount returns the number of stages registered for eventType.
func (p *Pipeline) StageCount(eventType string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages[eventType])
}

// Process runs the event through its type's chain and returns the
// (possibly transformed) result. Events with no registered stages pass
// through unchanged.
func (p *Pipeline) Process(ctx context.Context, evt event.Event) (event.Event, error) {
	p.mu.RLock()
	chain := p.stages[evt.Type]
	p.mu.RUnlock()

	start := time.Now()
	out, err := p.exec(ctx, chain, 0, evt)
	p.record(time.Since(start), err)
	return out, err
}

// exec is the chain interpreter: it advances the cursor past skipped
// stages and invokes the first applicable one with a continuation that
// resumes at the following index.
func (p *Pipeline) exec(ctx context.Context, chain []*stage, from int, evt event.Event) (event.Event, error) {
	for i := from; i < len(chain); i++ {
		st := chain[i]
		if !st.filter.Matches(evt) {
			continue
		}

		next := func(ctx context.Context, e event.Event) (event.Event, error) {
			return p.exec(ctx, chain, i+1, e)
		}
		return p.invoke(ctx, st, evt, next)
	}
	return evt, nil
}

// invoke runs one stage, applying its retry policy. A retried stage
// re-runs together with the continuation it invokes.
func (p *Pipeline) invoke(ctx context.Context, st *stage, evt event.Event, next Next) (event.Event, error) {
	start := time.Now()

	var result errors.RetryResult[event.Event]
	if st.retry.Enabled() {
		result = errors.WithRetryContext(ctx, st.retry, func(ctx context.Context) (event.Event, error) {
			return st.fn(ctx, evt, next)
		})
	} else {
		out, err := st.fn(ctx, evt, next)
		result = errors.RetryResult[event.Event]{Value: out, Err: err, Attempts: 1}
	}

	p.recordStage(st.name, time.Since(start), result.Attempts)

	if result.Err != nil {
		if p.logger != nil {
			p.logger.Error("middleware stage failed",
				slog.String("stage", st.name),
				slog.String("event_type", evt.Type),
				slog.String("event_id", evt.ID),
				slog.Int("attempts", result.Attempts),
				slog.String("error", result.Err.Error()),
			)
		}
		return event.Event{}, result.Err
	}
	return result.Value, nil
}

func (p *Pipeline) record(elapsed time.Duration, err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	oldTotal := p.total
	p.total++
	if err != nil {
		p.failed++
	} else {
		p.successful++
	}
	sample := float64(elapsed.Microseconds()) / 1000.0
	p.avgMillis = (p.avgMillis*float64(oldTotal) + sample) / float64(p.total)
}

func (p *Pipeline) recordStage(name string, elapsed time.Duration, attempts int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	if attempts > 1 {
		p.retries += int64(attempts - 1)
	}
	count := p.stageCounts[name]
	sample := float64(elapsed.Microseconds()) / 1000.0
	p.stageAvg[name] = (p.stageAvg[name]*float64(count) + sample) / float64(count+1)
	p.stageCounts[name] = count + 1
}

// Stats returns a snapshot of pipeline metrics.
func (p *Pipeline) Stats() Metrics {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stageAvg := make(map[string]float64, len(p.stageAvg))
	for k, v := range p.stageAvg {
		stageAvg[k] = v
	}
	return Metrics{
		Total:          p.total,
		Successful:     p.successful,
		Failed:         p.failed,
		Retries:        p.retries,
		AvgMillis:      p.avgMillis,
		StageAvgMillis: stageAvg,
	}
}
