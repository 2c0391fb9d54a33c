// Package bus provides the publish/subscribe orchestrator: it drives the
// middleware pipeline, persists events to the store, and dispatches them
// concurrently to matching subscriptions.
//
// Handler failures are isolated: subscribers run under an all-settled
// join, so one failing or panicking handler never cancels its siblings
// or the publisher. Failures are forwarded to registered error handlers
// and, when a dead letter queue is attached, recorded there.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmarceau/eventkit/pkg/eventkit/dlq"
	ekerrors "github.com/dmarceau/eventkit/pkg/eventkit/errors"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/middleware"
	"github.com/dmarceau/eventkit/pkg/eventkit/observability"
	"github.com/dmarceau/eventkit/pkg/eventkit/store"
)

// DeadLetterer receives events whose processing is exhausted. Implemented
// by *dlq.Queue.
type DeadLetterer interface {
	AddFailedEvent(ctx context.Context, evt event.Event, cause error, fc dlq.FailureContext, opts ...dlq.AddOption) (string, error)
}

// MetricsSink receives per-publish samples. Implemented by
// *monitor.Monitor.
type MetricsSink interface {
	RecordEventMetrics(evt event.Event, processingTime time.Duration, status string, handlerCount, middlewareCount int)
}

// Config configures a Bus.
type Config struct {
	// Pipeline applied before persistence and dispatch. Optional; a nil
	// pipeline passes events through unchanged.
	Pipeline *middleware.Pipeline

	// Store persists published events. Required.
	Store store.Store

	// DeadLetters receives exhausted events. Optional.
	DeadLetters DeadLetterer

	// Monitor receives per-publish metric samples. Optional.
	Monitor MetricsSink

	// Metrics records OTel instruments. Defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// Logger enables structured logging. Optional.
	Logger *slog.Logger

	// MaxConcurrency bounds parallel handler invocations per publish.
	// Default: 16
	MaxConcurrency int
}

func (c Config) normalize() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

// subscription is a registered (eventType, handler, filter) binding.
type subscription struct {
	id        string
	eventType string
	name      string
	handler   event.Handler
	filter    *event.Filter
	retry     ekerrors.RetryConfig
	active    bool
	createdAt time.Time
}

// Bus is the publish/subscribe orchestrator. The subscription registry is
// owned by the instance; independent buses don't share state.
type Bus struct {
	cfg Config

	mu   sync.RWMutex
	subs map[string]map[string]*subscription // event type -> sub ID -> sub

	errMu       sync.RWMutex
	errHandlers []event.ErrorHandler
}

// New creates a bus with the given configuration.
func New(cfg Config) *Bus {
	return &Bus{
		cfg:  cfg.normalize(),
		subs: make(map[string]map[string]*subscription),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithFilter restricts the subscription to matching events.
func WithFilter(f *event.Filter) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// WithRetry retries the handler per the policy before its failure is
// reported.
func WithRetry(cfg ekerrors.RetryConfig) SubscribeOption {
	return func(s *subscription) { s.retry = cfg }
}

// WithName names the subscription for error reporting and logging.
// Default: the handler's type name.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Subscribe registers a handler for an event type and returns the
// subscription ID.
func (b *Bus) Subscribe(eventType string, handler event.Handler, opts ...SubscribeOption) string {
	sub := &subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		retry:     ekerrors.NoRetry,
		active:    true,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("%T", handler)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[string]*subscription)
	}
	b.subs[eventType][sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Returns false if the ID is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, byID := range b.subs {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			return true
		}
	}
	return false
}

// SubscriptionCount returns the number of active subscriptions for an
// event type.
func (b *Bus) SubscriptionCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// OnError registers a handler for isolated subscriber failures. Error
// handlers are invoked synchronously during publish and must not block.
func (b *Bus) OnError(h event.ErrorHandler) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	b.errHandlers = append(b.errHandlers, h)
}

// publishOptions configures one publish call.
type publishOptions struct {
	timeout time.Duration
	persist bool
}

// PublishOption configures Publish.
type PublishOption func(*publishOptions)

// WithTimeout races each handler against the given timeout. A handler
// losing the race is reported failed; its underlying work is not
// forcibly stopped, its result is discarded.
func WithTimeout(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.timeout = d }
}

// WithDispatchOnly skips persistence: the event runs through the
// pipeline and is dispatched to subscribers but not appended to the
// store. Used when republishing events that are already durable.
func WithDispatchOnly() PublishOption {
	return func(o *publishOptions) { o.persist = false }
}

// Publish runs the event through the middleware pipeline, persists it,
// and dispatches it concurrently to all matching subscriptions.
//
// Pipeline and persistence failures are returned to the caller; an
// exhausted pipeline retry additionally dead-letters the event. Handler
// failures never surface here: they go to the registered error handlers.
func (b *Bus) Publish(ctx context.Context, evt event.Event, opts ...PublishOption) error {
	o := publishOptions{persist: true}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := observability.StartPublishSpan(ctx, evt.Type, evt.ID)
	start := time.Now()

	middlewareCount := 0
	processed := evt
	if b.cfg.Pipeline != nil {
		middlewareCount = b.cfg.Pipeline.StageCount(evt.Type)
		var err error
		processed, err = b.cfg.Pipeline.Process(ctx, evt)
		if err != nil {
			b.deadLetterExhausted(ctx, evt, err)
			b.finishPublish(ctx, span, evt, start, "failed", 0, middlewareCount, err)
			return err
		}
	}

	if o.persist {
		streamID := processed.StreamID()
		if _, err := b.cfg.Store.SaveEvent(ctx, processed, streamID, processed.Version); err != nil {
			b.finishPublish(ctx, span, processed, start, "failed", 0, middlewareCount, err)
			return fmt.Errorf("persist event %s: %w", processed.ID, err)
		}
	}

	matched := b.matchingSubscriptions(processed)
	b.dispatch(ctx, processed, matched, o.timeout)

	b.finishPublish(ctx, span, processed, start, "success", len(matched), middlewareCount, nil)
	return nil
}

// finishPublish closes the publish span and fans the sample out to the
// OTel recorder, the monitor, and the logger.
func (b *Bus) finishPublish(ctx context.Context, span trace.Span, evt event.Event, start time.Time, status string, handlers, middlewares int, err error) {
	elapsed := time.Since(start)
	observability.EndSpanWithError(span, err)
	b.cfg.Metrics.RecordPublish(ctx, evt.Type, elapsed, err)
	if b.cfg.Monitor != nil {
		b.cfg.Monitor.RecordEventMetrics(evt, elapsed, status, handlers, middlewares)
	}
	if err == nil {
		observability.LogPublish(b.cfg.Logger, evt.Type, evt.ID, handlers, float64(elapsed.Milliseconds()))
	}
}

// matchingSubscriptions snapshots the active subscriptions whose filters
// accept the event.
func (b *Bus) matchingSubscriptions(evt event.Event) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*subscription
	for _, sub := range b.subs[evt.Type] {
		if !sub.active {
			continue
		}
		if !sub.filter.Matches(evt) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched
}

// dispatch invokes all matched handlers concurrently and waits for every
// settlement. No handler failure cancels a sibling.
func (b *Bus) dispatch(ctx context.Context, evt event.Event, subs []*subscription, timeout time.Duration) {
	if len(subs) == 0 {
		return
	}

	workers := b.cfg.MaxConcurrency
	if workers > len(subs) {
		workers = len(subs)
	}

	p := pool.New().WithMaxGoroutines(workers)
	for _, sub := range subs {
		p.Go(func() {
			started := time.Now()
			err := b.invokeHandler(ctx, sub, evt, timeout)
			b.cfg.Metrics.RecordHandler(ctx, evt.Type, sub.name, time.Since(started), err)
			if err != nil {
				b.reportHandlerFailure(ctx, evt, sub, err)
			}
		})
	}
	p.Wait()
}

// invokeHandler runs one subscription's handler with panic recovery, its
// retry policy, and the optional timeout race.
func (b *Bus) invokeHandler(ctx context.Context, sub *subscription, evt event.Event, timeout time.Duration) error {
	hctx, span := observability.StartHandlerSpan(ctx, sub.name)
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &event.EventError{
					Event:   evt,
					Handler: sub.name,
					Message: fmt.Sprintf("handler panic: %v", r),
				}
			}
		}()
		return sub.handler.Handle(ctx, evt)
	}

	invoke := func(ctx context.Context) error {
		if timeout <= 0 {
			return run(ctx)
		}
		// Race the handler against the timer. The losing handler keeps
		// running; only its result is discarded.
		done := make(chan error, 1)
		go func() { done <- run(ctx) }()
		select {
		case err := <-done:
			return err
		case <-time.After(timeout):
			return &event.EventError{
				Event:   evt,
				Handler: sub.name,
				Message: fmt.Sprintf("handler timed out after %s", timeout),
			}
		}
	}

	var err error
	if sub.retry.Enabled() {
		result := ekerrors.WithRetryContext(hctx, sub.retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, invoke(ctx)
		})
		err = result.Err
	} else {
		err = invoke(hctx)
	}

	observability.EndSpanWithError(span, err)
	return err
}

// reportHandlerFailure forwards an isolated failure to the error
// handlers and dead-letters it when a queue is attached.
func (b *Bus) reportHandlerFailure(ctx context.Context, evt event.Event, sub *subscription, err error) {
	observability.LogHandlerError(b.cfg.Logger, evt.Type, sub.name, err)

	b.errMu.RLock()
	handlers := b.errHandlers
	b.errMu.RUnlock()
	for _, h := range handlers {
		h(ctx, evt, sub.name, err)
	}

	if b.cfg.DeadLetters != nil {
		retries := 0
		var exhausted *ekerrors.ExhaustedError
		if errors.As(err, &exhausted) {
			retries = exhausted.Attempts - 1
		}
		fc := dlq.FailureContext{Handler: sub.name, RetryCount: retries}
		if _, dlqErr := b.cfg.DeadLetters.AddFailedEvent(ctx, evt, err, fc); dlqErr != nil {
			logger := observability.EnrichLogger(b.cfg.Logger, evt.ID, evt.Type, evt.StreamID())
			if logger != nil {
				logger.Error("dead letter enqueue failed",
					slog.String("error", dlqErr.Error()))
			}
			return
		}
		b.recordDeadLetter(ctx, evt, err)
	}
}

// recordDeadLetter notes a dead-lettered event on the OTel counter and
// the active span.
func (b *Bus) recordDeadLetter(ctx context.Context, evt event.Event, err error) {
	severity := string(dlq.Classify(err.Error()))
	b.cfg.Metrics.RecordDeadLetter(ctx, evt.Type, severity)
	observability.AddSpanEvent(ctx, "dead_lettered",
		attribute.String("severity", severity))
}

// deadLetterExhausted records a terminal pipeline failure in the dead
// letter queue.
func (b *Bus) deadLetterExhausted(ctx context.Context, evt event.Event, err error) {
	if b.cfg.DeadLetters == nil {
		return
	}
	var exhausted *ekerrors.ExhaustedError
	if !errors.As(err, &exhausted) {
		return
	}
	fc := dlq.FailureContext{Handler: "middleware", RetryCount: exhausted.Attempts - 1}
	if _, dlqErr := b.cfg.DeadLetters.AddFailedEvent(ctx, evt, err, fc); dlqErr != nil {
		logger := observability.EnrichLogger(b.cfg.Logger, evt.ID, evt.Type, evt.StreamID())
		if logger != nil {
			logger.Error("dead letter enqueue failed",
				slog.String("error", dlqErr.Error()))
		}
		return
	}
	b.recordDeadLetter(ctx, evt, err)
}

// ReplayOptions restricts ReplayEvents.
type ReplayOptions struct {
	// Type restricts replay to one event type when non-empty.
	Type string

	// AggregateID restricts replay to one aggregate when non-empty.
	AggregateID string

	// FromVersion restricts to events at or above the version when > 0.
	FromVersion int64

	// BatchSize caps store reads per batch; 0 applies the store default.
	BatchSize int
}

// ReplayEvents re-dispatches stored events synchronously in stored
// order, continuing past individual handler failures. Events are not
// re-persisted and the pipeline is not re-run. Returns the number of
// events replayed.
func (b *Bus) ReplayEvents(ctx context.Context, opts ReplayOptions) (int, error) {
	cursor := b.cfg.Store.Replay(store.ReplayOptions{
		Type:        opts.Type,
		FromVersion: opts.FromVersion,
		BatchSize:   opts.BatchSize,
	})

	replayed := 0
	for {
		batch, err := cursor.Next(ctx)
		if err != nil {
			return replayed, err
		}
		if batch == nil {
			return replayed, nil
		}
		for _, env := range batch {
			if opts.AggregateID != "" && env.Event.AggregateID != opts.AggregateID {
				continue
			}
			for _, sub := range b.matchingSubscriptions(env.Event) {
				if err := b.invokeHandler(ctx, sub, env.Event, 0); err != nil {
					b.reportHandlerFailure(ctx, env.Event, sub, err)
				}
			}
			replayed++
		}
	}
}

// Statistics proxies the store's aggregate counts.
func (b *Bus) Statistics(ctx context.Context) (store.Stats, error) {
	return b.cfg.Store.Statistics(ctx)
}
