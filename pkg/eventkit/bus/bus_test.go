package bus_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarceau/eventkit/pkg/eventkit/bus"
	"github.com/dmarceau/eventkit/pkg/eventkit/dlq"
	ekerrors "github.com/dmarceau/eventkit/pkg/eventkit/errors"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/middleware"
	"github.com/dmarceau/eventkit/pkg/eventkit/store"
)

func newBus(t *testing.T, cfg bus.Config) *bus.Bus {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	return bus.New(cfg)
}

func TestBus_PublishWithoutSubscribersPersists(t *testing.T) {
	s := store.NewMemoryStore()
	b := newBus(t, bus.Config{Store: s})
	ctx := context.Background()

	evt := event.New("user.created", "user", "u-1", map[string]any{"email": "a@b.c"},
		event.WithMetadata("role", "ADMIN"))
	require.NoError(t, b.Publish(ctx, evt))

	got, err := s.GetEvents(ctx, store.Query{Type: "user.created"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].Event.ID)
	assert.Equal(t, "ADMIN", got[0].Event.Meta("role"))
	assert.True(t, got[0].Event.OccurredAt.Equal(evt.OccurredAt))
}

func TestBus_PublishDispatchesToMatchingSubscriptions(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var delivered []string
	handler := func(name string) event.Handler {
		return event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
			mu.Lock()
			delivered = append(delivered, name)
			mu.Unlock()
			return nil
		})
	}

	b.Subscribe("user.created", handler("all"))
	b.Subscribe("user.created", handler("admins"),
		bus.WithFilter(&event.Filter{Metadata: map[string]string{"role": "ADMIN"}}))
	b.Subscribe("order.placed", handler("wrong-type"))

	evt := event.New("user.created", "user", "u-1", nil,
		event.WithMetadata("role", "USER"))
	require.NoError(t, b.Publish(ctx, evt))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"all"}, delivered)
}

func TestBus_HandlerFailureIsIsolated(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	var succeeded atomic.Bool
	b.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		return stderrors.New("handler broken")
	}), bus.WithName("broken"))
	b.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		succeeded.Store(true)
		return nil
	}), bus.WithName("healthy"))

	var mu sync.Mutex
	var reported []string
	b.OnError(func(ctx context.Context, evt event.Event, handler string, err error) {
		mu.Lock()
		reported = append(reported, handler)
		mu.Unlock()
	})

	// The failing sibling never fails the publish.
	err := b.Publish(ctx, event.New("user.created", "user", "u-1", nil))
	require.NoError(t, err)

	assert.True(t, succeeded.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"broken"}, reported)
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	b.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		panic("boom")
	}), bus.WithName("panicky"))

	var failure error
	var mu sync.Mutex
	b.OnError(func(ctx context.Context, evt event.Event, handler string, err error) {
		mu.Lock()
		failure = err
		mu.Unlock()
	})

	require.NoError(t, b.Publish(ctx, event.New("user.created", "user", "u-1", nil)))

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, failure)
	assert.Contains(t, failure.Error(), "handler panic")
}

func TestBus_HandlerRetrySucceedsOnThirdAttempt(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	var calls atomic.Int32
	b.Subscribe("payment.captured", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		if calls.Add(1) < 3 {
			return stderrors.New("NetworkError: gateway flapping")
		}
		return nil
	}), bus.WithRetry(ekerrors.RetryConfig{
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		BackoffFactor:   2,
		RetryableErrors: []string{"NetworkError"},
	}))

	errored := false
	b.OnError(func(ctx context.Context, evt event.Event, handler string, err error) {
		errored = true
	})

	require.NoError(t, b.Publish(ctx, event.New("payment.captured", "payment", "p-1", nil)))
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, errored)
}

func TestBus_ExhaustedHandlerDeadLettersExhausted(t *testing.T) {
	deadLetters := dlq.NewQueue(dlq.NewMemoryRepository(), dlq.Config{MaxRetries: 2})
	b := newBus(t, bus.Config{DeadLetters: deadLetters})
	ctx := context.Background()

	var calls atomic.Int32
	b.Subscribe("payment.captured", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		calls.Add(1)
		return stderrors.New("NetworkError: still down")
	}), bus.WithName("charger"), bus.WithRetry(ekerrors.RetryConfig{
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		RetryableErrors: []string{"NetworkError"},
	}))

	evt := event.New("payment.captured", "payment", "p-1", nil)
	require.NoError(t, b.Publish(ctx, evt))
	assert.Equal(t, int32(3), calls.Load())

	records, err := deadLetters.List(ctx, dlq.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dlq.StatusExhausted, records[0].Status)
	assert.Equal(t, "charger", records[0].Handler)
	assert.Equal(t, evt.ID, records[0].Event.ID)
}

func TestBus_VersionConflictSurfacesToPublisher(t *testing.T) {
	s := store.NewMemoryStore()
	b := newBus(t, bus.Config{Store: s})
	ctx := context.Background()

	first := event.New("order.placed", "order", "o-1", nil)
	require.NoError(t, b.Publish(ctx, first))

	// Same stream, still claiming version 0.
	stale := event.New("order.updated", "order", "o-1", nil)
	err := b.Publish(ctx, stale)
	require.Error(t, err)
	assert.True(t, store.IsVersionConflict(err))
}

func TestBus_HandlerTimeoutDiscardsResult(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	release := make(chan struct{})
	b.Subscribe("report.requested", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		<-release
		return nil
	}), bus.WithName("slow"))

	var mu sync.Mutex
	var failure error
	b.OnError(func(ctx context.Context, evt event.Event, handler string, err error) {
		mu.Lock()
		failure = err
		mu.Unlock()
	})

	err := b.Publish(ctx, event.New("report.requested", "report", "r-1", nil),
		bus.WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	close(release)

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, failure)
	assert.Contains(t, failure.Error(), "timed out")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	var calls atomic.Int32
	id := b.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		calls.Add(1)
		return nil
	}))
	assert.Equal(t, 1, b.SubscriptionCount("user.created"))

	require.NoError(t, b.Publish(ctx, event.New("user.created", "user", "u-1", nil)))
	assert.Equal(t, int32(1), calls.Load())

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.SubscriptionCount("user.created"))

	evt := event.New("user.created", "user", "u-1", nil, event.WithVersion(1))
	require.NoError(t, b.Publish(ctx, evt))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_PipelineTransformsBeforePersistAndDispatch(t *testing.T) {
	s := store.NewMemoryStore()
	p := middleware.NewPipeline()
	p.Register("user.created", "enrich", func(ctx context.Context, evt event.Event, next middleware.Next) (event.Event, error) {
		enriched := evt.Clone()
		if enriched.Metadata == nil {
			enriched.Metadata = map[string]string{}
		}
		enriched.Metadata["source"] = "signup-form"
		return next(ctx, enriched)
	})

	b := newBus(t, bus.Config{Store: s, Pipeline: p})
	ctx := context.Background()

	var seen event.Event
	var mu sync.Mutex
	b.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		seen = evt
		mu.Unlock()
		return nil
	}))

	require.NoError(t, b.Publish(ctx, event.New("user.created", "user", "u-1", nil)))

	mu.Lock()
	assert.Equal(t, "signup-form", seen.Meta("source"))
	mu.Unlock()

	stored, err := s.GetEvents(ctx, store.Query{Type: "user.created"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "signup-form", stored[0].Event.Meta("source"))
}

func TestBus_ExhaustedPipelineDeadLettersAndFailsPublish(t *testing.T) {
	deadLetters := dlq.NewQueue(dlq.NewMemoryRepository(), dlq.Config{MaxRetries: 5})
	p := middleware.NewPipeline()
	p.Register("user.created", "flaky", func(ctx context.Context, evt event.Event, next middleware.Next) (event.Event, error) {
		return event.Event{}, stderrors.New("NetworkError: enrichment service down")
	}, middleware.WithRetry(ekerrors.RetryConfig{
		MaxRetries:      1,
		InitialBackoff:  time.Millisecond,
		RetryableErrors: []string{"NetworkError"},
	}))

	b := newBus(t, bus.Config{Pipeline: p, DeadLetters: deadLetters})
	ctx := context.Background()

	err := b.Publish(ctx, event.New("user.created", "user", "u-1", nil))
	require.Error(t, err)

	var exhausted *ekerrors.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)

	records, lerr := deadLetters.List(ctx, dlq.ListFilter{})
	require.NoError(t, lerr)
	require.Len(t, records, 1)
	assert.Equal(t, "middleware", records[0].Handler)
}

type recordingMetrics struct {
	mu          sync.Mutex
	deadLetters []string
}

func (r *recordingMetrics) RecordPublish(context.Context, string, time.Duration, error) {}

func (r *recordingMetrics) RecordHandler(context.Context, string, string, time.Duration, error) {}

func (r *recordingMetrics) RecordDeadLetter(_ context.Context, eventType, severity string) {
	r.mu.Lock()
	r.deadLetters = append(r.deadLetters, eventType+"/"+severity)
	r.mu.Unlock()
}

func TestBus_DeadLetteringRecordsMetric(t *testing.T) {
	deadLetters := dlq.NewQueue(dlq.NewMemoryRepository(), dlq.Config{MaxRetries: 5})
	metrics := &recordingMetrics{}
	b := newBus(t, bus.Config{DeadLetters: deadLetters, Metrics: metrics})
	ctx := context.Background()

	b.Subscribe("payment.captured", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		return stderrors.New("database connection refused")
	}))
	require.NoError(t, b.Publish(ctx, event.New("payment.captured", "payment", "p-1", nil)))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Len(t, metrics.deadLetters, 1)
	assert.Equal(t, "payment.captured/critical", metrics.deadLetters[0])
}

func TestBus_ExhaustedPipelineRecordsDeadLetterMetric(t *testing.T) {
	deadLetters := dlq.NewQueue(dlq.NewMemoryRepository(), dlq.Config{MaxRetries: 5})
	metrics := &recordingMetrics{}
	p := middleware.NewPipeline()
	p.Register("order.placed", "flaky", func(ctx context.Context, evt event.Event, next middleware.Next) (event.Event, error) {
		return event.Event{}, stderrors.New("request timeout")
	}, middleware.WithRetry(ekerrors.RetryConfig{
		MaxRetries:      1,
		InitialBackoff:  time.Millisecond,
		RetryableErrors: []string{"timeout"},
	}))

	b := newBus(t, bus.Config{Pipeline: p, DeadLetters: deadLetters, Metrics: metrics})
	require.Error(t, b.Publish(context.Background(), event.New("order.placed", "order", "o-1", nil)))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Len(t, metrics.deadLetters, 1)
	assert.Equal(t, "order.placed/high", metrics.deadLetters[0])
}

func TestBus_DispatchOnlySkipsPersistence(t *testing.T) {
	s := store.NewMemoryStore()
	b := newBus(t, bus.Config{Store: s})
	ctx := context.Background()

	var calls atomic.Int32
	b.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		calls.Add(1)
		return nil
	}))

	evt := event.New("user.created", "user", "u-1", nil)
	require.NoError(t, b.Publish(ctx, evt, bus.WithDispatchOnly()))
	assert.Equal(t, int32(1), calls.Load())

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEvents)
}

func TestBus_ReplayEvents(t *testing.T) {
	s := store.NewMemoryStore()
	b := newBus(t, bus.Config{Store: s})
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		evt := event.New("order.updated", "order", "o-1", nil,
			event.WithVersion(int64(i)),
			event.WithOccurredAt(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, b.Publish(ctx, evt))
	}

	// Subscribe after the fact; replay re-dispatches history in order.
	var mu sync.Mutex
	var versions []int64
	b.Subscribe("order.updated", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		versions = append(versions, evt.Version)
		mu.Unlock()
		if evt.Version == 2 {
			return stderrors.New("handler hiccup")
		}
		return nil
	}))

	count, err := b.ReplayEvents(ctx, bus.ReplayOptions{Type: "order.updated", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	mu.Lock()
	defer mu.Unlock()
	// Replay continues past the failing event and preserves order.
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, versions)
}

func TestBus_ReplayFiltersByAggregate(t *testing.T) {
	s := store.NewMemoryStore()
	b := newBus(t, bus.Config{Store: s})
	ctx := context.Background()

	for _, aggregateID := range []string{"o-1", "o-2", "o-1"} {
		evt := event.New("order.updated", "order", aggregateID, nil,
			event.WithVersion(store.ExpectedAny))
		require.NoError(t, b.Publish(ctx, evt))
	}

	var calls atomic.Int32
	b.Subscribe("order.updated", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		calls.Add(1)
		return nil
	}))

	count, err := b.ReplayEvents(ctx, bus.ReplayOptions{Type: "order.updated", AggregateID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_Statistics(t *testing.T) {
	b := newBus(t, bus.Config{})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, event.New("user.created", "user", "u-1", nil)))
	require.NoError(t, b.Publish(ctx, event.New("user.created", "user", "u-2", nil)))

	stats, err := b.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.TotalStreams)
}
