package eventkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/async"
	"github.com/dmarceau/eventkit/pkg/eventkit/bus"
	"github.com/dmarceau/eventkit/pkg/eventkit/config"
	"github.com/dmarceau/eventkit/pkg/eventkit/dlq"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/middleware"
	"github.com/dmarceau/eventkit/pkg/eventkit/monitor"
	"github.com/dmarceau/eventkit/pkg/eventkit/observability"
	"github.com/dmarceau/eventkit/pkg/eventkit/queue"
	"github.com/dmarceau/eventkit/pkg/eventkit/router"
	"github.com/dmarceau/eventkit/pkg/eventkit/store"
)

// Engine assembles the full event processing stack from one Settings
// value: store, middleware pipeline, bus, dead letter queue, monitor,
// job queue, and async processor, all cross-wired.
type Engine struct {
	settings config.Settings
	logger   *slog.Logger

	store    store.Store
	pipeline *middleware.Pipeline
	bus      *bus.Bus
	deadLQ   *dlq.Queue
	dlqProc  *dlq.Processor
	monitor  *monitor.Monitor
	router   *router.Router
	jobs     *queue.MemoryQueue
	async    *async.Processor
}

// Option overrides Engine defaults.
type Option func(*engineOptions)

type engineOptions struct {
	logger  *slog.Logger
	store   store.Store
	repo    dlq.Repository
	onAlert func(monitor.Alert)
}

// WithLogger attaches a structured logger to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithStore overrides the store built from Settings.Store.
func WithStore(s store.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithDLQRepository overrides the dead letter repository. By default
// the repository follows the store driver.
func WithDLQRepository(r dlq.Repository) Option {
	return func(o *engineOptions) { o.repo = r }
}

// WithAlertFunc registers a callback for raised monitor alerts.
func WithAlertFunc(fn func(monitor.Alert)) Option {
	return func(o *engineOptions) { o.onAlert = fn }
}

// New builds an engine from settings. Call Start to launch the
// background loops and Close to tear everything down.
func New(settings config.Settings, opts ...Option) (*Engine, error) {
	var eo engineOptions
	for _, opt := range opts {
		opt(&eo)
	}

	e := &Engine{settings: settings, logger: eo.logger}

	var err error
	e.store = eo.store
	if e.store == nil {
		e.store, err = buildStore(settings.Store)
		if err != nil {
			return nil, err
		}
	}

	repo := eo.repo
	if repo == nil {
		repo, err = buildDLQRepository(settings.Store)
		if err != nil {
			e.store.Close()
			return nil, err
		}
	}

	e.pipeline = middleware.NewPipeline(middleware.WithLogger(e.logger))

	// The DLQ republishes through the bus without re-appending to the
	// stream; the stored envelope is already durable.
	e.deadLQ = dlq.NewQueue(repo, dlq.Config{
		MaxRetries: settings.DLQ.MaxRetries,
		BaseDelay:  settings.DLQ.BaseDelay,
		MaxDelay:   settings.DLQ.MaxDelay,
		Retention:  settings.DLQ.Retention,
		Publish: func(ctx context.Context, evt event.Event) error {
			return e.bus.Publish(ctx, evt, bus.WithDispatchOnly())
		},
		Logger: e.logger,
	})
	e.dlqProc = dlq.NewProcessor(e.deadLQ, dlq.ProcessorConfig{
		PollInterval: settings.DLQ.PollInterval,
		Logger:       e.logger,
	})

	e.monitor = monitor.New(monitor.Config{
		HealthInterval:  settings.Monitor.HealthInterval,
		DashboardWindow: settings.Monitor.DashboardWindow,
		AlertCooldown:   settings.Monitor.AlertCooldown,
		Thresholds: monitor.Thresholds{
			MaxErrorRate:         settings.Monitor.MaxErrorRate,
			MaxAvgProcessingTime: settings.Monitor.MaxAvgProcessingTime,
			MaxQueueSize:         settings.Monitor.MaxQueueSize,
		},
		// The job queue is built below; the closure reads it at health
		// tick time.
		QueueDepth: func() int { return e.jobs.GetQueueStats().Pending },
		OnAlert:    eo.onAlert,
		Logger:     e.logger,
	})

	e.bus = bus.New(bus.Config{
		Pipeline:       e.pipeline,
		Store:          e.store,
		DeadLetters:    e.deadLQ,
		Monitor:        e.monitor,
		Metrics:        observability.NewMetricsRecorder(),
		Logger:         e.logger,
		MaxConcurrency: settings.Bus.MaxConcurrency,
	})

	e.router = router.New(router.WithLogger(e.logger))

	e.jobs = queue.NewMemoryQueue(
		queue.WithPollInterval(settings.Queue.PollInterval),
		queue.WithLogger(e.logger),
	)
	e.async, err = async.New(async.Config{
		Bus:         e.bus,
		Queue:       e.jobs,
		Concurrency: settings.Queue.Concurrency,
		Logger:      e.logger,
	})
	if err != nil {
		e.store.Close()
		repo.Close()
		return nil, err
	}

	return e, nil
}

func buildStore(s config.StoreSettings) (store.Store, error) {
	switch s.Driver {
	case config.DriverMemory, "":
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		return store.NewSQLiteStore(s.Path)
	default:
		return nil, fmt.Errorf("eventkit: unknown store driver %q", s.Driver)
	}
}

func buildDLQRepository(s config.StoreSettings) (dlq.Repository, error) {
	switch s.Driver {
	case config.DriverMemory, "":
		return dlq.NewMemoryRepository(), nil
	case config.DriverSQLite:
		return dlq.NewSQLiteRepository(s.Path + ".dlq")
	default:
		return nil, fmt.Errorf("eventkit: unknown store driver %q", s.Driver)
	}
}

// Start launches the DLQ retry processor, the monitor health loop, and
// the job queue poller.
func (e *Engine) Start(ctx context.Context) {
	e.dlqProc.Start(ctx)
	e.monitor.Start(ctx)
	e.jobs.Start(ctx)
}

// Close stops background loops and releases storage.
func (e *Engine) Close() error {
	e.jobs.Stop()
	e.monitor.Stop()
	e.dlqProc.Stop()

	err := e.store.Close()
	if cerr := e.deadLQ.Close(); err == nil {
		err = cerr
	}
	return err
}

// Publish sends an event through the pipeline, store, and subscribers.
func (e *Engine) Publish(ctx context.Context, evt event.Event, opts ...bus.PublishOption) error {
	return e.bus.Publish(ctx, evt, opts...)
}

// Subscribe registers a handler on the bus.
func (e *Engine) Subscribe(eventType string, h event.Handler, opts ...bus.SubscribeOption) string {
	return e.bus.Subscribe(eventType, h, opts...)
}

// PublishAsync enqueues a background publish job.
func (e *Engine) PublishAsync(ctx context.Context, evt event.Event, opts async.PublishOptions) (string, error) {
	return e.async.PublishAsync(ctx, evt, opts)
}

// ScheduleEvent publishes an event at a fixed future time.
func (e *Engine) ScheduleEvent(ctx context.Context, evt event.Event, at time.Time) (string, error) {
	return e.async.ScheduleEvent(ctx, evt, at)
}

// Component accessors.

func (e *Engine) Bus() *bus.Bus { return e.bus }

func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) Pipeline() *middleware.Pipeline { return e.pipeline }

func (e *Engine) DeadLetters() *dlq.Queue { return e.deadLQ }

func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

func (e *Engine) Router() *router.Router { return e.router }

func (e *Engine) Jobs() queue.Queue { return e.jobs }

func (e *Engine) Async() *async.Processor { return e.async }
