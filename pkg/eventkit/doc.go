/*
Package eventkit provides a domain event processing engine: a durable
event store with optimistic concurrency, a middleware pipeline, a
concurrent publish/subscribe bus, strategy-based routing, a dead letter
queue, monitoring, and asynchronous publishing over a job queue.

# Overview

Events are immutable facts about an aggregate. Publishing an event runs
it through the middleware pipeline, appends it to the aggregate's stream
in the store (rejecting concurrent writers via expected-version checks),
and dispatches it to every matching subscription concurrently. Handler
failures are isolated: one failing subscriber never cancels its siblings
or the publisher, and exhausted failures land in the dead letter queue
for later retry.

# Basic Usage

Assemble an engine from settings, subscribe, and publish:

	settings := config.Load(config.New(nil)) // all defaults, memory store

	engine, err := eventkit.New(settings)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	ctx := context.Background()
	engine.Start(ctx)

	engine.Subscribe("user.created", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		fmt.Println("welcome,", evt.AggregateID)
		return nil
	}))

	evt := event.New("user.created", "user", "user-1", map[string]any{"email": "a@b.c"})
	if err := engine.Publish(ctx, evt); err != nil {
		log.Fatal(err)
	}

# Optimistic Concurrency

Every event carries the version its writer expects the stream to be at.
A mismatch fails the publish with a version conflict:

	evt := event.New("order.shipped", "order", "order-7", payload,
		event.WithVersion(3))
	err := engine.Publish(ctx, evt)
	var conflict *store.VersionConflictError
	if errors.As(err, &conflict) {
		// reload the stream and retry at the current version
	}

Pass store.ExpectedAny as the version to append unconditionally.

# Middleware

Pipeline stages run in registration order. Each stage receives the event
and a continuation; skipping the continuation short-circuits the chain:

	engine.Pipeline().Register("order.placed", "enrich",
		func(ctx context.Context, evt event.Event, next middleware.Next) (event.Event, error) {
			evt.Metadata["region"] = "eu-west"
			return next(ctx, evt)
		})

Stages accept optional filters and retry policies; exhausting a stage's
retries dead-letters the event.

# Dead Letters

Failed events are classified by severity from their error message and
retried on an exponential backoff schedule. Terminal records stay
available for inspection:

	records, _ := engine.DeadLetters().List(ctx, dlq.ListFilter{
		Status: dlq.StatusExhausted,
	})

# Async Publishing

Publishing can be deferred onto the background job queue:

	jobID, _ := engine.PublishAsync(ctx, evt, async.PublishOptions{
		Delay:      time.Minute,
		MaxRetries: 5,
	})

	engine.ScheduleEvent(ctx, reminder, time.Now().Add(24*time.Hour))

# Observability

Structured logs carry event_id, event_type, and stream_id fields.
OpenTelemetry metrics: eventkit.publish.count, eventkit.publish.latency_ms,
eventkit.handler.executions, eventkit.deadletter.count, etc.
OpenTelemetry tracing: eventkit.publish > eventkit.handler.{name} spans.

# Thread Safety

  - Engine, Bus, Pipeline, Router, and the queues are safe for
    concurrent use.
  - Event values are copied on publish; handlers must not retain
    references to mutable payloads they did not create.

# Subpackages

  - event: event model, filters, handler contracts
  - store: event streams (memory, SQLite)
  - middleware: the processing pipeline
  - bus: publish/subscribe dispatch
  - router: strategy-based routing
  - dlq: dead letter queue and retry processor
  - monitor: rolling statistics, health checks, alerting
  - queue: generic background job queue
  - async: asynchronous publishing on top of queue
  - config: settings loading (YAML, JSON)
  - observability: logging, metrics, and tracing helpers
*/
package eventkit
