package async_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarceau/eventkit/pkg/eventkit/async"
	"github.com/dmarceau/eventkit/pkg/eventkit/bus"
	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/queue"
)

// fakeBus records publishes and fails the first failures calls.
type fakeBus struct {
	mu        sync.Mutex
	published []event.Event
	failures  int
}

func (f *fakeBus) Publish(ctx context.Context, evt event.Event, opts ...bus.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return stderrors.New("bus unavailable")
	}
	f.published = append(f.published, evt)
	return nil
}

func (f *fakeBus) publishedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.published))
	for _, evt := range f.published {
		types = append(types, evt.Type)
	}
	return types
}

func newProcessor(t *testing.T, b *fakeBus, retryDelay time.Duration) (*async.Processor, *queue.MemoryQueue) {
	t.Helper()
	q := queue.NewMemoryQueue(queue.WithPollInterval(10 * time.Millisecond))
	p, err := async.New(async.Config{Bus: b, Queue: q, RetryDelay: retryDelay})
	require.NoError(t, err)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return p, q
}

func waitForJob(t *testing.T, p *async.Processor, id string, want queue.Status) queue.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := p.Job(id); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := p.Job(id)
	t.Fatalf("publish job %s never reached %s (last status %s)", id, want, job.Status)
	return queue.Job{}
}

func TestProcessor_NewValidatesConfig(t *testing.T) {
	q := queue.NewMemoryQueue()
	_, err := async.New(async.Config{Queue: q})
	assert.ErrorContains(t, err, "bus is required")

	_, err = async.New(async.Config{Bus: &fakeBus{}})
	assert.ErrorContains(t, err, "queue is required")
}

func TestProcessor_PublishAsync(t *testing.T) {
	b := &fakeBus{}
	p, _ := newProcessor(t, b, time.Millisecond)

	evt := event.New("user.created", "user", "u-1", nil)
	id, err := p.PublishAsync(context.Background(), evt, async.PublishOptions{})
	require.NoError(t, err)

	waitForJob(t, p, id, queue.StatusCompleted)
	require.Len(t, b.publishedTypes(), 1)

	b.mu.Lock()
	assert.Equal(t, evt.ID, b.published[0].ID)
	b.mu.Unlock()
}

func TestProcessor_FailedPublishRetries(t *testing.T) {
	b := &fakeBus{failures: 2}
	p, _ := newProcessor(t, b, time.Millisecond)

	id, err := p.PublishAsync(context.Background(),
		event.New("user.created", "user", "u-1", nil),
		async.PublishOptions{MaxRetries: 5})
	require.NoError(t, err)

	job := waitForJob(t, p, id, queue.StatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	assert.Len(t, b.publishedTypes(), 1)
}

func TestProcessor_ExhaustedPublishFails(t *testing.T) {
	b := &fakeBus{failures: 100}
	p, _ := newProcessor(t, b, time.Millisecond)

	id, err := p.PublishAsync(context.Background(),
		event.New("user.created", "user", "u-1", nil),
		async.PublishOptions{MaxRetries: 2})
	require.NoError(t, err)

	job := waitForJob(t, p, id, queue.StatusFailed)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.LastError, "bus unavailable")

	stats := p.Stats()
	assert.Equal(t, 1, stats.Failed)
}

func TestProcessor_BatchAtomicEnqueuesOneJob(t *testing.T) {
	b := &fakeBus{}
	p, _ := newProcessor(t, b, time.Millisecond)

	events := []event.Event{
		event.New("order.placed", "order", "o-1", nil),
		event.New("order.placed", "order", "o-2", nil),
		event.New("order.placed", "order", "o-3", nil),
	}
	ids, err := p.PublishBatchAsync(context.Background(), events, async.BatchAtomic, async.PublishOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	waitForJob(t, p, ids[0], queue.StatusCompleted)
	assert.Len(t, b.publishedTypes(), 3)
}

func TestProcessor_BatchPerEventEnqueuesOneJobEach(t *testing.T) {
	b := &fakeBus{}
	p, _ := newProcessor(t, b, time.Millisecond)

	events := []event.Event{
		event.New("order.placed", "order", "o-1", nil),
		event.New("order.placed", "order", "o-2", nil),
	}
	ids, err := p.PublishBatchAsync(context.Background(), events, async.BatchPerEvent, async.PublishOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		waitForJob(t, p, id, queue.StatusCompleted)
	}
	assert.Len(t, b.publishedTypes(), 2)
}

func TestProcessor_EmptyBatchErrors(t *testing.T) {
	b := &fakeBus{}
	p, _ := newProcessor(t, b, time.Millisecond)

	_, err := p.PublishBatchAsync(context.Background(), nil, async.BatchAtomic, async.PublishOptions{})
	assert.ErrorContains(t, err, "empty batch")
}

func TestProcessor_ScheduleEvent(t *testing.T) {
	b := &fakeBus{}
	p, _ := newProcessor(t, b, time.Millisecond)

	id, err := p.ScheduleEvent(context.Background(),
		event.New("reminder.due", "reminder", "r-1", nil),
		time.Now().Add(80*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, b.publishedTypes())

	waitForJob(t, p, id, queue.StatusCompleted)
	assert.Equal(t, []string{"reminder.due"}, b.publishedTypes())
}

func TestProcessor_CancelPendingJob(t *testing.T) {
	b := &fakeBus{}
	p, _ := newProcessor(t, b, time.Millisecond)

	id, err := p.PublishAsync(context.Background(),
		event.New("user.created", "user", "u-1", nil),
		async.PublishOptions{Delay: time.Hour})
	require.NoError(t, err)

	assert.True(t, p.Cancel(id))
	assert.False(t, p.Cancel(id))

	job, ok := p.Job(id)
	require.True(t, ok)
	assert.Equal(t, queue.StatusCancelled, job.Status)
	assert.Empty(t, b.publishedTypes())
}

func TestProcessor_RetryFailedJob(t *testing.T) {
	b := &fakeBus{failures: 1}
	p, _ := newProcessor(t, b, time.Millisecond)

	id, err := p.PublishAsync(context.Background(),
		event.New("user.created", "user", "u-1", nil),
		async.PublishOptions{MaxRetries: 1})
	require.NoError(t, err)
	waitForJob(t, p, id, queue.StatusFailed)

	assert.True(t, p.Retry(id))
	waitForJob(t, p, id, queue.StatusCompleted)
	assert.Len(t, b.publishedTypes(), 1)
}

func TestProcessor_HidesForeignJobTypes(t *testing.T) {
	b := &fakeBus{}
	q := queue.NewMemoryQueue()
	p, err := async.New(async.Config{Bus: b, Queue: q})
	require.NoError(t, err)

	require.NoError(t, q.RegisterProcessor("send-email", func(ctx context.Context, job queue.Job) error {
		return nil
	}, queue.ProcessorConfig{}))
	foreign, err := q.AddJob(context.Background(), "mail", "send-email", nil,
		queue.JobOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, ok := p.Job(foreign)
	assert.False(t, ok)
	assert.False(t, p.Cancel(foreign))
	assert.False(t, p.Retry(foreign))

	stats := p.Stats()
	assert.Zero(t, stats.Pending)
}
