// Package monitor tracks per-event-type processing statistics, raises
// threshold alerts from a periodic health check, and serves aggregated
// dashboard views.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// Processing statuses recorded by the bus.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Thresholds configure when the health check raises alerts. Zero
// values disable the corresponding check.
type Thresholds struct {
	// MaxAvgProcessingTime alerts when the recent average latency for
	// an event type exceeds it.
	MaxAvgProcessingTime time.Duration

	// MaxErrorRate alerts when the recent failure percentage for an
	// event type exceeds it (0-100).
	MaxErrorRate float64

	// MinThroughput alerts when recent events per minute across all
	// types falls below it.
	MinThroughput float64

	// MaxQueueSize alerts when the reported queue depth exceeds it.
	MaxQueueSize int
}

// Config configures a Monitor.
type Config struct {
	// HealthInterval is how often the health check runs. Default 30s.
	HealthInterval time.Duration

	// HealthWindow is the recent-sample window the health check
	// evaluates. Default 5m.
	HealthWindow time.Duration

	// DashboardWindow bounds GetDashboardData aggregation. Default 1h.
	DashboardWindow time.Duration

	// Retention bounds how long samples and resolved alerts are kept.
	// Default 24h.
	Retention time.Duration

	// AlertCooldown suppresses duplicate alerts for the same
	// type/eventType key. Default 5m.
	AlertCooldown time.Duration

	Thresholds Thresholds

	// QueueDepth is polled on every health tick to refresh the depth
	// used by the queue_size check. Optional; SetQueueDepth can be
	// called directly instead.
	QueueDepth func() int

	// OnAlert is invoked for every raised alert.
	OnAlert func(Alert)

	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = 5 * time.Minute
	}
	if c.DashboardWindow <= 0 {
		c.DashboardWindow = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
}

// Sample is one recorded processing measurement.
type Sample struct {
	EventID         string
	EventType       string
	ProcessingTime  time.Duration
	Status          string
	HandlerCount    int
	MiddlewareCount int
	Timestamp       time.Time
}

// TypeStats is the rolling statistic for one event type.
type TypeStats struct {
	Total     int64
	Succeeded int64
	Failed    int64

	// AvgMillis is maintained incrementally over all samples for the
	// type.
	AvgMillis float64
	MinMillis float64
	MaxMillis float64
}

// SuccessRate returns the success percentage (0-100).
func (s TypeStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Monitor accumulates samples and runs the health check loop.
type Monitor struct {
	cfg Config

	mu        sync.RWMutex
	samples   []Sample
	stats     map[string]*TypeStats
	alerts    []Alert
	lastAlert map[string]time.Time
	queueSize int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a monitor. Call Start to begin health checking.
func New(cfg Config) *Monitor {
	cfg.normalize()
	return &Monitor{
		cfg:       cfg,
		stats:     make(map[string]*TypeStats),
		lastAlert: make(map[string]time.Time),
	}
}

// RecordEventMetrics appends a sample and folds it into the per-type
// rolling statistic. Implements the bus metrics sink.
func (m *Monitor) RecordEventMetrics(evt event.Event, processingTime time.Duration, status string, handlerCount, middlewareCount int) {
	sample := Sample{
		EventID:         evt.ID,
		EventType:       evt.Type,
		ProcessingTime:  processingTime,
		Status:          status,
		HandlerCount:    handlerCount,
		MiddlewareCount: middlewareCount,
		Timestamp:       time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample)

	st, ok := m.stats[evt.Type]
	if !ok {
		st = &TypeStats{}
		m.stats[evt.Type] = st
	}

	millis := float64(processingTime.Microseconds()) / 1000
	oldTotal := st.Total
	st.Total++
	st.AvgMillis = (st.AvgMillis*float64(oldTotal) + millis) / float64(st.Total)
	if oldTotal == 0 || millis < st.MinMillis {
		st.MinMillis = millis
	}
	if millis > st.MaxMillis {
		st.MaxMillis = millis
	}
	if status == StatusSuccess {
		st.Succeeded++
	} else {
		st.Failed++
	}
}

// SetQueueDepth reports the current async queue depth for the
// queue_size health check.
func (m *Monitor) SetQueueDepth(n int) {
	m.mu.Lock()
	m.queueSize = n
	m.mu.Unlock()
}

// EventTypeStats returns a snapshot of the rolling statistic for one
// event type.
func (m *Monitor) EventTypeStats(eventType string) (TypeStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stats[eventType]
	if !ok {
		return TypeStats{}, false
	}
	return *st, true
}

// Start launches the health check and retention loops. Calling Start on
// a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx, m.stopCh, m.doneCh)
}

// Stop terminates the background loops. Safe to call on a monitor that
// was never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()
	cleanup := time.NewTicker(m.cfg.Retention / 4)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-health.C:
			if m.cfg.QueueDepth != nil {
				m.SetQueueDepth(m.cfg.QueueDepth())
			}
			m.checkHealth()
		case <-cleanup.C:
			m.Cleanup()
		}
	}
}

// checkHealth evaluates recent samples against the configured
// thresholds and raises alerts.
func (m *Monitor) checkHealth() {
	cutoff := time.Now().Add(-m.cfg.HealthWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	type window struct {
		total  int
		failed int
		millis float64
	}
	perType := make(map[string]*window)
	recentTotal := 0
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		recentTotal++
		w, ok := perType[s.EventType]
		if !ok {
			w = &window{}
			perType[s.EventType] = w
		}
		w.total++
		if s.Status != StatusSuccess {
			w.failed++
		}
		w.millis += float64(s.ProcessingTime.Microseconds()) / 1000
	}

	for eventType, w := range perType {
		if m.cfg.Thresholds.MaxErrorRate > 0 {
			rate := float64(w.failed) / float64(w.total) * 100
			if rate > m.cfg.Thresholds.MaxErrorRate {
				m.raiseLocked(AlertErrorRate, eventType, SeverityHigh, rate, m.cfg.Thresholds.MaxErrorRate)
			}
		}
		if m.cfg.Thresholds.MaxAvgProcessingTime > 0 {
			avg := w.millis / float64(w.total)
			limit := float64(m.cfg.Thresholds.MaxAvgProcessingTime.Microseconds()) / 1000
			if avg > limit {
				m.raiseLocked(AlertProcessingTime, eventType, SeverityMedium, avg, limit)
			}
		}
	}

	if m.cfg.Thresholds.MinThroughput > 0 {
		perMinute := float64(recentTotal) / m.cfg.HealthWindow.Minutes()
		if perMinute < m.cfg.Thresholds.MinThroughput {
			m.raiseLocked(AlertThroughput, "all", SeverityLow, perMinute, m.cfg.Thresholds.MinThroughput)
		}
	}
	if m.cfg.Thresholds.MaxQueueSize > 0 && m.queueSize > m.cfg.Thresholds.MaxQueueSize {
		m.raiseLocked(AlertQueueSize, "all", SeverityCritical, float64(m.queueSize), float64(m.cfg.Thresholds.MaxQueueSize))
	}
}

// raiseLocked records an alert unless its key is still cooling down.
// Caller holds m.mu.
func (m *Monitor) raiseLocked(alertType AlertType, eventType string, severity Severity, value, threshold float64) {
	key := string(alertType) + "_" + eventType
	now := time.Now().UTC()
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return
	}
	m.lastAlert[key] = now

	alert := Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		EventType: eventType,
		Severity:  severity,
		Message:   alertMessage(alertType, eventType, value, threshold),
		Value:     value,
		Threshold: threshold,
		CreatedAt: now,
	}
	m.alerts = append(m.alerts, alert)

	if m.cfg.Logger != nil {
		m.cfg.Logger.Warn("alert raised",
			slog.String("alert_type", string(alertType)),
			slog.String("event_type", eventType),
			slog.String("severity", string(severity)),
			slog.Float64("value", value),
			slog.Float64("threshold", threshold),
		)
	}
	if m.cfg.OnAlert != nil {
		go m.cfg.OnAlert(alert)
	}
}

// Cleanup evicts samples past retention and resolved alerts past
// retention.
func (m *Monitor) Cleanup() {
	cutoff := time.Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept

	alerts := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Resolved && a.ResolvedAt.Before(cutoff) {
			continue
		}
		alerts = append(alerts, a)
	}
	m.alerts = alerts
}
