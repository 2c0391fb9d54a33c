package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
	"github.com/dmarceau/eventkit/pkg/eventkit/monitor"
)

func record(m *monitor.Monitor, eventType string, d time.Duration, status string) {
	evt := event.New(eventType, "agg", "a-1", nil)
	m.RecordEventMetrics(evt, d, status, 1, 0)
}

func TestMonitor_RollingAverage(t *testing.T) {
	m := monitor.New(monitor.Config{})

	record(m, "user.created", 10*time.Millisecond, monitor.StatusSuccess)
	record(m, "user.created", 20*time.Millisecond, monitor.StatusSuccess)
	record(m, "user.created", 60*time.Millisecond, monitor.StatusFailed)

	st, ok := m.EventTypeStats("user.created")
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(2), st.Succeeded)
	assert.Equal(t, int64(1), st.Failed)
	assert.InDelta(t, 30.0, st.AvgMillis, 0.001)
	assert.InDelta(t, 10.0, st.MinMillis, 0.001)
	assert.InDelta(t, 60.0, st.MaxMillis, 0.001)
	assert.InDelta(t, 66.666, st.SuccessRate(), 0.01)

	_, ok = m.EventTypeStats("never.seen")
	assert.False(t, ok)
}

func TestMonitor_DashboardAggregation(t *testing.T) {
	m := monitor.New(monitor.Config{DashboardWindow: time.Hour})

	for i := 0; i < 10; i++ {
		record(m, "order.placed", 5*time.Millisecond, monitor.StatusSuccess)
	}
	record(m, "order.cancelled", 5*time.Millisecond, monitor.StatusFailed)
	record(m, "order.cancelled", 5*time.Millisecond, monitor.StatusFailed)

	data := m.GetDashboardData()
	assert.Equal(t, 12, data.TotalEvents)
	assert.InDelta(t, 83.33, data.SuccessRate, 0.01)
	assert.InDelta(t, 12.0/60.0, data.Throughput, 0.001)
	assert.InDelta(t, 5.0, data.AvgMillis, 0.001)

	require.Len(t, data.TopEventTypes, 2)
	assert.Equal(t, "order.placed", data.TopEventTypes[0].EventType)
	assert.Equal(t, 10, data.TopEventTypes[0].Count)
	assert.Equal(t, "order.cancelled", data.TopEventTypes[1].EventType)
}

func TestMonitor_DashboardTopTypesCappedAtFive(t *testing.T) {
	m := monitor.New(monitor.Config{})

	for _, eventType := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		record(m, eventType, time.Millisecond, monitor.StatusSuccess)
	}

	data := m.GetDashboardData()
	assert.Equal(t, 7, data.TotalEvents)
	require.Len(t, data.TopEventTypes, 5)
	// Equal counts fall back to name order.
	assert.Equal(t, "a", data.TopEventTypes[0].EventType)
	assert.Equal(t, "e", data.TopEventTypes[4].EventType)
}

func TestMonitor_ErrorRateAlert(t *testing.T) {
	alerts := make(chan monitor.Alert, 8)
	m := monitor.New(monitor.Config{
		HealthInterval: 10 * time.Millisecond,
		AlertCooldown:  time.Hour,
		Thresholds:     monitor.Thresholds{MaxErrorRate: 25},
		OnAlert:        func(a monitor.Alert) { alerts <- a },
	})

	record(m, "payment.captured", time.Millisecond, monitor.StatusSuccess)
	record(m, "payment.captured", time.Millisecond, monitor.StatusFailed)

	m.Start(context.Background())
	defer m.Stop()

	select {
	case a := <-alerts:
		assert.Equal(t, monitor.AlertErrorRate, a.Type)
		assert.Equal(t, "payment.captured", a.EventType)
		assert.Equal(t, monitor.SeverityHigh, a.Severity)
		assert.InDelta(t, 50.0, a.Value, 0.001)
		assert.InDelta(t, 25.0, a.Threshold, 0.001)
		assert.Contains(t, a.Message, "error rate")
	case <-time.After(2 * time.Second):
		t.Fatal("no alert raised")
	}

	// Cooldown suppresses the duplicate on subsequent checks.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, m.ActiveAlerts(), 1)
}

func TestMonitor_ProcessingTimeAlert(t *testing.T) {
	alerts := make(chan monitor.Alert, 8)
	m := monitor.New(monitor.Config{
		HealthInterval: 10 * time.Millisecond,
		AlertCooldown:  time.Hour,
		Thresholds:     monitor.Thresholds{MaxAvgProcessingTime: 10 * time.Millisecond},
		OnAlert:        func(a monitor.Alert) { alerts <- a },
	})

	record(m, "report.generated", 40*time.Millisecond, monitor.StatusSuccess)

	m.Start(context.Background())
	defer m.Stop()

	select {
	case a := <-alerts:
		assert.Equal(t, monitor.AlertProcessingTime, a.Type)
		assert.Equal(t, monitor.SeverityMedium, a.Severity)
		assert.InDelta(t, 40.0, a.Value, 0.5)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert raised")
	}
}

func TestMonitor_QueueSizeAlert(t *testing.T) {
	alerts := make(chan monitor.Alert, 8)
	m := monitor.New(monitor.Config{
		HealthInterval: 10 * time.Millisecond,
		AlertCooldown:  time.Hour,
		Thresholds:     monitor.Thresholds{MaxQueueSize: 100},
		OnAlert:        func(a monitor.Alert) { alerts <- a },
	})

	m.SetQueueDepth(250)
	m.Start(context.Background())
	defer m.Stop()

	select {
	case a := <-alerts:
		assert.Equal(t, monitor.AlertQueueSize, a.Type)
		assert.Equal(t, monitor.SeverityCritical, a.Severity)
		assert.InDelta(t, 250.0, a.Value, 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert raised")
	}
}

func TestMonitor_QueueDepthCallbackFeedsCheck(t *testing.T) {
	alerts := make(chan monitor.Alert, 8)
	m := monitor.New(monitor.Config{
		HealthInterval: 10 * time.Millisecond,
		AlertCooldown:  time.Hour,
		Thresholds:     monitor.Thresholds{MaxQueueSize: 100},
		QueueDepth:     func() int { return 250 },
		OnAlert:        func(a monitor.Alert) { alerts <- a },
	})

	m.Start(context.Background())
	defer m.Stop()

	select {
	case a := <-alerts:
		assert.Equal(t, monitor.AlertQueueSize, a.Type)
		assert.InDelta(t, 250.0, a.Value, 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert raised")
	}
}

func TestMonitor_ThroughputAlertCoversAllTypes(t *testing.T) {
	alerts := make(chan monitor.Alert, 8)
	m := monitor.New(monitor.Config{
		HealthInterval: 10 * time.Millisecond,
		HealthWindow:   time.Minute,
		AlertCooldown:  time.Hour,
		Thresholds:     monitor.Thresholds{MinThroughput: 100},
		OnAlert:        func(a monitor.Alert) { alerts <- a },
	})

	record(m, "user.created", time.Millisecond, monitor.StatusSuccess)

	m.Start(context.Background())
	defer m.Stop()

	select {
	case a := <-alerts:
		assert.Equal(t, monitor.AlertThroughput, a.Type)
		assert.Equal(t, "all", a.EventType)
		assert.Equal(t, monitor.SeverityLow, a.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert raised")
	}
}

func TestMonitor_ResolveAlert(t *testing.T) {
	alerts := make(chan monitor.Alert, 1)
	m := monitor.New(monitor.Config{
		HealthInterval: 10 * time.Millisecond,
		AlertCooldown:  time.Hour,
		Thresholds:     monitor.Thresholds{MaxErrorRate: 10},
		OnAlert:        func(a monitor.Alert) { alerts <- a },
	})

	record(m, "user.created", time.Millisecond, monitor.StatusFailed)
	m.Start(context.Background())
	defer m.Stop()

	var raised monitor.Alert
	select {
	case raised = <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("no alert raised")
	}

	data := m.GetDashboardData()
	assert.Equal(t, 1, data.ActiveAlerts)

	assert.True(t, m.ResolveAlert(raised.ID))
	assert.False(t, m.ResolveAlert(raised.ID))
	assert.False(t, m.ResolveAlert("unknown"))
	assert.Empty(t, m.ActiveAlerts())
	assert.Equal(t, 0, m.GetDashboardData().ActiveAlerts)
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := monitor.New(monitor.Config{HealthInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestMonitor_StopWithoutStartReturns(t *testing.T) {
	m := monitor.New(monitor.Config{})

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a monitor that was never started")
	}
}
