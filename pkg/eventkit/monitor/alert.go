package monitor

import (
	"fmt"
	"sort"
	"time"
)

// AlertType identifies what a health check alert measures.
type AlertType string

const (
	AlertProcessingTime AlertType = "processing_time"
	AlertErrorRate      AlertType = "error_rate"
	AlertThroughput     AlertType = "throughput"
	AlertQueueSize      AlertType = "queue_size"
)

// Severity ranks alert urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one raised threshold violation.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	EventType string    `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`

	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

func alertMessage(t AlertType, eventType string, value, threshold float64) string {
	switch t {
	case AlertProcessingTime:
		return fmt.Sprintf("average processing time %.2fms exceeds %.2fms for %s", value, threshold, eventType)
	case AlertErrorRate:
		return fmt.Sprintf("error rate %.2f%% exceeds %.2f%% for %s", value, threshold, eventType)
	case AlertThroughput:
		return fmt.Sprintf("throughput %.2f events/min below %.2f", value, threshold)
	case AlertQueueSize:
		return fmt.Sprintf("queue depth %.0f exceeds %.0f", value, threshold)
	default:
		return fmt.Sprintf("%s threshold exceeded: %.2f > %.2f", t, value, threshold)
	}
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ResolveAlert marks an alert resolved. Returns false if the id is
// unknown or already resolved.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == id && !m.alerts[i].Resolved {
			m.alerts[i].Resolved = true
			m.alerts[i].ResolvedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// TypeCount pairs an event type with its recent event count.
type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

// DashboardData is an aggregated view over the dashboard window.
type DashboardData struct {
	WindowStart   time.Time   `json:"window_start"`
	TotalEvents   int         `json:"total_events"`
	SuccessRate   float64     `json:"success_rate"`
	Throughput    float64     `json:"throughput_per_minute"`
	AvgMillis     float64     `json:"avg_processing_ms"`
	ActiveAlerts  int         `json:"active_alerts"`
	TopEventTypes []TypeCount `json:"top_event_types"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// GetDashboardData aggregates samples inside the dashboard window.
func (m *Monitor) GetDashboardData() DashboardData {
	now := time.Now().UTC()
	cutoff := now.Add(-m.cfg.DashboardWindow)

	m.mu.RLock()
	defer m.mu.RUnlock()

	data := DashboardData{
		WindowStart: cutoff,
		GeneratedAt: now,
	}

	counts := make(map[string]int)
	succeeded := 0
	totalMillis := 0.0
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		data.TotalEvents++
		counts[s.EventType]++
		if s.Status == StatusSuccess {
			succeeded++
		}
		totalMillis += float64(s.ProcessingTime.Microseconds()) / 1000
	}

	if data.TotalEvents > 0 {
		data.SuccessRate = float64(succeeded) / float64(data.TotalEvents) * 100
		data.AvgMillis = totalMillis / float64(data.TotalEvents)
		data.Throughput = float64(data.TotalEvents) / m.cfg.DashboardWindow.Minutes()
	}

	for eventType, n := range counts {
		data.TopEventTypes = append(data.TopEventTypes, TypeCount{EventType: eventType, Count: n})
	}
	sort.Slice(data.TopEventTypes, func(i, j int) bool {
		if data.TopEventTypes[i].Count != data.TopEventTypes[j].Count {
			return data.TopEventTypes[i].Count > data.TopEventTypes[j].Count
		}
		return data.TopEventTypes[i].EventType < data.TopEventTypes[j].EventType
	})
	if len(data.TopEventTypes) > 5 {
		data.TopEventTypes = data.TopEventTypes[:5]
	}

	for _, a := range m.alerts {
		if !a.Resolved {
			data.ActiveAlerts++
		}
	}
	return data
}
