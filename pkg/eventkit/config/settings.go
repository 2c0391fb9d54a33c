package config

import "time"

// Store drivers accepted by Settings.Store.Driver.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// StoreSettings select and tune the event store backend.
type StoreSettings struct {
	Driver string
	Path   string
}

// BusSettings tune publish dispatch.
type BusSettings struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
}

// DLQSettings tune the dead letter queue.
type DLQSettings struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Retention    time.Duration
	PollInterval time.Duration
}

// MonitorSettings tune health checking and alerting.
type MonitorSettings struct {
	HealthInterval       time.Duration
	DashboardWindow      time.Duration
	AlertCooldown        time.Duration
	MaxErrorRate         float64
	MaxAvgProcessingTime time.Duration
	MaxQueueSize         int
}

// QueueSettings tune the background job queue.
type QueueSettings struct {
	PollInterval time.Duration
	Concurrency  int
}

// Settings is the typed engine configuration.
type Settings struct {
	Store   StoreSettings
	Bus     BusSettings
	DLQ     DLQSettings
	Monitor MonitorSettings
	Queue   QueueSettings
}

// Load projects a Config onto Settings, filling defaults for missing
// keys.
func Load(c Config) Settings {
	return Settings{
		Store: StoreSettings{
			Driver: c.String("store.driver", DriverMemory),
			Path:   c.String("store.path", "eventkit.db"),
		},
		Bus: BusSettings{
			MaxConcurrency: c.Int("bus.max_concurrency", 16),
			DefaultTimeout: c.Duration("bus.default_timeout", 0),
		},
		DLQ: DLQSettings{
			MaxRetries:   c.Int("dlq.max_retries", 3),
			BaseDelay:    c.Duration("dlq.base_delay", 5*time.Second),
			MaxDelay:     c.Duration("dlq.max_delay", 5*time.Minute),
			Retention:    c.Duration("dlq.retention", 7*24*time.Hour),
			PollInterval: c.Duration("dlq.poll_interval", 10*time.Second),
		},
		Monitor: MonitorSettings{
			HealthInterval:       c.Duration("monitor.health_interval", 30*time.Second),
			DashboardWindow:      c.Duration("monitor.dashboard_window", time.Hour),
			AlertCooldown:        c.Duration("monitor.alert_cooldown", 5*time.Minute),
			MaxErrorRate:         c.Float("monitor.max_error_rate", 10),
			MaxAvgProcessingTime: c.Duration("monitor.max_avg_processing_time", time.Second),
			MaxQueueSize:         c.Int("monitor.max_queue_size", 1000),
		},
		Queue: QueueSettings{
			PollInterval: c.Duration("queue.poll_interval", 500*time.Millisecond),
			Concurrency:  c.Int("queue.concurrency", 4),
		},
	}
}

// LoadFile reads a settings file and projects it onto Settings.
func LoadFile(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Load(c), nil
}
