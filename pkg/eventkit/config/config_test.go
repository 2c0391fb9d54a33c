package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarceau/eventkit/pkg/eventkit/config"
)

func TestConfig_DottedPathLookup(t *testing.T) {
	c := config.New(map[string]any{
		"store": map[string]any{
			"driver": "sqlite",
			"path":   "/var/lib/events.db",
		},
		"verbose": true,
	})

	assert.True(t, c.Has("store.driver"))
	assert.True(t, c.Has("verbose"))
	assert.False(t, c.Has("store.missing"))
	assert.False(t, c.Has("store.driver.deeper"))
	assert.False(t, c.Has("nope"))

	assert.Equal(t, "sqlite", c.String("store.driver", "memory"))
	assert.Equal(t, "memory", c.String("store.missing", "memory"))
	assert.True(t, c.Bool("verbose", false))
}

func TestConfig_TypeCoercion(t *testing.T) {
	c := config.New(map[string]any{
		"retries":      3,
		"whole":        float64(8),
		"fractional":   2.5,
		"rate":         0.25,
		"interval":     "250ms",
		"window":       60,
		"bad_duration": "soon",
		"name":         "eventkit",
	})

	assert.Equal(t, 3, c.Int("retries", 0))
	assert.Equal(t, 8, c.Int("whole", 0))
	assert.Equal(t, 7, c.Int("fractional", 7))
	assert.Equal(t, 9, c.Int("name", 9))

	assert.InDelta(t, 0.25, c.Float("rate", 0), 0.0001)
	assert.InDelta(t, 3.0, c.Float("retries", 0), 0.0001)
	assert.InDelta(t, 1.5, c.Float("name", 1.5), 0.0001)

	assert.Equal(t, 250*time.Millisecond, c.Duration("interval", 0))
	// Bare numbers mean seconds.
	assert.Equal(t, time.Minute, c.Duration("window", 0))
	assert.Equal(t, time.Second, c.Duration("bad_duration", time.Second))
	assert.Equal(t, time.Second, c.Duration("missing", time.Second))
}

func TestConfig_NilMap(t *testing.T) {
	c := config.New(nil)
	assert.False(t, c.Has("anything"))
	assert.Equal(t, "fallback", c.String("anything", "fallback"))
	assert.NotNil(t, c.Raw())
}

func TestFromYAML(t *testing.T) {
	c, err := config.FromYAML([]byte(`
store:
  driver: sqlite
  path: events.db
dlq:
  max_retries: 5
  base_delay: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.String("store.driver", ""))
	assert.Equal(t, 5, c.Int("dlq.max_retries", 0))
	assert.Equal(t, 2*time.Second, c.Duration("dlq.base_delay", 0))

	_, err = config.FromYAML([]byte("store: [unbalanced"))
	assert.ErrorContains(t, err, "parse yaml")
}

func TestFromJSON(t *testing.T) {
	c, err := config.FromJSON([]byte(`{"bus": {"max_concurrency": 8}, "monitor": {"max_error_rate": 2.5}}`))
	require.NoError(t, err)
	assert.Equal(t, 8, c.Int("bus.max_concurrency", 0))
	assert.InDelta(t, 2.5, c.Float("monitor.max_error_rate", 0), 0.0001)

	_, err = config.FromJSON([]byte("{"))
	assert.ErrorContains(t, err, "parse json")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "eventkit.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("store:\n  driver: sqlite\n"), 0o644))
	c, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.String("store.driver", ""))

	jsonPath := filepath.Join(dir, "eventkit.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"store": {"driver": "memory"}}`), 0o644))
	c, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "memory", c.String("store.driver", ""))

	tomlPath := filepath.Join(dir, "eventkit.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[store]\ndriver = \"sqlite\"\n"), 0o644))
	_, err = config.FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestLoad_Defaults(t *testing.T) {
	s := config.Load(config.New(nil))

	assert.Equal(t, config.DriverMemory, s.Store.Driver)
	assert.Equal(t, "eventkit.db", s.Store.Path)
	assert.Equal(t, 16, s.Bus.MaxConcurrency)
	assert.Equal(t, 3, s.DLQ.MaxRetries)
	assert.Equal(t, 5*time.Second, s.DLQ.BaseDelay)
	assert.Equal(t, 5*time.Minute, s.DLQ.MaxDelay)
	assert.Equal(t, 7*24*time.Hour, s.DLQ.Retention)
	assert.Equal(t, 30*time.Second, s.Monitor.HealthInterval)
	assert.Equal(t, time.Hour, s.Monitor.DashboardWindow)
	assert.InDelta(t, 10.0, s.Monitor.MaxErrorRate, 0.0001)
	assert.Equal(t, 1000, s.Monitor.MaxQueueSize)
	assert.Equal(t, 500*time.Millisecond, s.Queue.PollInterval)
	assert.Equal(t, 4, s.Queue.Concurrency)
}

func TestLoad_Overrides(t *testing.T) {
	c, err := config.FromYAML([]byte(`
store:
  driver: sqlite
  path: /data/orders.db
bus:
  max_concurrency: 32
  default_timeout: 5s
dlq:
  max_retries: 1
monitor:
  max_error_rate: 2
  max_queue_size: 50
queue:
  poll_interval: 100ms
`))
	require.NoError(t, err)

	s := config.Load(c)
	assert.Equal(t, config.DriverSQLite, s.Store.Driver)
	assert.Equal(t, "/data/orders.db", s.Store.Path)
	assert.Equal(t, 32, s.Bus.MaxConcurrency)
	assert.Equal(t, 5*time.Second, s.Bus.DefaultTimeout)
	assert.Equal(t, 1, s.DLQ.MaxRetries)
	assert.InDelta(t, 2.0, s.Monitor.MaxErrorRate, 0.0001)
	assert.Equal(t, 50, s.Monitor.MaxQueueSize)
	assert.Equal(t, 100*time.Millisecond, s.Queue.PollInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dlq:\n  max_retries: 9\n"), 0o644))

	s, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, s.DLQ.MaxRetries)

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
