package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProcessorConfig configures the retry poll loop.
type ProcessorConfig struct {
	// PollInterval is how often due retries are scanned.
	// Default: 10 seconds
	PollInterval time.Duration

	// CleanupInterval is how often retention cleanup runs.
	// Default: 1 hour
	CleanupInterval time.Duration

	// Logger enables structured logging. Optional.
	Logger *slog.Logger
}

// DefaultProcessorConfig provides reasonable defaults.
var DefaultProcessorConfig = ProcessorConfig{
	PollInterval:    10 * time.Second,
	CleanupInterval: time.Hour,
}

// Processor periodically drives ProcessRetries and Cleanup on a queue.
type Processor struct {
	queue *Queue
	cfg   ProcessorConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewProcessor creates a processor for the queue.
func NewProcessor(queue *Queue, cfg ProcessorConfig) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultProcessorConfig.PollInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultProcessorConfig.CleanupInterval
	}
	return &Processor{queue: queue, cfg: cfg}
}

// Start begins the poll loop. Calling Start on a running processor is a
// no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	go p.run(ctx, p.stopCh)
}

// Stop halts the poll loop.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

func (p *Processor) run(ctx context.Context, stop <-chan struct{}) {
	retryTicker := time.NewTicker(p.cfg.PollInterval)
	defer retryTicker.Stop()
	cleanupTicker := time.NewTicker(p.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-retryTicker.C:
			if _, err := p.queue.ProcessRetries(ctx); err != nil && p.cfg.Logger != nil {
				p.cfg.Logger.Error("dead letter retry scan failed",
					slog.String("error", err.Error()))
			}
		case <-cleanupTicker.C:
			if _, err := p.queue.Cleanup(ctx); err != nil && p.cfg.Logger != nil {
				p.cfg.Logger.Error("dead letter cleanup failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
