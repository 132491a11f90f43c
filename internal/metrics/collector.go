package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// SandboxStats is the part of the capture store the collector reports.
type SandboxStats struct {
	Total     int64
	TotalSize int64
}

// SandboxStatsProvider reports capture store totals
type SandboxStatsProvider interface {
	Totals(ctx context.Context) (SandboxStats, error)
}

// Collector refreshes gauges that have no natural event to hang off:
// uptime, goroutine count and sandbox store totals.
type Collector struct {
	metrics  *Metrics
	sandbox  SandboxStatsProvider
	interval time.Duration
	logger   *slog.Logger
	started  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCollector creates a collector. sandbox may be nil.
func NewCollector(m *Metrics, sandbox SandboxStatsProvider, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		metrics:  m,
		sandbox:  sandbox,
		interval: interval,
		logger:   logger,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start updates the gauges once and then on every tick until Stop.
func (c *Collector) Start() {
	c.update()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.update()
			}
		}
	}()
}

// Stop is safe to call more than once
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) update() {
	c.metrics.UptimeSeconds.Set(time.Since(c.started).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.sandbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()
	stats, err := c.sandbox.Totals(ctx)
	if err != nil {
		c.logger.Warn("failed to read sandbox stats", "error", err)
		return
	}
	c.metrics.SandboxMessages.Set(float64(stats.Total))
	c.metrics.SandboxSizeBytes.Set(float64(stats.TotalSize))
}
