package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically evicts silent workers and audits the
// coordinator's consistency rules
type HealthMonitor struct {
	coordinator *Coordinator
	interval    time.Duration
	timeout     time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// HealthStatus represents the health of the worker pool as seen by the coordinator
type HealthStatus struct {
	TotalWorkers int       `json:"totalWorkers"`
	IdleWorkers  int       `json:"idleWorkers"`
	BusyWorkers  int       `json:"busyWorkers"`
	QueueDepth   int       `json:"queueDepth"`
	Consistent   bool      `json:"consistent"`
	Healthy      bool      `json:"healthy"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor. A zero timeout disables
// eviction; the consistency audit still runs every interval.
func NewHealthMonitor(c *Coordinator, interval, timeout time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		coordinator: c,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
	}
}

// Start starts the monitor loop
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.interval <= 0 {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run(h.stopCh, h.doneCh)
}

// Stop stops the monitor loop and waits for it to exit
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.doneCh
	h.mu.Unlock()

	<-done
}

func (h *HealthMonitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.check()
		}
	}
}

// check evicts stale workers and logs the pool status
func (h *HealthMonitor) check() {
	if evicted := h.coordinator.SweepStale(context.Background(), h.timeout); evicted > 0 {
		h.logger.Info("stale workers evicted", zap.Int("count", evicted))
	}

	status := h.GetStatus()
	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("queued", status.QueueDepth))

	if status.TotalWorkers > 0 && status.IdleWorkers == 0 && status.QueueDepth > 0 {
		h.logger.Warn("all workers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers),
			zap.Int("queued", status.QueueDepth))
	}
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	stats := h.coordinator.Stats()

	consistent := true
	if err := h.coordinator.CheckInvariants(); err != nil {
		consistent = false
		h.logger.Error("coordinator state inconsistent", zap.Error(err))
	}

	return &HealthStatus{
		TotalWorkers: stats.IdleWorkers + stats.BusyWorkers,
		IdleWorkers:  stats.IdleWorkers,
		BusyWorkers:  stats.BusyWorkers,
		QueueDepth:   stats.QueueDepth,
		Consistent:   consistent,
		Healthy:      consistent,
		Timestamp:    time.Now(),
	}
}
