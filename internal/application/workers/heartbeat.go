package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Heartbeat calls beat on a fixed interval until stopped
type Heartbeat struct {
	interval time.Duration
	beat     func(ctx context.Context) error
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeartbeat creates a new heartbeat. A non-positive interval disables it.
func NewHeartbeat(interval time.Duration, beat func(ctx context.Context) error, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		beat:     beat,
		logger:   logger,
	}
}

// Start starts the heartbeat loop
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.interval <= 0 {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run(ctx, h.stopCh, h.doneCh)
}

// Stop stops the heartbeat loop and waits for it to exit
func (h *Heartbeat) Stop() {
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

func (h *Heartbeat) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(ctx); err != nil {
				h.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
