package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the hub's periodic sweep: staleness transitions and eviction
// of closed or long-stale sessions.
type Timer struct {
	hub      *Hub
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer. The interval should be well under the
// staleness window; 5s against the default 30s window keeps transitions
// timely without hammering session locks.
func NewTimer(hub *Hub, logger *slog.Logger) *Timer {
	return &Timer{
		hub:      hub,
		interval: 5 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	t.interval = d
	return t
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep()
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in tracking sweep", "panic", fmt.Sprint(r))
		}
	}()
	stale, evicted := t.hub.Sweep()
	if stale > 0 || evicted > 0 {
		t.logger.Info("tracking sweep complete", "stale", stale, "evicted", evicted)
	}
}
