package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// IdleMonitor triggers shutdown after a period without inbound requests.
type IdleMonitor struct {
	timeout  time.Duration
	interval time.Duration
	onIdle   func()
	busy     func() bool
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
	once sync.Once
}

// IdleOption configures an IdleMonitor.
type IdleOption func(*IdleMonitor)

// WithCheckInterval overrides how often idleness is checked.
func WithCheckInterval(d time.Duration) IdleOption {
	return func(m *IdleMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBusy installs a probe that keeps the daemon alive while it reports
// true, e.g. while event stream clients are attached.
func WithBusy(busy func() bool) IdleOption {
	return func(m *IdleMonitor) { m.busy = busy }
}

// WithIdleLogger sets the logger.
func WithIdleLogger(logger *slog.Logger) IdleOption {
	return func(m *IdleMonitor) { m.logger = logger }
}

// WithIdleClock injects the time source.
func WithIdleClock(now func() time.Time) IdleOption {
	return func(m *IdleMonitor) { m.now = now }
}

// NewIdleMonitor calls onIdle once after timeout without activity. A zero
// timeout disables the monitor.
func NewIdleMonitor(timeout time.Duration, onIdle func(), opts ...IdleOption) *IdleMonitor {
	m := &IdleMonitor{
		timeout:  timeout,
		interval: defaultCheckInterval(timeout),
		onIdle:   onIdle,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.now()
	return m
}

func defaultCheckInterval(timeout time.Duration) time.Duration {
	interval := 30 * time.Second
	if half := timeout / 2; half > 0 && half < interval {
		interval = half
	}
	return interval
}

// Touch records activity.
func (m *IdleMonitor) Touch() {
	now := m.now()
	m.mu.Lock()
	m.last = now
	m.mu.Unlock()
}

// IdleFor returns the time since the last activity.
func (m *IdleMonitor) IdleFor() time.Duration {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	return m.now().Sub(last)
}

// Check fires onIdle when the timeout has elapsed and reports whether it
// did.
func (m *IdleMonitor) Check() bool {
	if m.timeout <= 0 {
		return false
	}
	if m.busy != nil && m.busy() {
		m.Touch()
		return false
	}
	idle := m.IdleFor()
	if idle < m.timeout {
		return false
	}
	fired := false
	m.once.Do(func() {
		fired = true
		m.logger.Info("idle timeout reached, shutting down", "idle", idle.Round(time.Second), "timeout", m.timeout)
		if m.onIdle != nil {
			m.onIdle()
		}
	})
	return fired
}

// Run checks periodically until ctx is done or the monitor fires.
func (m *IdleMonitor) Run(ctx context.Context) {
	if m.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Check() {
				return
			}
		}
	}
}
