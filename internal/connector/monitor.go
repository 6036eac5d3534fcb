package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Monitor defaults.
const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultReconnectAfter  = 3
)

// EventSink receives connector state transitions.
type EventSink interface {
	EmitAsync(ctx context.Context, source, topic string, data map[string]any, intent string)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithReconnectAfter sets how many consecutive probe failures force a reconnect.
func WithReconnectAfter(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.reconnectAfter = n
		}
	}
}

// WithEventSink publishes connector.* events on transitions.
func WithEventSink(sink EventSink) MonitorOption {
	return func(m *Monitor) {
		m.sink = sink
	}
}

// Monitor periodically probes every registered connector. Its consecutive
// failure counter is independent of each connector's circuit.
type Monitor struct {
	registry       *Registry
	logger         *slog.Logger
	interval       time.Duration
	reconnectAfter int
	sink           EventSink

	mu       sync.Mutex
	failures map[string]int
}

// NewMonitor creates a monitor for the registry.
func NewMonitor(registry *Registry, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		registry:       registry,
		logger:         logger,
		interval:       DefaultMonitorInterval,
		reconnectAfter: DefaultReconnectAfter,
		failures:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started", "interval", m.interval, "reconnect_after", m.reconnectAfter)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.CheckAll(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckAll runs one probe round over every registered connector.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, c := range m.registry.All() {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, c)
	}
}

// Failures returns the monitor's consecutive failure count for a connector.
func (m *Monitor) Failures(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[name]
}

func (m *Monitor) check(ctx context.Context, c Connector) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("health probe panicked", "connector", c.Name(), "panic", fmt.Sprint(rec))
		}
	}()

	name := c.Name()
	wasHealthy := c.Healthy()
	healthy := c.CheckHealth(ctx)
	c.SetHealthy(healthy)
	globalMetrics().probe(name, healthy)

	switch {
	case healthy && !wasHealthy:
		m.setFailures(name, 0)
		c.Circuit().Reset()
		m.logger.Info("connector recovered", "connector", name)
		m.emit(ctx, "connector.recovered", name, nil)
	case healthy:
		m.setFailures(name, 0)
	default:
		if wasHealthy {
			m.logger.Warn("connector became unhealthy", "connector", name)
			m.emit(ctx, "connector.unhealthy", name, nil)
		}
		failures := m.incFailures(name)
		if failures >= m.reconnectAfter {
			m.reconnect(ctx, c, failures)
		}
	}
}

func (m *Monitor) reconnect(ctx context.Context, c Connector, failures int) {
	name := c.Name()
	m.logger.Info("forcing reconnect", "connector", name, "consecutive_failures", failures)

	err := c.Connect(ctx)
	globalMetrics().reconnect(name, err)
	if err != nil {
		m.logger.Warn("reconnect failed", "connector", name, "error", err)
		return
	}
	m.setFailures(name, 0)
	m.emit(ctx, "connector.reconnected", name, map[string]any{"after_failures": failures})
}

func (m *Monitor) emit(ctx context.Context, topic, name string, extra map[string]any) {
	if m.sink == nil {
		return
	}
	data := map[string]any{"name": name}
	for k, v := range extra {
		data[k] = v
	}
	m.sink.EmitAsync(ctx, "connector", topic, data, "")
}

func (m *Monitor) setFailures(name string, n int) {
	m.mu.Lock()
	m.failures[name] = n
	m.mu.Unlock()
}

func (m *Monitor) incFailures(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name]++
	return m.failures[name]
}
