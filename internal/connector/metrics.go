package connector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goatkit/goatbridge/internal/circuit"
)

type connectorMetrics struct {
	circuitState *prometheus.GaugeVec
	healthy      *prometheus.GaugeVec
	requests     *prometheus.CounterVec
	probes       *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
}

var (
	connectorMetricsOnce sync.Once
	connectorMetricsInst *connectorMetrics
)

func globalMetrics() *connectorMetrics {
	connectorMetricsOnce.Do(func() {
		connectorMetricsInst = newConnectorMetrics()
	})
	return connectorMetricsInst
}

func newConnectorMetrics() *connectorMetrics {
	return &connectorMetrics{
		circuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goatbridge",
			Subsystem: "connector",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per connector (0=closed, 1=open, 2=half_open)",
		}, []string{"connector"}),
		healthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goatbridge",
			Subsystem: "connector",
			Name:      "healthy",
			Help:      "Result of the latest health probe per connector",
		}, []string{"connector"}),
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goatbridge",
			Subsystem: "connector",
			Name:      "requests_total",
			Help:      "Outbound requests labeled by connector and result",
		}, []string{"connector", "result"}),
		probes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goatbridge",
			Subsystem: "connector",
			Name:      "health_probes_total",
			Help:      "Health probes labeled by connector and result",
		}, []string{"connector", "result"}),
		reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goatbridge",
			Subsystem: "connector",
			Name:      "reconnects_total",
			Help:      "Forced reconnects labeled by connector and result",
		}, []string{"connector", "result"}),
	}
}

func (m *connectorMetrics) setCircuitState(name string, state circuit.State) {
	m.circuitState.WithLabelValues(name).Set(float64(state))
}

func (m *connectorMetrics) setHealthy(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.healthy.WithLabelValues(name).Set(v)
}

func (m *connectorMetrics) request(name, result string) {
	m.requests.WithLabelValues(name, result).Inc()
}

func (m *connectorMetrics) probe(name string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.probes.WithLabelValues(name, result).Inc()
}

func (m *connectorMetrics) reconnect(name string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.reconnects.WithLabelValues(name, result).Inc()
}

func (m *connectorMetrics) forget(name string) {
	m.circuitState.DeleteLabelValues(name)
	m.healthy.DeleteLabelValues(name)
}
