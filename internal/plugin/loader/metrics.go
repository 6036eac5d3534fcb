package loader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type reloaderMetrics struct {
	sweeps     prometheus.Counter
	operations *prometheus.CounterVec
	tracked    prometheus.Gauge
	depsSyncs  *prometheus.CounterVec
}

var (
	reloaderMetricsOnce sync.Once
	reloaderMetricsInst *reloaderMetrics
)

func globalMetrics() *reloaderMetrics {
	reloaderMetricsOnce.Do(func() {
		reloaderMetricsInst = &reloaderMetrics{
			sweeps: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "goatbridge",
				Subsystem: "reloader",
				Name:      "sweeps_total",
				Help:      "Manifest sweeps run by the hot reloader",
			}),
			operations: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goatbridge",
				Subsystem: "reloader",
				Name:      "operations_total",
				Help:      "Plugin add, remove and reload operations labeled by result",
			}, []string{"op", "result"}),
			tracked: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "goatbridge",
				Subsystem: "reloader",
				Name:      "tracked_manifests",
				Help:      "Manifests in the reloader snapshot",
			}),
			depsSyncs: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goatbridge",
				Subsystem: "reloader",
				Name:      "deps_syncs_total",
				Help:      "Dependency syncs labeled by result",
			}, []string{"result"}),
		}
	})
	return reloaderMetricsInst
}

func (m *reloaderMetrics) operation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *reloaderMetrics) depsSync(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.depsSyncs.WithLabelValues(result).Inc()
}
