// Package metrics wraps the Prometheus collectors lanesd exposes,
// following the same struct-of-collectors-plus-global-instance shape the
// rest of the corpus uses for its own Prometheus wiring, re-pointed at
// Lanes-domain signals: lane lifecycle counts, linda contention, keeper
// backpressure, and copier failures.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps every collector lanesd registers.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	lanesSpawnedTotal   prometheus.Counter
	lanesFinishedTotal  *prometheus.CounterVec // labeled by terminal status
	laneDuration        *prometheus.HistogramVec
	activeLanes         prometheus.Gauge
	selfDestructingLanes prometheus.Gauge

	lindaSendTotal    *prometheus.CounterVec // labeled by outcome: ok, full, error
	lindaReceiveTotal *prometheus.CounterVec // labeled by outcome: ok, empty, error
	lindaWaitDuration *prometheus.HistogramVec
	lindaFifoDepth    *prometheus.GaugeVec

	keeperFullTotal      prometheus.Counter
	keeperItemsCollected prometheus.Counter

	copierErrorsTotal *prometheus.CounterVec // labeled by failing value kind
}

var defaultBuckets = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes and registers the Prometheus metrics
// subsystem under namespace, with buckets for every latency histogram
// (falling back to defaultBuckets if empty).
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	reg := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: reg,
		lanesSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lane", Name: "spawned_total",
			Help: "Total number of lanes spawned.",
		}),
		lanesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lane", Name: "finished_total",
			Help: "Total number of lanes that reached a terminal status, by status.",
		}, []string{"status"}),
		laneDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "lane", Name: "duration_ms",
			Help: "Lane body wall-clock duration in milliseconds, by terminal status.", Buckets: buckets,
		}, []string{"status"}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lane", Name: "active",
			Help: "Number of lanes currently tracked by the universe.",
		}),
		selfDestructingLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lane", Name: "self_destructing",
			Help: "Number of lanes flagged to be cancelled automatically on shutdown.",
		}),
		lindaSendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "linda", Name: "send_total",
			Help: "Total linda send attempts, by outcome.",
		}, []string{"outcome"}),
		lindaReceiveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "linda", Name: "receive_total",
			Help: "Total linda receive attempts, by outcome.",
		}, []string{"outcome"}),
		lindaWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "linda", Name: "wait_ms",
			Help: "Time a lane spent blocked in a linda operation, in milliseconds.", Buckets: buckets,
		}, []string{"op"}),
		lindaFifoDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "linda", Name: "fifo_depth",
			Help: "Number of values currently queued at a linda key.",
		}, []string{"linda", "key"}),
		keeperFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "keeper", Name: "full_total",
			Help: "Total number of sends rejected because a keeper's item budget was reached.",
		}),
		keeperItemsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "keeper", Name: "items_cleared_total",
			Help: "Total number of queued values discarded by Clear operations.",
		}),
		copierErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "copier", Name: "errors_total",
			Help: "Total inter-state copy failures, by the kind of value that failed.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.lanesSpawnedTotal, m.lanesFinishedTotal, m.laneDuration, m.activeLanes, m.selfDestructingLanes,
		m.lindaSendTotal, m.lindaReceiveTotal, m.lindaWaitDuration, m.lindaFifoDepth,
		m.keeperFullTotal, m.keeperItemsCollected,
		m.copierErrorsTotal,
	)

	promMetrics = m
	return m
}

// RecordLaneSpawned increments the spawned-lanes counter.
func RecordLaneSpawned() {
	if promMetrics == nil {
		return
	}
	promMetrics.lanesSpawnedTotal.Inc()
}

// RecordLaneFinished records a lane reaching a terminal status, along
// with how long its body ran.
func RecordLaneFinished(status string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.lanesFinishedTotal.WithLabelValues(status).Inc()
	promMetrics.laneDuration.WithLabelValues(status).Observe(durationMs)
}

// SetActiveLanes sets the current active/self-destructing lane gauges.
func SetActiveLanes(active, selfDestructing int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeLanes.Set(float64(active))
	promMetrics.selfDestructingLanes.Set(float64(selfDestructing))
}

// RecordLindaSend records one send attempt's outcome: "ok", "full", or
// "error".
func RecordLindaSend(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.lindaSendTotal.WithLabelValues(outcome).Inc()
}

// RecordLindaReceive records one receive attempt's outcome: "ok",
// "empty", or "error".
func RecordLindaReceive(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.lindaReceiveTotal.WithLabelValues(outcome).Inc()
}

// RecordLindaWait observes how long a lane blocked in op ("send",
// "receive", "receive_batched") before it returned.
func RecordLindaWait(op string, ms float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.lindaWaitDuration.WithLabelValues(op).Observe(ms)
}

// SetLindaFifoDepth sets the current queue depth for one linda/key pair.
func SetLindaFifoDepth(lindaName, key string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.lindaFifoDepth.WithLabelValues(lindaName, key).Set(float64(depth))
}

// RecordKeeperFull increments the keeper-item-budget-exceeded counter.
func RecordKeeperFull() {
	if promMetrics == nil {
		return
	}
	promMetrics.keeperFullTotal.Inc()
}

// RecordKeeperItemsCollected adds n to the items-cleared counter.
func RecordKeeperItemsCollected(n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.keeperItemsCollected.Add(float64(n))
}

// RecordCopierError increments the copy-failure counter for kind (the
// Go type name of the value that failed to copy).
func RecordCopierError(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.copierErrorsTotal.WithLabelValues(kind).Inc()
}

// PrometheusHandler returns the HTTP handler serving the metrics in
// Prometheus text format.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, for tests that
// want to assert on collected samples directly.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
