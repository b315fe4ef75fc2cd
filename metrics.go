package writeq

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names recorded through Metrics.ObserveCall.
const (
	MetricStorageWrite = "storage_write"
	MetricSheetsCall   = "gsheets_call"
	MetricAPIRequest   = "api_request"
	MetricReplay       = "queue_replay"
)

// Metrics is the Prometheus sink for backend calls and queue sizes. A nil
// *Metrics discards everything.
type Metrics struct {
	gatherer  prometheus.Gatherer
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	queueSize prometheus.Gauge
	dlqSize   prometheus.Gauge
}

// NewMetrics registers the writeq collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "writeq_calls_total",
			Help: "Backend and queue calls by metric name, operation, backend and result",
		}, []string{"name", "operation", "backend", "result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "writeq_call_duration_seconds",
			Help:    "Latency of backend and queue calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"name", "operation", "backend"}),
		queueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "writeq_queue_size",
			Help: "Operations waiting in the live retry queue",
		}),
		dlqSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "writeq_dlq_size",
			Help: "Operations quarantined in the dead-letter store",
		}),
	}
}

func (m *Metrics) ObserveCall(name, op string, backend BackendKind, ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.calls.WithLabelValues(name, op, string(backend), result).Inc()
	m.latency.WithLabelValues(name, op, string(backend)).Observe(latency.Seconds())
}

func (m *Metrics) SetQueueStats(st QueueStats) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(st.Queue))
	m.dlqSize.Set(float64(st.DLQ))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}
