package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はgatewayのPrometheusメトリクス。
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	storeDuration     *prometheus.HistogramVec
	telemetryDropped  prometheus.Counter
	telemetryFailures prometheus.Counter
}

// NewMetrics は専用のレジストリにメトリクスを登録して返す。
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "requests_total",
			Help:      "API key guarded requests by route and terminal outcome.",
		}, []string{"route", "outcome"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Name:      "store_duration_seconds",
			Help:      "Latency of credential store calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		telemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "telemetry_dropped_total",
			Help:      "Security events dropped because the dispatch queue was full or closed.",
		}),
		telemetryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "telemetry_sink_errors_total",
			Help:      "Security events the sink failed to record.",
		}),
	}
	reg.MustRegister(
		m.requests, m.storeDuration, m.telemetryDropped, m.telemetryFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordOutcome はリクエストの終端状態を数える。
func (m *Metrics) RecordOutcome(route, outcome string) {
	m.requests.WithLabelValues(route, outcome).Inc()
}

// ObserveStore はストア呼び出しの所要時間を記録する。
func (m *Metrics) ObserveStore(op string, d time.Duration) {
	m.storeDuration.WithLabelValues(op).Observe(d.Seconds())
}

// TelemetryDropped は破棄されたセキュリティイベントを数える。
func (m *Metrics) TelemetryDropped() {
	m.telemetryDropped.Inc()
}

// TelemetrySinkFailed は記録に失敗したセキュリティイベントを数える。
func (m *Metrics) TelemetrySinkFailed() {
	m.telemetryFailures.Inc()
}

// Handler は /metrics 用のハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
