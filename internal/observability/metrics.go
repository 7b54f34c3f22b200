package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for ngome.
// Uses a custom registry — no global state.
type Metrics struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Policy and quota metrics.
	PolicyDenialsTotal   *prometheus.CounterVec
	QuotaRejectionsTotal prometheus.Counter

	// Backend degradation.
	BackendFallbacksTotal *prometheus.CounterVec

	// Sync metrics.
	SyncsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates a Metrics collector with everything registered on
// a custom prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"backend", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "exec",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		PolicyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "policy",
			Name:      "denials_total",
			Help:      "Total policy denials.",
		}, []string{"kind"}),

		QuotaRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Total writes rejected by the storage quota.",
		}),

		BackendFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "exec",
			Name:      "backend_fallbacks_total",
			Help:      "Executions degraded to the native backend.",
		}, []string{"requested"}),

		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sync",
			Name:      "syncs_total",
			Help:      "Total content-store sync attempts.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.PolicyDenialsTotal,
		m.QuotaRejectionsTotal,
		m.BackendFallbacksTotal,
		m.SyncsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordExecution records one finished execution. Nil-safe.
func (m *Metrics) RecordExecution(backend, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(backend, status).Inc()
	if duration > 0 {
		m.ExecutionDuration.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

// RecordPolicyDenial records one denied operation. Nil-safe.
func (m *Metrics) RecordPolicyDenial(kind string) {
	if m == nil {
		return
	}
	m.PolicyDenialsTotal.WithLabelValues(kind).Inc()
}

// RecordQuotaRejection records one quota-rejected write. Nil-safe.
func (m *Metrics) RecordQuotaRejection() {
	if m == nil {
		return
	}
	m.QuotaRejectionsTotal.Inc()
}

// RecordBackendFallback records one degraded-mode fallback. Nil-safe.
func (m *Metrics) RecordBackendFallback(requested string) {
	if m == nil {
		return
	}
	m.BackendFallbacksTotal.WithLabelValues(requested).Inc()
}

// RecordSync records one sync attempt. Nil-safe.
func (m *Metrics) RecordSync(status string) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(status).Inc()
}
