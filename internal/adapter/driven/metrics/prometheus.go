// Package metrics exports vault and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Monitor = (*Monitor)(nil)

// Monitor implements driven.Monitor with Prometheus collectors held in a
// private registry, so tests and multiple instances never collide on the
// global default registry.
type Monitor struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	auditFailures *prometheus.CounterVec
	suspicious    prometheus.Counter
	reencrypted   prometheus.Counter

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Monitor and registers its collectors together with the Go
// runtime and process collectors.
func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credvault",
			Name:      "operations_total",
			Help:      "Audited vault operations by action and outcome.",
		}, []string{"action", "status"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credvault",
			Name:      "audit_write_failures_total",
			Help:      "Audit records that could not be persisted.",
		}, []string{"action"}),
		suspicious: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "credvault",
			Name:      "suspicious_activity_total",
			Help:      "Positive suspicious-activity detections.",
		}),
		reencrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "credvault",
			Name:      "credentials_reencrypted_total",
			Help:      "Credentials moved to the active key version.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "credvault",
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credvault",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "credvault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.auditFailures, m.suspicious, m.reencrypted,
		m.httpInFlight, m.httpRequests, m.httpDuration,
	)
	return m
}

// OperationCompleted implements driven.Monitor.
func (m *Monitor) OperationCompleted(action model.AuditAction, status model.AuditStatus) {
	m.operations.WithLabelValues(string(action), string(status)).Inc()
}

// AuditWriteFailed implements driven.Monitor.
func (m *Monitor) AuditWriteFailed(action model.AuditAction) {
	m.auditFailures.WithLabelValues(string(action)).Inc()
}

// SuspiciousActivity implements driven.Monitor. The tenant is deliberately
// not a label; it is logged by the caller instead.
func (m *Monitor) SuspiciousActivity(int64) {
	m.suspicious.Inc()
}

// KeysReencrypted implements driven.Monitor.
func (m *Monitor) KeysReencrypted(n int) {
	m.reencrypted.Add(float64(n))
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request count, latency and in-flight requests.
func (m *Monitor) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		m.httpDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses credential ids in API paths so the path label has
// bounded cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	const prefix = "/api/v1/credentials/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	_, tail, nested := strings.Cut(rest, "/")
	switch {
	case !nested:
		return prefix + "{id}"
	case tail == "verify":
		return prefix + "{id}/verify"
	default:
		return path
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
