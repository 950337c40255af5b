package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Authorization and audit metrics.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission checks by outcome (allow, deny, error).",
		},
		[]string{"result"},
	)

	policyStatementsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "policy_statements_skipped_total",
		Help: "Malformed policy statements skipped during compilation.",
	})

	auditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Audit chain appends by outcome (ok, conflict, error).",
		},
		[]string{"result"},
	)

	auditQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_queue_dropped_total",
		Help: "Audit events dropped because the async queue was full or closed.",
	})

	sessionStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_store_errors_total",
			Help: "Session/token key-value store failures by operation.",
		},
		[]string{"op"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			authzDecisions, policyStatementsSkipped,
			auditAppends, auditQueueDropped,
			sessionStoreErrors,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts a permission check outcome.
func ObserveDecision(result string) { authzDecisions.WithLabelValues(result).Inc() }

// ObserveSkippedStatements counts malformed statements dropped at compile time.
func ObserveSkippedStatements(n int) {
	if n > 0 {
		policyStatementsSkipped.Add(float64(n))
	}
}

// ObserveAuditAppend counts an audit append outcome.
func ObserveAuditAppend(result string) { auditAppends.WithLabelValues(result).Inc() }

// ObserveAuditDropped counts an audit event that never reached the chain.
func ObserveAuditDropped() { auditQueueDropped.Inc() }

// ObserveSessionStoreError counts a degraded session store operation.
func ObserveSessionStoreError(op string) { sessionStoreErrors.WithLabelValues(op).Inc() }

// SetReady mirrors the readiness probe into the service_ready gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps a handler with request count, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	// /v1/users/{id}/sessions/revoke
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "sessions" && parts[4] == "revoke" {
		return "/v1/users/:id/sessions/revoke"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
