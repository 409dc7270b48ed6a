package middleware

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors. One instance is
// built in main and shared with the services that report into it.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge

	scansAdmitted prometheus.Counter
	scansQueued   prometheus.Counter
	scansFinished *prometheus.CounterVec

	sandboxesCreated prometheus.Counter
	sandboxPhases    *prometheus.CounterVec

	FetchRetries prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_http_requests_total",
			Help: "HTTP requests by method, path pattern and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helix_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "helix_http_requests_in_flight",
			Help: "Requests currently being served.",
		}),
		scansAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "helix_scans_admitted_total",
			Help: "Scans handed off to the workflow engine.",
		}),
		scansQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "helix_scans_queued_total",
			Help: "Scans parked in the queue waiting for hand-off.",
		}),
		scansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_scans_finished_total",
			Help: "Scans reaching a terminal status.",
		}, []string{"status"}),
		sandboxesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "helix_sandboxes_created_total",
			Help: "Sandboxes successfully started.",
		}),
		sandboxPhases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_sandbox_phase_transitions_total",
			Help: "Sandbox phase transitions observed.",
		}, []string{"phase"}),
		FetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "helix_gateway_fetch_retries_total",
			Help: "Outbound fetch attempts retried by the gateway.",
		}),
	}
}

// The scans service Stats interface.

func (m *Metrics) ScanAdmitted()              { m.scansAdmitted.Inc() }
func (m *Metrics) ScanQueued()                { m.scansQueued.Inc() }
func (m *Metrics) ScanFinished(status string) { m.scansFinished.WithLabelValues(status).Inc() }

// The sandbox manager Stats interface.

func (m *Metrics) SandboxCreated()           { m.sandboxesCreated.Inc() }
func (m *Metrics) SandboxPhase(phase string) { m.sandboxPhases.WithLabelValues(phase).Inc() }

// Middleware tracks request counts, latency and in-flight gauge.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		timer := prometheus.NewTimer(m.requestDuration.WithLabelValues(r.Method, r.URL.Path))
		next.ServeHTTP(wrapped, r)
		timer.ObserveDuration()

		m.requestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

// Handler exposes the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
