// Package metrics exposes Prometheus collectors for the HTTP surface and
// for licensing outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	validations   *prometheus.CounterVec
	deactivations *prometheus.CounterVec
	issued        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_validations_total",
				Help: "License validations by outcome",
			},
			[]string{"outcome"},
		),
		deactivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_deactivations_total",
				Help: "Deactivation requests by outcome",
			},
			[]string{"outcome"},
		),
		issued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "licenses_issued_total",
				Help: "Licenses issued by plan",
			},
			[]string{"plan"},
		),
	}
	reg.MustRegister(m.requests, m.duration, m.validations, m.deactivations, m.issued)
	return m
}

// Validation outcomes besides rejection kinds.
const (
	OutcomeActivated = "activated"
	OutcomeRefreshed = "refreshed"
	OutcomeRemoved   = "removed"
	OutcomeAbsent    = "absent"
)

func (m *Metrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDeactivation(outcome string) {
	if m == nil {
		return
	}
	m.deactivations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIssue(plan string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(plan).Inc()
}

// unmatchedPath labels requests no route matched, including preflights
// answered before routing.
const unmatchedPath = "unmatched"

// Middleware records request count and latency, labelled by the matched
// chi route pattern so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := unmatchedPath
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		statusStr := strconv.Itoa(status)
		m.requests.WithLabelValues(r.Method, path, statusStr).Inc()
		m.duration.WithLabelValues(r.Method, path, statusStr).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
