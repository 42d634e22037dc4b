package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveValidation(OutcomeActivated)
	m.ObserveValidation(OutcomeActivated)
	m.ObserveValidation("LIMIT")
	m.ObserveDeactivation(OutcomeAbsent)
	m.ObserveIssue("pro")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.validations.WithLabelValues(OutcomeActivated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validations.WithLabelValues("LIMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deactivations.WithLabelValues(OutcomeAbsent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.issued.WithLabelValues("pro")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveValidation(OutcomeRefreshed)
	m.ObserveDeactivation(OutcomeRemoved)
	m.ObserveIssue("basic")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Patch("/api/issue/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", Handler(reg))

	for _, key := range []string{"AAA", "BBB"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/issue/"+key, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPatch, "/api/issue/{key}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `http_requests_total{method="PATCH",path="/api/issue/{key}",status="404"} 2`))
}

func TestMiddlewareLabelsUnmatchedRequests(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})

	for _, path := range []string{"/wp-login.php", "/.env", "/a/b/c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	for _, path := range []string{"/api/issue/ABC", "/api/issue/DEF"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, unmatchedPath, "404")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodOptions, unmatchedPath, "200")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.requests))
}
