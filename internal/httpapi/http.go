// Package httpapi serves the licensing services over HTTP: the pipe
// protocol endpoints used by licensed clients, the JSON admin endpoints,
// health, metrics and API docs.
package httpapi

import (
	"net/http"

	"licensegate/internal/logging"
	"licensegate/internal/metrics"
	"licensegate/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// AdminHeader carries the shared admin secret.
const AdminHeader = "x-admin-secret"

type Options struct {
	Engine      *service.Engine
	Deactivator *service.Deactivator
	Issuer      *service.Issuer
	AdminSecret string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
}

type API struct {
	engine      *service.Engine
	deactivator *service.Deactivator
	issuer      *service.Issuer
	adminSecret string
	log         *zap.Logger
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	docs        *docs
}

func New(opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		engine:      opts.Engine,
		deactivator: opts.Deactivator,
		issuer:      opts.Issuer,
		adminSecret: opts.AdminSecret,
		log:         log,
		metrics:     opts.Metrics,
		gatherer:    opts.Gatherer,
		docs:        loadDocs(log),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(a.log))
	r.Use(a.metrics.Middleware)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(a.gatherer))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusFound)
	})
	r.Get("/docs", a.docs.serveUI)
	r.Get("/docs/openapi.yaml", a.docs.serveYAML)
	r.Get("/docs/openapi.json", a.docs.serveJSON)

	r.Route("/api/validate", func(r chi.Router) {
		r.Use(a.recoverer(a.writePipeError))
		r.MethodNotAllowed(pipeMethodNotAllowed)
		r.Get("/", a.handleValidate)
	})
	r.Route("/api/deactivate", func(r chi.Router) {
		r.Use(a.recoverer(a.writePipeError))
		r.MethodNotAllowed(pipeMethodNotAllowed)
		r.With(a.requireAdmin(a.writePipeError)).Delete("/", a.handleDeactivate)
	})
	r.Route("/api/issue", func(r chi.Router) {
		r.Use(a.recoverer(a.writeJSONError))
		r.MethodNotAllowed(jsonMethodNotAllowed)
		admin := r.With(a.requireAdmin(a.writeJSONError))
		admin.Post("/", a.handleIssue)
		admin.Get("/list", a.handleList)
		admin.Patch("/{key}", a.handleSetActive)
	})
	return r
}
