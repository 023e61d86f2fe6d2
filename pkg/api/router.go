package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/api/auth"
	"github.com/dynamo-dm/dynamo/pkg/api/handlers"
)

// Deps are the backends the router serves from.
type Deps struct {
	Store     handlers.CycleStore
	Deletions handlers.DeletionQueries
	Copies    handlers.CopyQueries

	// Checks back the readiness probe, keyed by store name.
	Checks map[string]handlers.Checker

	// Metrics is exposed on /metrics when non-nil.
	Metrics *prometheus.Registry

	// Auth, when non-nil, guards /api/v1 with bearer tokens. Health and
	// metrics stay open for probes and scrapers.
	Auth *auth.Service

	// RequestTimeout defaults to 25s.
	RequestTimeout time.Duration
}

// NewRouter creates and configures the chi router with all middleware and routes.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe
//   - GET /metrics - Prometheus metrics, when enabled
//   - GET /api/v1/... - history queries
func NewRouter(deps Deps) http.Handler {
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	healthHandler := handlers.NewHealthHandler(deps.Checks)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	h := handlers.NewHistoryHandler(deps.Store, deps.Deletions, deps.Copies)
	r.Route("/api/v1", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(auth.RequireToken(deps.Auth))
		}

		r.Get("/partitions", h.ListPartitions)
		r.Get("/partitions/{partition}/deletion/cycles", h.DeletionCycles)
		r.Get("/partitions/{partition}/copy/cycles", h.CopyCycles)

		r.Get("/cycles/{cycle}", h.GetCycle)

		r.Route("/deletion/cycles/{cycle}", func(r chi.Router) {
			r.Get("/sites", h.DeletionSites)
			r.Get("/decisions", h.DeletionDecisions)
			r.Get("/sites/{site}/decisions", h.SiteDecisions)
		})

		r.Get("/copy/cycles/{cycle}/requests", h.CopyRequests)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}
