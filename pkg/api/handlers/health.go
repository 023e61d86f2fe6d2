package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Checker reports whether a backing store is usable.
type Checker interface {
	Healthcheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Healthcheck(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
//
// Health endpoints provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Are the history database and archive reachable?
type HealthHandler struct {
	checks map[string]Checker
}

// NewHealthHandler creates a new health handler. With no checks the
// readiness probe reports unhealthy.
func NewHealthHandler(checks map[string]Checker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Liveness handles GET /health - simple liveness probe.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "dynamo",
	}))
}

// StoreHealth is the health of one store.
type StoreHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Readiness handles GET /health/ready. It runs every check and returns
// 503 Service Unavailable if any fails.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if len(h.checks) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("no stores configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	stores := make([]StoreHealth, 0, len(names))
	healthy := true
	for _, name := range names {
		start := time.Now()
		err := h.checks[name].Healthcheck(ctx)
		sh := StoreHealth{Name: name, Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			sh.Status = "unhealthy"
			sh.Error = err.Error()
			healthy = false
		}
		stores = append(stores, sh)
	}

	if !healthy {
		resp := unhealthyResponse("one or more stores are unhealthy")
		resp.Data = stores
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(stores))
}
