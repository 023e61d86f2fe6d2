package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/history"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
)

// cycleParam parses the {cycle} URL parameter.
// Returns false after writing 400 if it is not a positive integer.
func cycleParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "cycle")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, fmt.Sprintf("invalid cycle id %q", raw))
		return 0, false
	}
	return id, true
}

// intQuery parses an optional integer query parameter.
func intQuery(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		BadRequest(w, fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return v, true
}

// boolQuery parses an optional boolean query parameter.
func boolQuery(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		BadRequest(w, fmt.Sprintf("invalid %s %q", name, raw))
		return false, false
	}
	return v, true
}

// decisionsQuery parses the repeatable or comma separated decision filter.
func decisionsQuery(w http.ResponseWriter, r *http.Request) ([]detox.Decision, bool) {
	var out []detox.Decision
	for _, raw := range r.URL.Query()["decision"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			d, err := detox.ParseDecision(s)
			if err != nil {
				BadRequest(w, err.Error())
				return nil, false
			}
			out = append(out, d)
		}
	}
	return out, true
}

// writeHistoryError maps history errors to problem responses.
func writeHistoryError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *snapshot.MissingSnapshotError
	switch {
	case errors.Is(err, history.ErrCycleNotFound):
		NotFound(w, "Cycle not found")
	case errors.Is(err, history.ErrPartitionNotFound):
		NotFound(w, "Partition not found")
	case errors.Is(err, history.ErrCycleNotClosed):
		Conflict(w, "Cycle is still open")
	case errors.As(err, &missing):
		Gone(w, err.Error())
	default:
		logger.ErrorCtx(r.Context(), "History query failed", "path", r.URL.Path, logger.Err(err))
		InternalServerError(w, "Failed to query history")
	}
}
