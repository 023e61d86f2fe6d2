package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

// CycleStore is the part of history.Store the API reads.
type CycleStore interface {
	Partitions(ctx context.Context) ([]*history.Partition, error)
	GetCycle(ctx context.Context, id int64) (*history.Cycle, error)
}

// DeletionQueries is satisfied by *history.DeletionHistory.
type DeletionQueries interface {
	GetCycles(ctx context.Context, partition string, first, last int64, includeTest bool) ([]int64, error)
	GetSites(ctx context.Context, cycle int64, skipUnused bool) (map[string]history.SiteInfo, error)
	GetDeletionDecisions(ctx context.Context, cycle int64, sizeOnly bool, decisions ...detox.Decision) (*history.DecisionReport, error)
	GetSiteDeletionDecisions(ctx context.Context, cycle int64, site string, decisions ...detox.Decision) ([]history.DecisionRow, error)
}

// CopyQueries is satisfied by *history.CopyHistory.
type CopyQueries interface {
	GetCycles(ctx context.Context, partition string, first, last int64, includeTest bool) ([]int64, error)
	GetCopyRequests(ctx context.Context, cycle int64) ([]history.CopyRequestRow, error)
}

// HistoryHandler serves the read-only history queries.
type HistoryHandler struct {
	store     CycleStore
	deletions DeletionQueries
	copies    CopyQueries
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store CycleStore, deletions DeletionQueries, copies CopyQueries) *HistoryHandler {
	return &HistoryHandler{store: store, deletions: deletions, copies: copies}
}

// CyclesResponse lists cycle ids of a partition.
type CyclesResponse struct {
	Partition string  `json:"partition"`
	Cycles    []int64 `json:"cycles"`
}

// SitesResponse is the site table of a deletion cycle.
type SitesResponse struct {
	Cycle int64                       `json:"cycle"`
	Sites map[string]history.SiteInfo `json:"sites"`
}

// DecisionsResponse wraps a decision report.
type DecisionsResponse struct {
	Cycle int64 `json:"cycle"`
	*history.DecisionReport
}

// SiteDecisionsResponse lists decisions at one site.
type SiteDecisionsResponse struct {
	Cycle     int64                 `json:"cycle"`
	Site      string                `json:"site"`
	Decisions []history.DecisionRow `json:"decisions"`
}

// CopyRequestsResponse lists the requests of a copy cycle.
type CopyRequestsResponse struct {
	Cycle    int64                    `json:"cycle"`
	Requests []history.CopyRequestRow `json:"requests"`
}

// ListPartitions handles GET /api/v1/partitions.
func (h *HistoryHandler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := h.store.Partitions(r.Context())
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	if parts == nil {
		parts = []*history.Partition{}
	}
	WriteJSONOK(w, parts)
}

// GetCycle handles GET /api/v1/cycles/{cycle}.
func (h *HistoryHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleParam(w, r)
	if !ok {
		return
	}
	c, err := h.store.GetCycle(r.Context(), id)
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	WriteJSONOK(w, c)
}

// DeletionCycles handles GET /api/v1/partitions/{partition}/deletion/cycles.
func (h *HistoryHandler) DeletionCycles(w http.ResponseWriter, r *http.Request) {
	h.listCycles(w, r, h.deletions.GetCycles)
}

// CopyCycles handles GET /api/v1/partitions/{partition}/copy/cycles.
func (h *HistoryHandler) CopyCycles(w http.ResponseWriter, r *http.Request) {
	h.listCycles(w, r, h.copies.GetCycles)
}

type cycleLister func(ctx context.Context, partition string, first, last int64, includeTest bool) ([]int64, error)

// listCycles reads first, last and test from the query. first=-1 selects
// the latest closed cycle; last=-1 leaves the range open.
func (h *HistoryHandler) listCycles(w http.ResponseWriter, r *http.Request, list cycleLister) {
	partition := chi.URLParam(r, "partition")
	first, ok := intQuery(w, r, "first", 0)
	if !ok {
		return
	}
	last, ok := intQuery(w, r, "last", -1)
	if !ok {
		return
	}
	test, ok := boolQuery(w, r, "test")
	if !ok {
		return
	}

	ids, err := list(r.Context(), partition, first, last, test)
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	WriteJSONOK(w, CyclesResponse{Partition: partition, Cycles: ids})
}

// DeletionSites handles GET /api/v1/deletion/cycles/{cycle}/sites.
func (h *HistoryHandler) DeletionSites(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleOf(w, r, history.OpDeletion, history.OpDeletionTest)
	if !ok {
		return
	}
	skip, ok := boolQuery(w, r, "skip_unused")
	if !ok {
		return
	}

	sites, err := h.deletions.GetSites(r.Context(), id, skip)
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	WriteJSONOK(w, SitesResponse{Cycle: id, Sites: sites})
}

// DeletionDecisions handles GET /api/v1/deletion/cycles/{cycle}/decisions.
func (h *HistoryHandler) DeletionDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleOf(w, r, history.OpDeletion, history.OpDeletionTest)
	if !ok {
		return
	}
	sizeOnly, ok := boolQuery(w, r, "size_only")
	if !ok {
		return
	}
	decisions, ok := decisionsQuery(w, r)
	if !ok {
		return
	}

	report, err := h.deletions.GetDeletionDecisions(r.Context(), id, sizeOnly, decisions...)
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	WriteJSONOK(w, DecisionsResponse{Cycle: id, DecisionReport: report})
}

// SiteDecisions handles GET /api/v1/deletion/cycles/{cycle}/sites/{site}/decisions.
func (h *HistoryHandler) SiteDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleOf(w, r, history.OpDeletion, history.OpDeletionTest)
	if !ok {
		return
	}
	decisions, ok := decisionsQuery(w, r)
	if !ok {
		return
	}
	site := chi.URLParam(r, "site")

	rows, err := h.deletions.GetSiteDeletionDecisions(r.Context(), id, site, decisions...)
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	if rows == nil {
		rows = []history.DecisionRow{}
	}
	WriteJSONOK(w, SiteDecisionsResponse{Cycle: id, Site: site, Decisions: rows})
}

// CopyRequests handles GET /api/v1/copy/cycles/{cycle}/requests.
func (h *HistoryHandler) CopyRequests(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleOf(w, r, history.OpCopy, history.OpCopyTest)
	if !ok {
		return
	}

	reqs, err := h.copies.GetCopyRequests(r.Context(), id)
	if err != nil {
		writeHistoryError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []history.CopyRequestRow{}
	}
	WriteJSONOK(w, CopyRequestsResponse{Cycle: id, Requests: reqs})
}

// cycleOf resolves the {cycle} parameter and checks it names a closed cycle
// of one of ops. A cycle of another operation is reported as not found, an
// open one as a conflict.
func (h *HistoryHandler) cycleOf(w http.ResponseWriter, r *http.Request, ops ...history.Operation) (int64, bool) {
	id, ok := cycleParam(w, r)
	if !ok {
		return 0, false
	}
	c, err := h.store.GetCycle(r.Context(), id)
	if err != nil {
		writeHistoryError(w, r, err)
		return 0, false
	}
	for _, op := range ops {
		if c.Operation != op {
			continue
		}
		if c.IsOpen() {
			writeHistoryError(w, r, history.ErrCycleNotClosed)
			return 0, false
		}
		return id, true
	}
	NotFound(w, "Cycle not found")
	return 0, false
}
