package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/history"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
)

type fakeStore struct {
	partitions []*history.Partition
	cycles     map[int64]*history.Cycle
}

func (f *fakeStore) Partitions(context.Context) ([]*history.Partition, error) {
	return f.partitions, nil
}

func (f *fakeStore) GetCycle(_ context.Context, id int64) (*history.Cycle, error) {
	c, ok := f.cycles[id]
	if !ok {
		return nil, history.ErrCycleNotFound
	}
	return c, nil
}

type fakeDeletions struct {
	cycles []int64
	sites  map[string]history.SiteInfo
	rows   []history.DecisionRow
	err    error

	gotFirst, gotLast int64
	gotTest           bool
	gotDecisions      []detox.Decision
	gotSite           string
}

func (f *fakeDeletions) GetCycles(_ context.Context, _ string, first, last int64, includeTest bool) ([]int64, error) {
	f.gotFirst, f.gotLast, f.gotTest = first, last, includeTest
	return f.cycles, nil
}

func (f *fakeDeletions) GetSites(context.Context, int64, bool) (map[string]history.SiteInfo, error) {
	return f.sites, f.err
}

func (f *fakeDeletions) GetDeletionDecisions(_ context.Context, _ int64, sizeOnly bool, decisions ...detox.Decision) (*history.DecisionReport, error) {
	f.gotDecisions = decisions
	if f.err != nil {
		return nil, f.err
	}
	if sizeOnly {
		v := detox.Volumes{}
		v.Add(detox.Delete, 3)
		return &history.DecisionReport{Volumes: map[string]detox.Volumes{"T2_B": v}}, nil
	}
	return &history.DecisionReport{Rows: map[string][]history.DecisionRow{"T2_B": f.rows}}, nil
}

func (f *fakeDeletions) GetSiteDeletionDecisions(_ context.Context, _ int64, site string, decisions ...detox.Decision) ([]history.DecisionRow, error) {
	f.gotSite = site
	f.gotDecisions = decisions
	if site != "T2_B" {
		return nil, nil
	}
	return f.rows, f.err
}

type fakeCopies struct {
	reqs []history.CopyRequestRow
}

func (f *fakeCopies) GetCycles(context.Context, string, int64, int64, bool) ([]int64, error) {
	return nil, nil
}

func (f *fakeCopies) GetCopyRequests(context.Context, int64) ([]history.CopyRequestRow, error) {
	return f.reqs, nil
}

func newTestRouter(store *fakeStore, del *fakeDeletions, cp *fakeCopies) http.Handler {
	h := NewHistoryHandler(store, del, cp)
	r := chi.NewRouter()
	r.Get("/partitions", h.ListPartitions)
	r.Get("/partitions/{partition}/deletion/cycles", h.DeletionCycles)
	r.Get("/partitions/{partition}/copy/cycles", h.CopyCycles)
	r.Get("/cycles/{cycle}", h.GetCycle)
	r.Get("/deletion/cycles/{cycle}/sites", h.DeletionSites)
	r.Get("/deletion/cycles/{cycle}/decisions", h.DeletionDecisions)
	r.Get("/deletion/cycles/{cycle}/sites/{site}/decisions", h.SiteDecisions)
	r.Get("/copy/cycles/{cycle}/requests", h.CopyRequests)
	return r
}

func testFixtures() (*fakeStore, *fakeDeletions, *fakeCopies) {
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		partitions: []*history.Partition{{ID: 1, Name: "AnalysisOps"}},
		cycles: map[int64]*history.Cycle{
			7: {ID: 7, PartitionID: 1, Operation: history.OpDeletion, TimeStart: end.Add(-time.Minute), TimeEnd: &end},
			8: {ID: 8, PartitionID: 1, Operation: history.OpCopy, TimeStart: end, TimeEnd: &end},
			9: {ID: 9, PartitionID: 1, Operation: history.OpDeletion, TimeStart: end},
			10: {ID: 10, PartitionID: 1, Operation: history.OpCopy, TimeStart: end},
		},
	}
	del := &fakeDeletions{
		cycles: []int64{3, 7},
		sites:  map[string]history.SiteInfo{"T2_B": {Status: "ready", Quota: 100}},
		rows:   []history.DecisionRow{{Dataset: "/Big", Size: 3_000_000_000_000, Decision: "delete", ConditionID: 2, SizeTB: 3}},
	}
	cp := &fakeCopies{reqs: []history.CopyRequestRow{{Dataset: "/Big", Site: "T2_C", Rule: "two-copies"}}}
	return store, del, cp
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestListPartitions(t *testing.T) {
	store, del, cp := testFixtures()
	w := get(t, newTestRouter(store, del, cp), "/partitions")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var parts []history.Partition
	decode(t, w, &parts)
	if len(parts) != 1 || parts[0].Name != "AnalysisOps" {
		t.Errorf("Unexpected partitions: %+v", parts)
	}
}

func TestDeletionCycles(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	w := get(t, router, "/partitions/AnalysisOps/deletion/cycles")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp CyclesResponse
	decode(t, w, &resp)
	if resp.Partition != "AnalysisOps" || len(resp.Cycles) != 2 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if del.gotFirst != 0 || del.gotLast != -1 || del.gotTest {
		t.Errorf("Unexpected defaults: first=%d last=%d test=%v", del.gotFirst, del.gotLast, del.gotTest)
	}

	get(t, router, "/partitions/AnalysisOps/deletion/cycles?first=-1&test=true")
	if del.gotFirst != -1 || !del.gotTest {
		t.Errorf("Expected first=-1 test=true, got first=%d test=%v", del.gotFirst, del.gotTest)
	}

	w = get(t, router, "/partitions/AnalysisOps/deletion/cycles?first=abc")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != ContentTypeProblemJSON {
		t.Errorf("Expected problem content type, got %q", ct)
	}
}

func TestCopyCyclesEmpty(t *testing.T) {
	store, del, cp := testFixtures()
	w := get(t, newTestRouter(store, del, cp), "/partitions/Unknown/copy/cycles")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "{\"partition\":\"Unknown\",\"cycles\":[]}\n" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestGetCycle(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/cycles/7", http.StatusOK},
		{"/cycles/99", http.StatusNotFound},
		{"/cycles/0", http.StatusBadRequest},
		{"/cycles/x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, router, tt.path)
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestDeletionSites(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	w := get(t, router, "/deletion/cycles/7/sites?skip_unused=true")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp SitesResponse
	decode(t, w, &resp)
	if resp.Sites["T2_B"].Quota != 100 {
		t.Errorf("Unexpected sites: %+v", resp.Sites)
	}

	// A copy cycle is not a deletion cycle.
	if w := get(t, router, "/deletion/cycles/8/sites"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestDeletionDecisions(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	w := get(t, router, "/deletion/cycles/7/decisions?decision=delete,keep")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp DecisionsResponse
	decode(t, w, &resp)
	if len(resp.Rows["T2_B"]) != 1 || resp.Rows["T2_B"][0].Dataset != "/Big" {
		t.Errorf("Unexpected rows: %+v", resp.Rows)
	}
	if len(del.gotDecisions) != 2 || del.gotDecisions[0] != detox.Delete || del.gotDecisions[1] != detox.Keep {
		t.Errorf("Unexpected decision filter: %v", del.gotDecisions)
	}

	w = get(t, router, "/deletion/cycles/7/decisions?size_only=1")
	decode(t, w, &resp)
	if resp.Volumes["T2_B"].Of(detox.Delete) != 3 {
		t.Errorf("Unexpected volumes: %+v", resp.Volumes)
	}

	if w := get(t, router, "/deletion/cycles/7/decisions?decision=purge"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestDeletionDecisionsMissingSnapshot(t *testing.T) {
	store, del, cp := testFixtures()
	del.err = &snapshot.MissingSnapshotError{Cycle: 7, Key: "snapshots/7.db.zst"}

	w := get(t, newTestRouter(store, del, cp), "/deletion/cycles/7/decisions")
	if w.Code != http.StatusGone {
		t.Errorf("Expected status 410, got %d", w.Code)
	}

	var p Problem
	decode(t, w, &p)
	if p.Status != http.StatusGone {
		t.Errorf("Expected problem status 410, got %d", p.Status)
	}
}

func TestDeletionDecisionsInternalError(t *testing.T) {
	store, del, cp := testFixtures()
	del.err = errors.New("disk I/O error")

	w := get(t, newTestRouter(store, del, cp), "/deletion/cycles/7/sites")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestSiteDecisions(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	w := get(t, router, "/deletion/cycles/7/sites/T2_B/decisions")
	var resp SiteDecisionsResponse
	decode(t, w, &resp)
	if resp.Site != "T2_B" || len(resp.Decisions) != 1 {
		t.Errorf("Unexpected response: %+v", resp)
	}

	w = get(t, router, "/deletion/cycles/7/sites/T9_NOWHERE/decisions")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	decode(t, w, &resp)
	if resp.Decisions == nil || len(resp.Decisions) != 0 {
		t.Errorf("Expected empty decisions, got %+v", resp.Decisions)
	}
}

func TestCopyRequests(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	w := get(t, router, "/copy/cycles/8/requests")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp CopyRequestsResponse
	decode(t, w, &resp)
	if len(resp.Requests) != 1 || resp.Requests[0].Rule != "two-copies" {
		t.Errorf("Unexpected requests: %+v", resp.Requests)
	}

	if w := get(t, router, "/copy/cycles/7/requests"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestOpenCycleConflict(t *testing.T) {
	store, del, cp := testFixtures()
	router := newTestRouter(store, del, cp)

	for _, path := range []string{
		"/deletion/cycles/9/sites",
		"/deletion/cycles/9/decisions",
		"/deletion/cycles/9/decisions?size_only=1",
		"/deletion/cycles/9/sites/T2_B/decisions",
		"/copy/cycles/10/requests",
	} {
		t.Run(path, func(t *testing.T) {
			w := get(t, router, path)
			if w.Code != http.StatusConflict {
				t.Fatalf("Expected status 409, got %d", w.Code)
			}
			var p Problem
			decode(t, w, &p)
			if p.Status != http.StatusConflict {
				t.Errorf("Expected problem status 409, got %d", p.Status)
			}
		})
	}

	// The cycle record itself stays inspectable.
	if w := get(t, router, "/cycles/9"); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestQueryErrorOnOpenCycle(t *testing.T) {
	store, del, cp := testFixtures()
	del.err = history.ErrCycleNotClosed

	w := get(t, newTestRouter(store, del, cp), "/deletion/cycles/7/decisions")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}
