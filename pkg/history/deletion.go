package history

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
)

// DeletionHistory records deletion cycles and answers queries about them.
// Decisions live in per-cycle snapshots; cycles, policies and names in the
// authoritative store.
type DeletionHistory struct {
	store *Store
	cache *snapshot.Cache
}

var _ detox.Recorder = (*DeletionHistory)(nil)

// NewDeletionHistory combines the authoritative store with a snapshot cache.
func NewDeletionHistory(store *Store, cache *snapshot.Cache) *DeletionHistory {
	return &DeletionHistory{store: store, cache: cache}
}

// SiteInfo is the recorded state of a site in one cycle.
type SiteInfo struct {
	Status string  `json:"status"`
	Quota  float64 `json:"quota"`
}

// DecisionRow is one recorded decision with its names resolved.
type DecisionRow struct {
	Dataset     string  `json:"dataset"`
	Size        int64   `json:"size"`
	Decision    string  `json:"decision"`
	ConditionID int64   `json:"condition_id"`
	Condition   string  `json:"condition"`
	SizeTB      float64 `json:"size_tb"`
}

// DecisionReport is the answer of GetDeletionDecisions. Volumes is filled
// when only sizes were requested, Rows otherwise.
type DecisionReport struct {
	Volumes map[string]detox.Volumes `json:"volumes,omitempty"`
	Rows    map[string][]DecisionRow `json:"rows,omitempty"`
}

// SaveConditions implements detox.Recorder.
func (h *DeletionHistory) SaveConditions(ctx context.Context, texts []string) ([]int64, error) {
	return h.store.SaveConditions(ctx, texts)
}

// StartCycle implements detox.Recorder. An open deletion cycle left by a
// failed run, test or not, is reused: its snapshot is discarded and it is
// restarted as the requested operation.
func (h *DeletionHistory) StartCycle(ctx context.Context, partition string, test bool, policy, comment string) (int64, error) {
	policyID, err := h.store.SavePolicy(ctx, policy)
	if err != nil {
		return 0, fmt.Errorf("failed to save policy: %w", err)
	}

	var (
		cycle  int64
		reused bool
	)
	err = h.store.WithLock(ctx, partition, func() error {
		op := DeletionOperation(test)
		id, err := h.store.NewCycle(ctx, partition, op, &policyID, comment)
		var openErr *CycleOpenError
		if errors.As(err, &openErr) {
			cycle, reused = openErr.Cycle, true
			return h.store.RestartCycle(ctx, cycle, op, &policyID, comment)
		}
		cycle = id
		return err
	})
	if err != nil {
		return 0, err
	}

	if reused {
		logger.WarnCtx(ctx, "reusing open deletion cycle", logger.Cycle(cycle))
		if err := h.cache.Discard(ctx, cycle); err != nil {
			return 0, fmt.Errorf("failed to discard snapshot of cycle %d: %w", cycle, err)
		}
	}
	return cycle, nil
}

// SaveCycleState implements detox.Recorder. Names are registered under the
// partition lock; the snapshot is written after the lock is released.
func (h *DeletionHistory) SaveCycleState(ctx context.Context, cycle int64, inv *inventory.Inventory, res *detox.Result) error {
	if err := h.store.CycleWritable(ctx, cycle); err != nil {
		return err
	}

	siteNames := make([]string, 0, len(res.Sites))
	for _, s := range res.Sites {
		siteNames = append(siteNames, s.Name)
	}
	datasetNames := make([]string, 0, len(res.Rows))
	seen := make(map[inventory.DatasetID]bool)
	for _, r := range res.Rows {
		if !seen[r.Dataset] {
			seen[r.Dataset] = true
			datasetNames = append(datasetNames, inv.Dataset(r.Dataset).Name)
		}
	}

	var siteIDs, datasetIDs map[string]int64
	err := h.store.WithLock(ctx, res.Partition, func() error {
		var err error
		if siteIDs, err = h.store.SaveSites(ctx, siteNames); err != nil {
			return err
		}
		datasetIDs, err = h.store.SaveDatasets(ctx, datasetNames)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to register names: %w", err)
	}

	snap := &snapshot.Snapshot{
		Replicas: make([]snapshot.ReplicaRow, len(res.Rows)),
		Sites:    make([]snapshot.SiteRow, len(res.Sites)),
	}
	for i, r := range res.Rows {
		snap.Replicas[i] = snapshot.ReplicaRow{
			SiteID:      siteIDs[inv.Site(r.Site).Name],
			DatasetID:   datasetIDs[inv.Dataset(r.Dataset).Name],
			Size:        r.Size,
			Decision:    string(r.Decision),
			ConditionID: r.ConditionID,
		}
	}
	for i, s := range res.Sites {
		snap.Sites[i] = snapshot.SiteRow{
			SiteID: siteIDs[s.Name],
			Status: string(s.Status),
			Quota:  s.Quota,
		}
	}
	return h.cache.Save(ctx, cycle, snap)
}

// CloseCycle implements detox.Recorder.
func (h *DeletionHistory) CloseCycle(ctx context.Context, cycle int64) error {
	partition, err := h.store.CyclePartition(ctx, cycle)
	if err != nil {
		return err
	}
	return h.store.WithLock(ctx, partition, func() error {
		return h.store.CloseCycle(ctx, cycle)
	})
}

// GetCycles lists closed deletion cycles of partition. See
// Store.ListCycleRecords for first and last.
func (h *DeletionHistory) GetCycles(ctx context.Context, partition string, first, last int64, includeTest bool) ([]int64, error) {
	ops := []Operation{OpDeletion}
	if includeTest {
		ops = append(ops, OpDeletionTest)
	}
	return h.store.ListCycles(ctx, partition, first, last, ops...)
}

// GetSites returns the recorded state of each site in cycle, keyed by
// name. With skipUnused, sites without any decision are left out. An open
// cycle yields ErrCycleNotClosed.
func (h *DeletionHistory) GetSites(ctx context.Context, cycle int64, skipUnused bool) (map[string]SiteInfo, error) {
	if err := h.store.CycleReadable(ctx, cycle); err != nil {
		return nil, err
	}
	rows, err := h.cache.Sites(ctx, cycle)
	if err != nil {
		return nil, err
	}

	var used map[int64]bool
	if skipUnused {
		ids, err := h.cache.UsedSites(ctx, cycle)
		if err != nil {
			return nil, err
		}
		used = make(map[int64]bool, len(ids))
		for _, id := range ids {
			used[id] = true
		}
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.SiteID)
	}
	names, err := h.store.SiteNames(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]SiteInfo, len(rows))
	for _, r := range rows {
		if used != nil && !used[r.SiteID] {
			continue
		}
		out[names[r.SiteID]] = SiteInfo{Status: r.Status, Quota: r.Quota}
	}
	return out, nil
}

// GetDeletionDecisions reports the decisions of cycle per site. With
// sizeOnly the report holds per-decision volumes in TB; otherwise it holds
// every row, largest first. decisions restricts the rows when non-empty.
func (h *DeletionHistory) GetDeletionDecisions(ctx context.Context, cycle int64, sizeOnly bool, decisions ...detox.Decision) (*DecisionReport, error) {
	if err := h.store.CycleReadable(ctx, cycle); err != nil {
		return nil, err
	}
	if sizeOnly {
		return h.volumes(ctx, cycle, decisions)
	}
	return h.decisionRows(ctx, cycle, nil, decisions)
}

// GetSiteDeletionDecisions lists the decisions of cycle at one site,
// largest first.
func (h *DeletionHistory) GetSiteDeletionDecisions(ctx context.Context, cycle int64, site string, decisions ...detox.Decision) ([]DecisionRow, error) {
	if err := h.store.CycleReadable(ctx, cycle); err != nil {
		return nil, err
	}
	siteID, err := h.store.SiteID(ctx, site)
	if errors.Is(err, ErrSiteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	report, err := h.decisionRows(ctx, cycle, &siteID, decisions)
	if err != nil {
		return nil, err
	}
	return report.Rows[site], nil
}

func (h *DeletionHistory) volumes(ctx context.Context, cycle int64, decisions []detox.Decision) (*DecisionReport, error) {
	rows, err := h.cache.Volumes(ctx, cycle)
	if err != nil {
		return nil, err
	}

	keep := decisionFilter(decisions)
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.SiteID)
	}
	names, err := h.store.SiteNames(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]detox.Volumes)
	for _, r := range rows {
		d := detox.Decision(r.Decision)
		if keep != nil && !keep[d] {
			continue
		}
		v := out[names[r.SiteID]]
		v.Add(d, detox.TB(r.Size))
		out[names[r.SiteID]] = v
	}
	return &DecisionReport{Volumes: out}, nil
}

func (h *DeletionHistory) decisionRows(ctx context.Context, cycle int64, siteID *int64, decisions []detox.Decision) (*DecisionReport, error) {
	q := snapshot.ReplicaQuery{SiteID: siteID}
	for _, d := range decisions {
		q.Decisions = append(q.Decisions, string(d))
	}
	rows, err := h.cache.QueryReplicas(ctx, cycle, q)
	if err != nil {
		return nil, err
	}

	siteIDs := make(map[int64]bool)
	datasetIDs := make(map[int64]bool)
	condIDs := make(map[int64]bool)
	for _, r := range rows {
		siteIDs[r.SiteID] = true
		datasetIDs[r.DatasetID] = true
		condIDs[r.ConditionID] = true
	}
	sites, err := h.store.SiteNames(ctx, keys(siteIDs))
	if err != nil {
		return nil, err
	}
	datasets, err := h.store.DatasetNames(ctx, keys(datasetIDs))
	if err != nil {
		return nil, err
	}
	conds, err := h.store.ConditionTexts(ctx, keys(condIDs))
	if err != nil {
		return nil, err
	}

	out := make(map[string][]DecisionRow)
	for _, r := range rows {
		site := sites[r.SiteID]
		out[site] = append(out[site], DecisionRow{
			Dataset:     datasets[r.DatasetID],
			Size:        r.Size,
			Decision:    r.Decision,
			ConditionID: r.ConditionID,
			Condition:   conds[r.ConditionID],
			SizeTB:      detox.TB(r.Size),
		})
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Size > list[j].Size })
	}
	return &DecisionReport{Rows: out}, nil
}

func decisionFilter(decisions []detox.Decision) map[detox.Decision]bool {
	if len(decisions) == 0 {
		return nil
	}
	m := make(map[detox.Decision]bool, len(decisions))
	for _, d := range decisions {
		m[d] = true
	}
	return m
}

func keys(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
