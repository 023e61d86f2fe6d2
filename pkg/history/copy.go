package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/enforcer"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
)

// CopyHistory records copy cycles and the requests they emitted.
type CopyHistory struct {
	store *Store
}

var _ enforcer.Recorder = (*CopyHistory)(nil)

func NewCopyHistory(store *Store) *CopyHistory {
	return &CopyHistory{store: store}
}

// CopyRequestRow is a recorded copy request with names resolved.
type CopyRequestRow struct {
	Dataset string `json:"dataset"`
	Site    string `json:"site"`
	Rule    string `json:"rule"`
}

// StartCycle implements enforcer.Recorder. An open copy cycle left by a
// failed run is reused as the requested operation.
func (h *CopyHistory) StartCycle(ctx context.Context, partition string, test bool, comment string) (int64, error) {
	var cycle int64
	err := h.store.WithLock(ctx, partition, func() error {
		op := CopyOperation(test)
		id, err := h.store.NewCycle(ctx, partition, op, nil, comment)
		var openErr *CycleOpenError
		if errors.As(err, &openErr) {
			cycle = openErr.Cycle
			logger.WarnCtx(ctx, "reusing open copy cycle", logger.Cycle(cycle), "was", openErr.Operation)
			return h.store.RestartCycle(ctx, cycle, op, nil, comment)
		}
		cycle = id
		return err
	})
	if err != nil {
		return 0, err
	}
	return cycle, nil
}

// SaveCopyRequests implements enforcer.Recorder. Requests already recorded
// for cycle are replaced.
func (h *CopyHistory) SaveCopyRequests(ctx context.Context, cycle int64, inv *inventory.Inventory, reqs []enforcer.Request) error {
	partition, err := h.store.CyclePartition(ctx, cycle)
	if err != nil {
		return err
	}

	siteNames := make([]string, 0, len(reqs))
	datasetNames := make([]string, 0, len(reqs))
	for _, r := range reqs {
		siteNames = append(siteNames, inv.Site(r.Site).Name)
		datasetNames = append(datasetNames, inv.Dataset(r.Dataset).Name)
	}

	return h.store.WithLock(ctx, partition, func() error {
		sites, err := h.store.SaveSites(ctx, siteNames)
		if err != nil {
			return fmt.Errorf("failed to register sites: %w", err)
		}
		datasets, err := h.store.SaveDatasets(ctx, datasetNames)
		if err != nil {
			return fmt.Errorf("failed to register datasets: %w", err)
		}

		rows := make([]CopyRequest, len(reqs))
		for i, r := range reqs {
			rows[i] = CopyRequest{
				DatasetID: datasets[datasetNames[i]],
				SiteID:    sites[siteNames[i]],
				Rule:      r.Rule,
			}
		}
		return h.store.SaveCopyRequests(ctx, cycle, rows)
	})
}

// CloseCycle implements enforcer.Recorder.
func (h *CopyHistory) CloseCycle(ctx context.Context, cycle int64) error {
	partition, err := h.store.CyclePartition(ctx, cycle)
	if err != nil {
		return err
	}
	return h.store.WithLock(ctx, partition, func() error {
		return h.store.CloseCycle(ctx, cycle)
	})
}

// GetCycles lists closed copy cycles of partition.
func (h *CopyHistory) GetCycles(ctx context.Context, partition string, first, last int64, includeTest bool) ([]int64, error) {
	ops := []Operation{OpCopy}
	if includeTest {
		ops = append(ops, OpCopyTest)
	}
	return h.store.ListCycles(ctx, partition, first, last, ops...)
}

// GetCopyRequests returns the requests of cycle in the order they were
// emitted. Requests of an open cycle yield ErrCycleNotClosed.
func (h *CopyHistory) GetCopyRequests(ctx context.Context, cycle int64) ([]CopyRequestRow, error) {
	if err := h.store.CycleReadable(ctx, cycle); err != nil {
		return nil, err
	}
	reqs, err := h.store.CopyRequests(ctx, cycle)
	if err != nil {
		return nil, err
	}

	siteIDs := make(map[int64]bool)
	datasetIDs := make(map[int64]bool)
	for _, r := range reqs {
		siteIDs[r.SiteID] = true
		datasetIDs[r.DatasetID] = true
	}
	sites, err := h.store.SiteNames(ctx, keys(siteIDs))
	if err != nil {
		return nil, err
	}
	datasets, err := h.store.DatasetNames(ctx, keys(datasetIDs))
	if err != nil {
		return nil, err
	}

	out := make([]CopyRequestRow, len(reqs))
	for i, r := range reqs {
		out[i] = CopyRequestRow{Dataset: datasets[r.DatasetID], Site: sites[r.SiteID], Rule: r.Rule}
	}
	return out, nil
}
