package detox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamo-dm/dynamo/pkg/condition"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
)

const inventoryDoc = `
groups: [AnalysisOps]
sites:
  - {name: T2_A, status: ready, quotas: {AnalysisOps: 10}}
  - {name: T2_B, status: waitroom, quotas: {AnalysisOps: 5}}
  - {name: T2_C, status: ready}
datasets:
  - name: /Big/Run/AOD
    blocks:
      - {name: "#1", size: 2000000000000}
      - {name: "#2", size: 1000000000000}
    replicas:
      - {site: T2_A, group: AnalysisOps}
      - {site: T2_B, group: AnalysisOps}
  - name: /Small/Run/MINIAOD
    blocks:
      - {name: "#1", size: 500000000000}
    replicas:
      - {site: T2_A, group: AnalysisOps, custodial: true}
  - name: /Open/Run/RAW
    open: true
    blocks:
      - {name: "#old", size: 100, open: false}
      - {name: "#new", size: 200, open: true}
    replicas:
      - {site: T2_B, group: AnalysisOps}
`

func testView(t *testing.T) *inventory.View {
	t.Helper()
	inv, err := inventory.Load(strings.NewReader(inventoryDoc))
	require.NoError(t, err)
	return inv.View(inventory.GroupPartition("AnalysisOps", "AnalysisOps"))
}

func mustPolicy(t *testing.T, text string) *Policy {
	t.Helper()
	p, err := ParsePolicy("AnalysisOps", text, ParseOptions{})
	require.NoError(t, err)
	return p
}

func TestParsePolicy(t *testing.T) {
	p := mustPolicy(t, `
# comment
On site.status == ready
On site.name == T2_B
Protect replica.is_custodial
DeleteBlock   block.is_open == false
Dismiss dataset.name == /Small/*
Delete
`)
	require.Len(t, p.Lines, 4)
	assert.Len(t, p.Target, 2)

	assert.Equal(t, Protect, p.Lines[0].Decision)
	assert.False(t, p.Lines[0].Block)
	assert.Equal(t, Delete, p.Lines[1].Decision)
	assert.True(t, p.Lines[1].Block)
	assert.Equal(t, Keep, p.Lines[2].Decision)
	assert.Equal(t, "true", p.Lines[3].Text())
	assert.Equal(t, []string{
		"replica.is_custodial",
		"block.is_open == false",
		"dataset.name == /Small/*",
		"true",
	}, p.Conditions())
}

func TestParsePolicyErrors(t *testing.T) {
	var cfgErr *ConfigurationError
	var synErr *condition.SyntaxError

	_, err := ParsePolicy("p", "Remove replica.is_custodial", ParseOptions{})
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 1, cfgErr.Line)

	_, err = ParsePolicy("p", "# nothing", ParseOptions{})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = ParsePolicy("p", "On\nDelete", ParseOptions{})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = ParsePolicy("p", "Protect replica.colour == red\nDelete", ParseOptions{})
	assert.ErrorAs(t, err, &synErr)

	_, err = ParsePolicy("p", "DeleteBlock replica.is_custodial\nDelete", ParseOptions{})
	assert.ErrorAs(t, err, &synErr, "block lines use block replica variables")
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("DELETE")
	require.NoError(t, err)
	assert.Equal(t, Delete, d)

	_, err = ParseDecision("drop")
	assert.Error(t, err)
}

func TestEvaluateDecidesEveryCandidateOnce(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, `
Protect replica.is_custodial
Delete site.status == waitroom
Keep
`)
	res, err := Evaluate(view, p)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Candidates)
	require.Len(t, res.Rows, 4)

	seen := map[inventory.ReplicaID]bool{}
	for _, row := range res.Rows {
		assert.False(t, seen[row.Replica], "replica decided twice")
		seen[row.Replica] = true
		assert.Contains(t, Decisions, row.Decision)
	}

	inv := view.Inventory()
	byName := map[string]Decision{}
	for _, row := range res.Rows {
		byName[inv.Dataset(row.Dataset).Name+"@"+inv.Site(row.Site).Name] = row.Decision
	}
	assert.Equal(t, map[string]Decision{
		"/Big/Run/AOD@T2_A":       Keep,
		"/Big/Run/AOD@T2_B":       Delete,
		"/Small/Run/MINIAOD@T2_A": Protect,
		"/Open/Run/RAW@T2_B":      Delete,
	}, byName)
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, `
Keep dataset.name == /Nothing/*
Keep site.name == T2_Z
Protect dataset.name == /Big/*
Delete site.name == T2_Q
Keep
Delete dataset.name == /Big/*
`)
	res, err := Evaluate(view, p)
	require.NoError(t, err)

	inv := view.Inventory()
	for _, row := range res.Rows {
		if inv.Dataset(row.Dataset).Name == "/Big/Run/AOD" {
			assert.Equal(t, Protect, row.Decision)
			assert.Equal(t, 2, row.Line)
		} else {
			assert.Equal(t, 4, row.Line)
		}
	}
}

func TestEvaluateVolumesAndSites(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, "Protect replica.is_custodial\nDelete site.name == T2_A\nKeep")

	res, err := Evaluate(view, p)
	require.NoError(t, err)
	require.Len(t, res.Sites, 3)

	states := map[string]SiteState{}
	for _, s := range res.Sites {
		states[s.Name] = s
	}
	assert.InDelta(t, 0.5, states["T2_A"].Volumes.Protect, 1e-9)
	assert.InDelta(t, 3.0, states["T2_A"].Volumes.Delete, 1e-9)
	assert.InDelta(t, 3.0, states["T2_B"].Volumes.Keep, 1e-9)
	assert.Equal(t, 10.0, states["T2_A"].Quota)
	assert.Equal(t, inventory.SiteWaitroom, states["T2_B"].Status)
	assert.Zero(t, states["T2_C"].Volumes)
}

func TestEvaluateNoMatchingRule(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, "Protect replica.is_custodial\nDelete site.name == T2_B")

	res, err := Evaluate(view, p)
	assert.Nil(t, res)

	var nm *NoMatchingRuleError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "T2_A", nm.Site)
	assert.Equal(t, "/Big/Run/AOD", nm.Dataset)
	assert.Empty(t, nm.Block)
}

func TestEvaluateBlockLines(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, `
On site.name == T2_B
DeleteBlock not block.is_open and dataset.name == /Open/*
ProtectBlock block.is_open
Keep
`)
	res, err := Evaluate(view, p)
	require.NoError(t, err)

	// Only T2_B is a target: /Big at T2_B and /Open at T2_B.
	assert.Equal(t, 2, res.Candidates)

	inv := view.Inventory()
	var open []Row
	for _, row := range res.Rows {
		if inv.Dataset(row.Dataset).Name == "/Open/Run/RAW" {
			open = append(open, row)
		}
	}
	require.Len(t, open, 2)
	assert.Equal(t, Delete, open[0].Decision)
	assert.Equal(t, int64(100), open[0].Size)
	assert.Equal(t, Protect, open[1].Decision)
	assert.Equal(t, int64(200), open[1].Size)
}

func TestEvaluateBlockLinesLeaveRemainder(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, `
On site.name == T2_B
DeleteBlock block.is_open == false and dataset.name == /Open/*
Keep dataset.name == /Big/*
`)
	_, err := Evaluate(view, p)

	var nm *NoMatchingRuleError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "#new", nm.Block)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	view := testView(t)
	p := mustPolicy(t, "Protect replica.is_custodial\nDelete site.status == waitroom\nKeep")

	first, err := Evaluate(view, p)
	require.NoError(t, err)
	second, err := Evaluate(view, p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// fakeRecorder records calls in order.
type fakeRecorder struct {
	calls    []string
	saved    *Result
	startErr error
}

func (f *fakeRecorder) SaveConditions(_ context.Context, texts []string) ([]int64, error) {
	f.calls = append(f.calls, "conditions")
	ids := make([]int64, len(texts))
	for i := range texts {
		ids[i] = int64(100 + i)
	}
	return ids, nil
}

func (f *fakeRecorder) StartCycle(context.Context, string, bool, string, string) (int64, error) {
	f.calls = append(f.calls, "start")
	return 7, f.startErr
}

func (f *fakeRecorder) SaveCycleState(_ context.Context, _ int64, _ *inventory.Inventory, res *Result) error {
	f.calls = append(f.calls, "save")
	f.saved = res
	return nil
}

func (f *fakeRecorder) CloseCycle(context.Context, int64) error {
	f.calls = append(f.calls, "close")
	return nil
}

func TestRunnerRecordsCycle(t *testing.T) {
	view := testView(t)
	rec := &fakeRecorder{}
	p := mustPolicy(t, "Protect replica.is_custodial\nKeep")

	report, err := NewRunner(rec, nil).Run(context.Background(), view, p, RunOptions{Comment: "weekly"})
	require.NoError(t, err)

	assert.Equal(t, int64(7), report.Cycle)
	assert.Equal(t, []string{"conditions", "start", "save", "close"}, rec.calls)
	for _, row := range rec.saved.Rows {
		assert.Equal(t, int64(100+row.Line), row.ConditionID)
	}
}

func TestRunnerAbortsBeforeCycleOnNoMatch(t *testing.T) {
	rec := &fakeRecorder{}
	p := mustPolicy(t, "Protect replica.is_custodial")

	_, err := NewRunner(rec, nil).Run(context.Background(), testView(t), p, RunOptions{})
	var nm *NoMatchingRuleError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, []string{"conditions"}, rec.calls)
}

func TestRunnerPropagatesStoreErrors(t *testing.T) {
	rec := &fakeRecorder{startErr: errors.New("locked")}
	_, err := NewRunner(rec, nil).Run(context.Background(), testView(t), mustPolicy(t, "Keep"), RunOptions{Test: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
	assert.NotContains(t, rec.calls, "save")
}

func TestRunnerDryRun(t *testing.T) {
	report, err := NewRunner(nil, nil).Run(context.Background(), testView(t), mustPolicy(t, "Keep"), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Cycle)
	assert.Equal(t, 4, report.Result.Candidates)
}
