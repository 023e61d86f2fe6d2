package enforcer

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamo-dm/dynamo/internal/bytesize"
	"github.com/dynamo-dm/dynamo/pkg/condition"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
)

const inventoryDoc = `
groups: [DataOps]
sites:
  - {name: T1_A, status: ready}
  - {name: T1_B, status: ready}
  - {name: T1_C, status: ready}
  - {name: T2_S, status: ready}
datasets:
  - name: /Twice/Run/AOD
    blocks: [{name: "#1", size: 1000}]
    replicas:
      - {site: T1_A, group: DataOps}
      - {site: T1_B, group: DataOps}
  - name: /Once/Run/AOD
    blocks: [{name: "#1", size: 1000}]
    replicas:
      - {site: T1_A, group: DataOps}
  - name: /Huge/Run/RAW
    blocks: [{name: "#1", size: 300000000000000}]
    replicas:
      - {site: T1_A, group: DataOps}
`

func testView(t *testing.T) *inventory.View {
	t.Helper()
	inv, err := inventory.Load(strings.NewReader(inventoryDoc))
	require.NoError(t, err)
	return inv.View(inventory.AllPartition("Global"))
}

func rule(numCopies int) RuleConfig {
	return RuleConfig{
		NumCopies:    numCopies,
		Destinations: []string{"site.name in [T1_A, T1_B, T1_C]"},
		Sources:      []string{"site.name == T1_*"},
		Replicas:     []string{"dataset.name == */AOD"},
	}
}

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func TestCompileRules(t *testing.T) {
	t.Run("SortedByName", func(t *testing.T) {
		rules, err := CompileRules(map[string]RuleConfig{"zeta": rule(1), "alpha": rule(2)})
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "alpha", rules[0].Name)
		assert.Equal(t, "zeta", rules[1].Name)
	})

	t.Run("NonPositiveCopies", func(t *testing.T) {
		_, err := CompileRules(map[string]RuleConfig{"r": rule(0)})
		assert.ErrorIs(t, err, ErrInvalidRule)
	})

	t.Run("EmptyConditionList", func(t *testing.T) {
		cfg := rule(1)
		cfg.Sources = nil
		_, err := CompileRules(map[string]RuleConfig{"r": cfg})
		assert.ErrorIs(t, err, condition.ErrNoConditions)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		cfg := rule(1)
		cfg.Replicas = []string{"dataset.size >"}
		_, err := CompileRules(map[string]RuleConfig{"r": cfg})
		var syn *condition.SyntaxError
		assert.ErrorAs(t, err, &syn)
	})

	t.Run("NoRules", func(t *testing.T) {
		_, err := CompileRules(nil)
		assert.ErrorIs(t, err, ErrInvalidRule)
	})
}

func TestEvaluate(t *testing.T) {
	view := testView(t)
	inv := view.Inventory()
	twice, _ := inv.DatasetByName("/Twice/Run/AOD")
	once, _ := inv.DatasetByName("/Once/Run/AOD")
	siteA, _ := inv.SiteByName("T1_A")
	siteB, _ := inv.SiteByName("T1_B")
	siteC, _ := inv.SiteByName("T1_C")

	t.Run("TargetCappedByDestinations", func(t *testing.T) {
		rules, err := CompileRules(map[string]RuleConfig{"r": rule(5)})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, true)
		require.Len(t, res.Stats, 1)
		assert.Equal(t, 3, res.Stats[0].Target)
	})

	t.Run("SatisfiedDatasetNotRequested", func(t *testing.T) {
		rules, err := CompileRules(map[string]RuleConfig{"r": rule(2)})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, false)
		assert.Equal(t, 1, res.Stats[0].Satisfied)
		for _, req := range res.Requests {
			assert.NotEqual(t, twice, req.Dataset)
		}
	})

	t.Run("MissingCopyGoesToFreeDestination", func(t *testing.T) {
		rules, err := CompileRules(map[string]RuleConfig{"r": rule(2)})
		require.NoError(t, err)

		seen := map[inventory.SiteID]bool{}
		for seed := uint64(0); seed < 32; seed++ {
			res := NewEngine(rules, Options{Rand: seeded(seed)}).Evaluate(view, false)
			require.Len(t, res.Requests, 1)
			req := res.Requests[0]
			assert.Equal(t, once, req.Dataset)
			assert.Equal(t, "r", req.Rule)
			assert.NotEqual(t, siteA, req.Site)
			seen[req.Site] = true
		}
		assert.True(t, seen[siteB])
		assert.True(t, seen[siteC])
	})

	t.Run("StatisticsOnlyEmitsNothing", func(t *testing.T) {
		rules, err := CompileRules(map[string]RuleConfig{"r": rule(2)})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, true)
		assert.Empty(t, res.Requests)
		assert.Equal(t, RuleStats{Rule: "r", Target: 2, Satisfied: 1, Missing: 1}, res.Stats[0])
	})

	t.Run("MaxDatasetSize", func(t *testing.T) {
		cfg := rule(2)
		cfg.Replicas = []string{"dataset.name == /*"}
		rules, err := CompileRules(map[string]RuleConfig{"r": cfg})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, true)
		assert.Equal(t, 2, res.Stats[0].Missing)

		limit := (200 * bytesize.TB).Int64()
		res = NewEngine(rules, Options{Rand: seeded(1), MaxDatasetSize: limit}).Evaluate(view, true)
		assert.Equal(t, 1, res.Stats[0].Missing)
	})

	t.Run("NoDestinations", func(t *testing.T) {
		cfg := rule(2)
		cfg.Destinations = []string{"site.name == T3_*"}
		rules, err := CompileRules(map[string]RuleConfig{"r": cfg})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, false)
		assert.Empty(t, res.Requests)
		assert.Equal(t, RuleStats{Rule: "r"}, res.Stats[0])
	})

	t.Run("TargetCappedToTwo", func(t *testing.T) {
		cfg := rule(3)
		cfg.Destinations = []string{"site.name in [T1_A, T1_B]"}
		rules, err := CompileRules(map[string]RuleConfig{"r": cfg})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, false)
		assert.Equal(t, 1, res.Stats[0].Satisfied)
		assert.Equal(t, 1, res.Stats[0].Missing)
	})

	t.Run("RequestsOfAllRulesCollected", func(t *testing.T) {
		rules, err := CompileRules(map[string]RuleConfig{"a": rule(2), "b": rule(3)})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(7)}).Evaluate(view, false)
		byRule := map[string]int{}
		for _, r := range res.Requests {
			byRule[r.Rule]++
		}
		assert.Equal(t, map[string]int{"a": 1, "b": 2}, byRule)
	})

	t.Run("DatasetJudgedOnFirstSourceReplica", func(t *testing.T) {
		// /Twice/Run/AOD is seen at T1_A first. That replica fails the
		// condition, so the later T1_B replica, which would match, is never
		// considered.
		cfg := rule(3)
		cfg.Replicas = []string{"replica.site == T1_B and dataset.name == */AOD"}
		rules, err := CompileRules(map[string]RuleConfig{"r": cfg})
		require.NoError(t, err)

		res := NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, false)
		assert.Equal(t, RuleStats{Rule: "r", Target: 3}, res.Stats[0])
		assert.Empty(t, res.Requests)

		cfg.Replicas = []string{"replica.site == T1_A and dataset.name == */AOD"}
		rules, err = CompileRules(map[string]RuleConfig{"r": cfg})
		require.NoError(t, err)

		res = NewEngine(rules, Options{Rand: seeded(1)}).Evaluate(view, false)
		assert.Equal(t, 2, res.Stats[0].Missing)
		var requested []inventory.DatasetID
		for _, req := range res.Requests {
			requested = append(requested, req.Dataset)
		}
		assert.Contains(t, requested, twice)
	})
}

type fakeRecorder struct {
	started  int
	closed   []int64
	requests []Request
}

func (f *fakeRecorder) StartCycle(_ context.Context, _ string, _ bool, _ string) (int64, error) {
	f.started++
	return 42, nil
}

func (f *fakeRecorder) SaveCopyRequests(_ context.Context, _ int64, _ *inventory.Inventory, reqs []Request) error {
	f.requests = append(f.requests, reqs...)
	return nil
}

func (f *fakeRecorder) CloseCycle(_ context.Context, cycle int64) error {
	f.closed = append(f.closed, cycle)
	return nil
}

func TestRunner(t *testing.T) {
	view := testView(t)
	rules, err := CompileRules(map[string]RuleConfig{"r": rule(2)})
	require.NoError(t, err)

	t.Run("RecordsCycle", func(t *testing.T) {
		rec := &fakeRecorder{}
		report, err := NewRunner(NewEngine(rules, Options{Rand: seeded(3)}), rec, nil).
			Run(context.Background(), view, RunOptions{Comment: "test"})
		require.NoError(t, err)
		assert.Equal(t, int64(42), report.Cycle)
		assert.Equal(t, []int64{42}, rec.closed)
		assert.Len(t, rec.requests, 1)
	})

	t.Run("StatisticsOnlyRecordsNothing", func(t *testing.T) {
		rec := &fakeRecorder{}
		report, err := NewRunner(NewEngine(rules, Options{Rand: seeded(3)}), rec, nil).
			Run(context.Background(), view, RunOptions{StatisticsOnly: true})
		require.NoError(t, err)
		assert.Zero(t, report.Cycle)
		assert.Zero(t, rec.started)
		assert.Len(t, report.Result.Stats, 1)
	})
}
