package enforcer

import (
	"math/rand/v2"
	"time"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/variables"
)

// Request asks for a new replica of Dataset at Site.
type Request struct {
	Dataset inventory.DatasetID
	Site    inventory.SiteID
	Rule    string
}

// RuleStats summarizes one rule: datasets already at target and datasets
// still missing copies.
type RuleStats struct {
	Rule      string `json:"rule"`
	Target    int    `json:"target"`
	Satisfied int    `json:"satisfied"`
	Missing   int    `json:"missing"`
}

// Result is the output of one evaluation. Requests is empty in statistics
// mode.
type Result struct {
	Requests []Request
	Stats    []RuleStats
}

// Engine evaluates rules against a partition view.
type Engine struct {
	rules   []*Rule
	maxSize int64
	rng     *rand.Rand
}

// Options configure an Engine.
type Options struct {
	// MaxDatasetSize in bytes, zero for no limit.
	MaxDatasetSize int64

	// Rand drives candidate selection and request shuffling. Tests pass a
	// seeded source; nil seeds from the clock.
	Rand *rand.Rand
}

// NewEngine creates an engine over rules.
func NewEngine(rules []*Rule, opts Options) *Engine {
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Engine{rules: rules, maxSize: opts.MaxDatasetSize, rng: rng}
}

// Evaluate runs every rule. With statisticsOnly no site is chosen and no
// request emitted; otherwise the requests of all rules are shuffled
// together so no rule is systematically served first.
func (e *Engine) Evaluate(view *inventory.View, statisticsOnly bool) *Result {
	res := &Result{}
	for _, rule := range e.rules {
		stats, reqs := e.evaluateRule(view, rule, statisticsOnly)
		res.Stats = append(res.Stats, stats)
		res.Requests = append(res.Requests, reqs...)
	}

	if !statisticsOnly {
		e.rng.Shuffle(len(res.Requests), func(i, j int) {
			res.Requests[i], res.Requests[j] = res.Requests[j], res.Requests[i]
		})
	}
	return res
}

func (e *Engine) evaluateRule(view *inventory.View, rule *Rule, statisticsOnly bool) (RuleStats, []Request) {
	inv := view.Inventory()

	var dests, sources []inventory.SiteID
	isDest := map[inventory.SiteID]bool{}
	for _, sid := range view.Sites() {
		s := variables.Site{View: view, ID: sid}
		if rule.Destinations.Match(s) {
			dests = append(dests, sid)
			isDest[sid] = true
		}
		if rule.Sources.Match(s) {
			sources = append(sources, sid)
		}
	}

	target := min(rule.NumCopies, len(dests))
	stats := RuleStats{Rule: rule.Name, Target: target}
	if target == 0 {
		logger.Warn("rule has no destination sites", logger.KeyRule, rule.Name)
		return stats, nil
	}

	var reqs []Request
	checked := map[inventory.DatasetID]bool{}

	for _, src := range sources {
		for _, rid := range view.Replicas(src) {
			dsID := inv.Replica(rid).Dataset
			// Each dataset is judged once per rule, on its first source
			// replica.
			if checked[dsID] {
				continue
			}
			checked[dsID] = true

			ds := inv.Dataset(dsID)
			if e.maxSize > 0 && ds.Size > e.maxSize {
				continue
			}
			if !rule.Replicas.Match(variables.Replica{Inv: inv, ID: rid}) {
				continue
			}

			// Every replica at a destination counts, the source one included.
			satisfied := false
			count := 0
			for _, other := range ds.Replicas {
				if isDest[inv.Replica(other).Site] {
					count++
					if count >= target {
						satisfied = true
						break
					}
				}
			}
			if satisfied {
				stats.Satisfied++
				continue
			}

			candidates := make([]inventory.SiteID, 0, len(dests))
			for _, sid := range dests {
				if r, ok := inv.ReplicaAt(dsID, sid); ok && inv.Replica(r).IsFull() {
					continue
				}
				candidates = append(candidates, sid)
			}
			// The shortfall may be explained by replicas outside the
			// partition; nothing can be placed then.
			if len(candidates) == 0 {
				continue
			}

			stats.Missing++
			if statisticsOnly {
				continue
			}
			reqs = append(reqs, Request{
				Dataset: dsID,
				Site:    candidates[e.rng.IntN(len(candidates))],
				Rule:    rule.Name,
			})
		}
	}
	return stats, reqs
}
