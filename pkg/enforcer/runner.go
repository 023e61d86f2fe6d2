package enforcer

import (
	"context"
	"fmt"
	"time"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/internal/telemetry"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

// Recorder persists copy cycles.
type Recorder interface {
	// StartCycle opens a copy cycle, reusing an open one of the same kind.
	StartCycle(ctx context.Context, partition string, test bool, comment string) (int64, error)

	// SaveCopyRequests stores the requests of cycle for audit.
	SaveCopyRequests(ctx context.Context, cycle int64, inv *inventory.Inventory, reqs []Request) error

	CloseCycle(ctx context.Context, cycle int64) error
}

// RunOptions control one enforcement cycle.
type RunOptions struct {
	Test    bool
	Comment string

	// StatisticsOnly overrides the engine config for this run.
	StatisticsOnly bool
}

// Report is the outcome of Run.
type Report struct {
	Cycle  int64
	Result *Result
}

// Runner evaluates rules and records the resulting copy cycle.
type Runner struct {
	engine  *Engine
	rec     Recorder
	metrics metrics.CycleMetrics
}

// NewRunner creates a runner. rec and m may be nil.
func NewRunner(engine *Engine, rec Recorder, m metrics.CycleMetrics) *Runner {
	return &Runner{engine: engine, rec: rec, metrics: m}
}

// Run evaluates the rules over view. Statistics-only runs and runs without
// a recorder never open a cycle.
func (r *Runner) Run(ctx context.Context, view *inventory.View, opts RunOptions) (*Report, error) {
	op := "copy"
	if opts.Test {
		op = "copy_test"
	}
	partition := view.Partition().Name
	start := time.Now()

	ctx, span := telemetry.StartCycleSpan(ctx, op, partition)
	defer span.End()
	cc := logger.NewCycleContext(partition, op).WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, cc)

	res := r.engine.Evaluate(view, opts.StatisticsOnly)

	requested := map[string]int{}
	for _, req := range res.Requests {
		requested[req.Rule]++
	}
	for _, st := range res.Stats {
		metrics.ObserveRule(r.metrics, partition, st.Rule, st.Satisfied, st.Missing, requested[st.Rule])
		logger.InfoCtx(ctx, "rule evaluated",
			logger.KeyRule, st.Rule,
			logger.KeyTarget, st.Target,
			logger.KeyEnforced, st.Satisfied,
			logger.KeyMissing, st.Missing)
	}
	telemetry.AddEvent(ctx, "evaluated", telemetry.Count(len(res.Requests)))

	if opts.StatisticsOnly || r.rec == nil {
		metrics.ObserveCycle(r.metrics, op, partition, time.Since(start), nil)
		return &Report{Result: res}, nil
	}

	cycle, err := r.record(ctx, cc, view, res, opts)
	metrics.ObserveCycle(r.metrics, op, partition, time.Since(start), err)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "copy cycle failed", logger.Err(err))
		return nil, err
	}
	return &Report{Cycle: cycle, Result: res}, nil
}

func (r *Runner) record(ctx context.Context, cc *logger.CycleContext, view *inventory.View, res *Result, opts RunOptions) (int64, error) {
	cycle, err := r.rec.StartCycle(ctx, view.Partition().Name, opts.Test, opts.Comment)
	if err != nil {
		return 0, fmt.Errorf("failed to start cycle: %w", err)
	}
	ctx = logger.WithContext(ctx, cc.WithCycle(cycle))
	telemetry.SetAttributes(ctx, telemetry.Cycle(cycle))

	if err := r.rec.SaveCopyRequests(ctx, cycle, view.Inventory(), res.Requests); err != nil {
		return 0, fmt.Errorf("failed to save requests of cycle %d: %w", cycle, err)
	}
	if err := r.rec.CloseCycle(ctx, cycle); err != nil {
		return 0, fmt.Errorf("failed to close cycle %d: %w", cycle, err)
	}

	logger.InfoCtx(ctx, "copy cycle closed", logger.KeyRequests, len(res.Requests), logger.KeyDurationMs, cc.DurationMs())
	return cycle, nil
}
