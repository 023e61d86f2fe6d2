package detox

import (
	"context"
	"fmt"
	"time"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/internal/telemetry"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

// Recorder persists deletion cycles. It is implemented by the history
// store; the engine itself never touches storage.
type Recorder interface {
	// SaveConditions returns the stored id of each condition text, creating
	// rows for texts not seen before.
	SaveConditions(ctx context.Context, texts []string) ([]int64, error)

	// StartCycle opens a cycle for partition. If an open cycle of the same
	// kind exists it is returned instead so a failed run is retried whole.
	StartCycle(ctx context.Context, partition string, test bool, policy, comment string) (int64, error)

	// SaveCycleState writes the decisions and site states of cycle.
	SaveCycleState(ctx context.Context, cycle int64, inv *inventory.Inventory, res *Result) error

	// CloseCycle marks cycle finished. The cycle is immutable afterwards.
	CloseCycle(ctx context.Context, cycle int64) error
}

// RunOptions control a single cycle.
type RunOptions struct {
	// Test records the cycle as deletion_test.
	Test    bool
	Comment string
}

// Report is the outcome of Run.
type Report struct {
	Cycle  int64 // 0 when nothing was recorded
	Result *Result
}

// Runner drives a deletion cycle: evaluate, then persist.
type Runner struct {
	rec     Recorder
	metrics metrics.CycleMetrics
}

// NewRunner creates a runner. rec may be nil for dry runs; m may be nil.
func NewRunner(rec Recorder, m metrics.CycleMetrics) *Runner {
	return &Runner{rec: rec, metrics: m}
}

// Run evaluates policy over view and records the cycle. Evaluation errors
// abort the run before a cycle is opened, so a failed evaluation never
// leaves a partial cycle behind.
func (r *Runner) Run(ctx context.Context, view *inventory.View, policy *Policy, opts RunOptions) (*Report, error) {
	op := "deletion"
	if opts.Test {
		op = "deletion_test"
	}
	start := time.Now()

	ctx, span := telemetry.StartCycleSpan(ctx, op, policy.Partition)
	defer span.End()
	cc := logger.NewCycleContext(policy.Partition, op).WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, cc)

	report, err := r.run(ctx, view, policy, opts, cc)
	metrics.ObserveCycle(r.metrics, op, policy.Partition, time.Since(start), err)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "deletion cycle failed", logger.Err(err))
		return nil, err
	}
	return report, nil
}

func (r *Runner) run(ctx context.Context, view *inventory.View, policy *Policy, opts RunOptions, cc *logger.CycleContext) (*Report, error) {
	if r.rec != nil {
		ids, err := r.rec.SaveConditions(ctx, policy.Conditions())
		if err != nil {
			return nil, fmt.Errorf("failed to save policy conditions: %w", err)
		}
		for i, line := range policy.Lines {
			line.ConditionID = ids[i]
		}
	}

	res, err := Evaluate(view, policy)
	if err != nil {
		return nil, err
	}
	telemetry.AddEvent(ctx, "evaluated", telemetry.Count(res.Candidates))

	var total Volumes
	for _, s := range res.Sites {
		total.Protect += s.Volumes.Protect
		total.Delete += s.Volumes.Delete
		total.Keep += s.Volumes.Keep
	}
	for _, d := range Decisions {
		metrics.ObserveVolume(r.metrics, policy.Partition, string(d), total.Of(d))
	}
	logger.InfoCtx(ctx, "policy evaluated",
		"replicas", res.Candidates,
		"protect_tb", total.Protect,
		"delete_tb", total.Delete,
		"keep_tb", total.Keep)

	if r.rec == nil {
		return &Report{Result: res}, nil
	}

	cycle, err := r.rec.StartCycle(ctx, policy.Partition, opts.Test, policy.Text, opts.Comment)
	if err != nil {
		return nil, fmt.Errorf("failed to start cycle: %w", err)
	}
	ctx = logger.WithContext(ctx, cc.WithCycle(cycle))
	telemetry.SetAttributes(ctx, telemetry.Cycle(cycle))

	if err := r.rec.SaveCycleState(ctx, cycle, view.Inventory(), res); err != nil {
		return nil, fmt.Errorf("failed to save cycle %d: %w", cycle, err)
	}
	if err := r.rec.CloseCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("failed to close cycle %d: %w", cycle, err)
	}

	logger.InfoCtx(ctx, "deletion cycle closed", logger.KeyDurationMs, cc.DurationMs())
	return &Report{Cycle: cycle, Result: res}, nil
}
