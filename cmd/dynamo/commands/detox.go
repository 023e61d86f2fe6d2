package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/cli/output"
	"github.com/dynamo-dm/dynamo/pkg/config"
	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

var (
	detoxInventory string
	detoxTest      bool
	detoxDryRun    bool
	detoxComment   string
)

var detoxCmd = &cobra.Command{
	Use:   "detox <partition>",
	Short: "Run a deletion cycle",
	Long: `Evaluate the deletion policy of a partition against the inventory and
record the decisions as a new deletion cycle.

If the partition has an open deletion cycle left by a failed run, that cycle
is reused and rewritten from scratch.

Examples:
  # Run a production cycle
  dynamo detox AnalysisOps

  # Record a test cycle with a comment
  dynamo detox AnalysisOps --test --comment "new T2 quotas"

  # Evaluate only, record nothing
  dynamo detox AnalysisOps --dry-run -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runDetox,
}

func init() {
	detoxCmd.Flags().StringVar(&detoxInventory, "inventory", "", "Inventory file (default: inventory.path from config)")
	detoxCmd.Flags().BoolVar(&detoxTest, "test", false, "Record the cycle as a test cycle")
	detoxCmd.Flags().BoolVar(&detoxDryRun, "dry-run", false, "Evaluate without recording a cycle")
	detoxCmd.Flags().StringVar(&detoxComment, "comment", "", "Comment stored with the cycle")
}

// DetoxSummary is the printed outcome of a deletion cycle.
type DetoxSummary struct {
	Partition  string      `json:"partition" yaml:"partition"`
	Cycle      int64       `json:"cycle,omitempty" yaml:"cycle,omitempty"`
	Candidates int         `json:"candidates" yaml:"candidates"`
	Sites      []SiteTotal `json:"sites" yaml:"sites"`
}

// SiteTotal is the decided volume at one site in TB.
type SiteTotal struct {
	Site    string  `json:"site" yaml:"site"`
	Status  string  `json:"status" yaml:"status"`
	Quota   float64 `json:"quota" yaml:"quota"`
	Protect float64 `json:"protect" yaml:"protect"`
	Delete  float64 `json:"delete" yaml:"delete"`
	Keep    float64 `json:"keep" yaml:"keep"`
}

// Headers implements output.TableRenderer.
func (s DetoxSummary) Headers() []string {
	return []string{"Site", "Status", "Quota", "Protect", "Delete", "Keep"}
}

// Rows implements output.TableRenderer.
func (s DetoxSummary) Rows() [][]string {
	rows := make([][]string, 0, len(s.Sites))
	for _, st := range s.Sites {
		rows = append(rows, []string{
			st.Site, st.Status, output.TB(st.Quota),
			output.TB(st.Protect), output.TB(st.Delete), output.TB(st.Keep),
		})
	}
	return rows
}

func newDetoxSummary(report *detox.Report) DetoxSummary {
	res := report.Result
	s := DetoxSummary{
		Partition:  res.Partition,
		Cycle:      report.Cycle,
		Candidates: res.Candidates,
		Sites:      make([]SiteTotal, 0, len(res.Sites)),
	}
	for _, st := range res.Sites {
		s.Sites = append(s.Sites, SiteTotal{
			Site:    st.Name,
			Status:  string(st.Status),
			Quota:   st.Quota,
			Protect: st.Volumes.Protect,
			Delete:  st.Volumes.Delete,
			Keep:    st.Volumes.Keep,
		})
	}
	return s
}

func runDetox(cmd *cobra.Command, args []string) error {
	partition := args[0]

	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := cmdutil.InitObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()
	defer cmdutil.PushMetrics(cfg, "dynamo_detox")

	part, err := cfg.Partition(partition)
	if err != nil {
		return err
	}
	policy, err := cfg.Policy(partition)
	if err != nil {
		return err
	}
	inv, err := cmdutil.LoadInventory(cfg, detoxInventory)
	if err != nil {
		return err
	}

	var rec detox.Recorder
	if !detoxDryRun {
		stores, err := config.OpenStores(ctx, cfg, metrics.NewSnapshotMetrics())
		if err != nil {
			return err
		}
		defer func() { _ = stores.Close() }()
		rec = stores.Deletions
	}

	runner := detox.NewRunner(rec, metrics.NewCycleMetrics())
	report, err := runner.Run(ctx, inv.View(part), policy, detox.RunOptions{
		Test:    detoxTest,
		Comment: detoxComment,
	})
	if err != nil {
		return err
	}

	summary := newDetoxSummary(report)
	if err := cmdutil.PrintOutput(os.Stdout, summary, len(summary.Sites) == 0, "No sites in partition.", summary); err != nil {
		return err
	}
	if report.Cycle > 0 {
		cmdutil.PrintSuccess(fmt.Sprintf("Deletion cycle %d recorded for %s", report.Cycle, partition))
	}
	return nil
}
