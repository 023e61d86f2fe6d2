package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/config"
	"github.com/dynamo-dm/dynamo/pkg/enforcer"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

var (
	enforceInventory string
	enforceTest      bool
	enforceStats     bool
	enforceComment   string
)

var enforceCmd = &cobra.Command{
	Use:   "enforce <partition>",
	Short: "Run a replication enforcement cycle",
	Long: `Evaluate the replication rules against the partition and record the
resulting copy requests as a new copy cycle.

With --statistics-only (or enforcer.statistics_only in the config) only the
per-rule counts are reported and no cycle is recorded.

Examples:
  # Request missing copies
  dynamo enforce AnalysisOps

  # Show how far each rule is from its target
  dynamo enforce AnalysisOps --statistics-only`,
	Args: cobra.ExactArgs(1),
	RunE: runEnforce,
}

func init() {
	enforceCmd.Flags().StringVar(&enforceInventory, "inventory", "", "Inventory file (default: inventory.path from config)")
	enforceCmd.Flags().BoolVar(&enforceTest, "test", false, "Record the cycle as a test cycle")
	enforceCmd.Flags().BoolVar(&enforceStats, "statistics-only", false, "Report rule statistics without requesting copies")
	enforceCmd.Flags().StringVar(&enforceComment, "comment", "", "Comment stored with the cycle")
}

// EnforceSummary is the printed outcome of an enforcement cycle.
type EnforceSummary struct {
	Partition string               `json:"partition" yaml:"partition"`
	Cycle     int64                `json:"cycle,omitempty" yaml:"cycle,omitempty"`
	Rules     []enforcer.RuleStats `json:"rules" yaml:"rules"`
	Requests  []RequestLine        `json:"requests" yaml:"requests"`
}

// RequestLine is a copy request with names resolved.
type RequestLine struct {
	Dataset string `json:"dataset" yaml:"dataset"`
	Site    string `json:"site" yaml:"site"`
	Rule    string `json:"rule" yaml:"rule"`
}

// Headers implements output.TableRenderer.
func (s EnforceSummary) Headers() []string {
	return []string{"Rule", "Target", "Satisfied", "Missing", "Requested"}
}

// Rows implements output.TableRenderer.
func (s EnforceSummary) Rows() [][]string {
	requested := map[string]int{}
	for _, r := range s.Requests {
		requested[r.Rule]++
	}
	rows := make([][]string, 0, len(s.Rules))
	for _, st := range s.Rules {
		rows = append(rows, []string{
			st.Rule,
			strconv.Itoa(st.Target),
			strconv.Itoa(st.Satisfied),
			strconv.Itoa(st.Missing),
			strconv.Itoa(requested[st.Rule]),
		})
	}
	return rows
}

func newEnforceSummary(partition string, inv *inventory.Inventory, report *enforcer.Report) EnforceSummary {
	s := EnforceSummary{
		Partition: partition,
		Cycle:     report.Cycle,
		Rules:     report.Result.Stats,
		Requests:  make([]RequestLine, 0, len(report.Result.Requests)),
	}
	for _, r := range report.Result.Requests {
		s.Requests = append(s.Requests, RequestLine{
			Dataset: inv.Dataset(r.Dataset).Name,
			Site:    inv.Site(r.Site).Name,
			Rule:    r.Rule,
		})
	}
	return s
}

func runEnforce(cmd *cobra.Command, args []string) error {
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
	defer cmdutil.PushMetrics(cfg, "dynamo_enforce")

	part, err := cfg.Partition(partition)
	if err != nil {
		return err
	}
	rules, err := cfg.EnforcerRules()
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return fmt.Errorf("no replication rules configured")
	}
	inv, err := cmdutil.LoadInventory(cfg, enforceInventory)
	if err != nil {
		return err
	}

	statsOnly := enforceStats || cfg.Enforcer.StatisticsOnly

	var rec enforcer.Recorder
	if !statsOnly {
		stores, err := config.OpenStores(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer func() { _ = stores.Close() }()
		rec = stores.Copies
	}

	engine := enforcer.NewEngine(rules, enforcer.Options{MaxDatasetSize: cfg.Enforcer.MaxDatasetSize.Int64()})
	runner := enforcer.NewRunner(engine, rec, metrics.NewCycleMetrics())
	report, err := runner.Run(ctx, inv.View(part), enforcer.RunOptions{
		Test:           enforceTest,
		Comment:        enforceComment,
		StatisticsOnly: statsOnly,
	})
	if err != nil {
		return err
	}

	summary := newEnforceSummary(partition, inv, report)
	if err := cmdutil.PrintOutput(os.Stdout, summary, len(summary.Rules) == 0, "No rules evaluated.", summary); err != nil {
		return err
	}
	if report.Cycle > 0 {
		cmdutil.PrintSuccess(fmt.Sprintf("Copy cycle %d recorded with %d requests", report.Cycle, len(summary.Requests)))
	}
	return nil
}
