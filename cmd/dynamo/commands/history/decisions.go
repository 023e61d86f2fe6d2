package history

import (
	"context"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/cli/output"
	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

var (
	decisionsSite     string
	decisionsSizeOnly bool
	decisionsFilter   string
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions <cycle>",
	Short: "Show the decisions of a deletion cycle",
	Long: `Show the decisions recorded in a deletion cycle, largest replicas first.

Snapshots of old cycles are fetched from the archive on first access, which
can take a while.

Examples:
  # Volumes per site and decision
  dynamo history decisions 1234 --size-only

  # Deletions at one site
  dynamo history decisions 1234 --site T2_US_MIT --decision delete`,
	Args: cobra.ExactArgs(1),
	RunE: runDecisions,
}

func init() {
	decisionsCmd.Flags().StringVar(&decisionsSite, "site", "", "Only decisions at this site")
	decisionsCmd.Flags().BoolVar(&decisionsSizeOnly, "size-only", false, "Only per-site volumes in TB")
	decisionsCmd.Flags().StringVar(&decisionsFilter, "decision", "", "Comma-separated decisions to include (protect,delete,keep)")
}

// DecisionTable lists decision rows per site.
type DecisionTable map[string][]history.DecisionRow

// Headers implements output.TableRenderer.
func (dt DecisionTable) Headers() []string {
	return []string{"Site", "Dataset", "Size (TB)", "Decision", "Condition"}
}

// Rows implements output.TableRenderer.
func (dt DecisionTable) Rows() [][]string {
	var rows [][]string
	for _, site := range sortedKeys(dt) {
		for _, r := range dt[site] {
			rows = append(rows, []string{site, r.Dataset, output.TB(r.SizeTB), r.Decision, r.Condition})
		}
	}
	return rows
}

// VolumeTable lists decided volumes per site.
type VolumeTable map[string]detox.Volumes

// Headers implements output.TableRenderer.
func (vt VolumeTable) Headers() []string {
	return []string{"Site", "Protect", "Delete", "Keep"}
}

// Rows implements output.TableRenderer.
func (vt VolumeTable) Rows() [][]string {
	rows := make([][]string, 0, len(vt))
	for _, site := range sortedKeys(vt) {
		v := vt[site]
		rows = append(rows, []string{site, output.TB(v.Protect), output.TB(v.Delete), output.TB(v.Keep)})
	}
	return rows
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseDecisions(s string) ([]detox.Decision, error) {
	var out []detox.Decision
	for _, item := range cmdutil.ParseCommaSeparatedList(s) {
		d, err := detox.ParseDecision(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func runDecisions(cmd *cobra.Command, args []string) error {
	cycle, err := parseCycle(args[0])
	if err != nil {
		return err
	}
	decisions, err := parseDecisions(decisionsFilter)
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	if decisionsSite != "" {
		rows, err := stores.Deletions.GetSiteDeletionDecisions(ctx, cycle, decisionsSite, decisions...)
		if err != nil {
			return err
		}
		table := DecisionTable{decisionsSite: rows}
		return cmdutil.PrintOutput(os.Stdout, rows, len(rows) == 0, "No decisions at "+decisionsSite+" in cycle "+strconv.FormatInt(cycle, 10)+".", table)
	}

	report, err := stores.Deletions.GetDeletionDecisions(ctx, cycle, decisionsSizeOnly, decisions...)
	if err != nil {
		return err
	}
	if decisionsSizeOnly {
		table := VolumeTable(report.Volumes)
		return cmdutil.PrintOutput(os.Stdout, table, len(table) == 0, "No decisions recorded.", table)
	}
	table := DecisionTable(report.Rows)
	return cmdutil.PrintOutput(os.Stdout, table, len(table) == 0, "No decisions recorded.", table)
}
