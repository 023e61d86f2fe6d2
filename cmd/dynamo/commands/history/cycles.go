package history

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/cli/timeutil"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

var (
	cyclesCopy   bool
	cyclesTest   bool
	cyclesFirst  int64
	cyclesLast   int64
	cyclesLatest bool
)

var cyclesCmd = &cobra.Command{
	Use:   "cycles <partition>",
	Short: "List closed cycles of a partition",
	Long: `List closed deletion (or, with --copy, copy) cycles of a partition in
ascending order. Open cycles are never listed.

Examples:
  # All production deletion cycles
  dynamo history cycles AnalysisOps

  # Latest cycle including test cycles
  dynamo history cycles AnalysisOps --latest --test

  # Copy cycles between ids 100 and 200
  dynamo history cycles AnalysisOps --copy --first 100 --last 200`,
	Args: cobra.ExactArgs(1),
	RunE: runCycles,
}

func init() {
	cyclesCmd.Flags().BoolVar(&cyclesCopy, "copy", false, "List copy cycles instead of deletion cycles")
	cyclesCmd.Flags().BoolVar(&cyclesTest, "test", false, "Include test cycles")
	cyclesCmd.Flags().Int64Var(&cyclesFirst, "first", 0, "Lowest cycle id")
	cyclesCmd.Flags().Int64Var(&cyclesLast, "last", -1, "Highest cycle id (-1 for no limit)")
	cyclesCmd.Flags().BoolVar(&cyclesLatest, "latest", false, "Only the latest cycle")
}

// CycleList is a table of cycle records.
type CycleList []*history.Cycle

// Headers implements output.TableRenderer.
func (cl CycleList) Headers() []string {
	return []string{"ID", "Operation", "Started", "Ended", "Duration", "Comment"}
}

// Rows implements output.TableRenderer.
func (cl CycleList) Rows() [][]string {
	now := time.Now()
	rows := make([][]string, 0, len(cl))
	for _, c := range cl {
		rows = append(rows, []string{
			strconv.FormatInt(c.ID, 10),
			string(c.Operation),
			timeutil.FormatTime(c.TimeStart),
			timeutil.FormatEnd(c.TimeEnd),
			timeutil.FormatElapsed(c.TimeStart, c.TimeEnd, now),
			cmdutil.EmptyOr(c.Comment, "-"),
		})
	}
	return rows
}

func runCycles(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	first := cyclesFirst
	if cyclesLatest {
		first = -1
	}

	list := stores.Deletions.GetCycles
	if cyclesCopy {
		list = stores.Copies.GetCycles
	}
	ids, err := list(ctx, args[0], first, cyclesLast, cyclesTest)
	if err != nil {
		return err
	}

	cycles := make(CycleList, 0, len(ids))
	for _, id := range ids {
		c, err := stores.History.GetCycle(ctx, id)
		if err != nil {
			return err
		}
		cycles = append(cycles, c)
	}

	return cmdutil.PrintOutput(os.Stdout, cycles, len(cycles) == 0, "No cycles found.", cycles)
}
