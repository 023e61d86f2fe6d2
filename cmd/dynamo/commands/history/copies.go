package history

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

var copiesCmd = &cobra.Command{
	Use:   "copies <cycle>",
	Short: "Show the copy requests of a copy cycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runCopies,
}

// RequestList is the request table of a copy cycle.
type RequestList []history.CopyRequestRow

// Headers implements output.TableRenderer.
func (rl RequestList) Headers() []string {
	return []string{"Dataset", "Site", "Rule"}
}

// Rows implements output.TableRenderer.
func (rl RequestList) Rows() [][]string {
	rows := make([][]string, 0, len(rl))
	for _, r := range rl {
		rows = append(rows, []string{r.Dataset, r.Site, r.Rule})
	}
	return rows
}

func runCopies(cmd *cobra.Command, args []string) error {
	cycle, err := parseCycle(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	reqs, err := stores.Copies.GetCopyRequests(ctx, cycle)
	if err != nil {
		return err
	}
	list := RequestList(reqs)
	return cmdutil.PrintOutput(os.Stdout, list, len(list) == 0, "No copy requests recorded.", list)
}
