package history

import (
	"context"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/cli/output"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

var sitesSkipUnused bool

var sitesCmd = &cobra.Command{
	Use:   "sites <cycle>",
	Short: "Show the site table of a deletion cycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runSites,
}

func init() {
	sitesCmd.Flags().BoolVar(&sitesSkipUnused, "skip-unused", false, "Hide sites without any decision")
}

// SiteList is the site table of a cycle keyed by site name.
type SiteList map[string]history.SiteInfo

// Headers implements output.TableRenderer.
func (sl SiteList) Headers() []string {
	return []string{"Site", "Status", "Quota"}
}

// Rows implements output.TableRenderer.
func (sl SiteList) Rows() [][]string {
	names := make([]string, 0, len(sl))
	for name := range sl {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, sl[name].Status, output.TB(sl[name].Quota)})
	}
	return rows
}

func runSites(cmd *cobra.Command, args []string) error {
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

	sites, err := stores.Deletions.GetSites(ctx, cycle, sitesSkipUnused)
	if err != nil {
		return err
	}
	list := SiteList(sites)
	return cmdutil.PrintOutput(os.Stdout, list, len(list) == 0, "No sites recorded.", list)
}
