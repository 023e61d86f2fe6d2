// Package history implements the history query subcommands.
package history

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/config"
)

// Cmd is the history subcommand.
var Cmd = &cobra.Command{
	Use:   "history",
	Short: "Query and maintain the cycle history",
	Long: `Query recorded deletion and copy cycles.

Subcommands:
  cycles     List closed cycles of a partition
  sites      Show the site table of a deletion cycle
  decisions  Show the decisions of a deletion cycle
  copies     Show the requests of a copy cycle
  abort      Remove an open cycle left by a failed run`,
}

func init() {
	Cmd.AddCommand(cyclesCmd)
	Cmd.AddCommand(sitesCmd)
	Cmd.AddCommand(decisionsCmd)
	Cmd.AddCommand(copiesCmd)
	Cmd.AddCommand(abortCmd)
}

// openStores loads the configuration and opens the history stores.
func openStores(ctx context.Context) (*config.Stores, error) {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.OpenStores(ctx, cfg, nil)
}

func parseCycle(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid cycle id %q", arg)
	}
	return id, nil
}
