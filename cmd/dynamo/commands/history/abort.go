package history

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

var abortForce bool

var abortCmd = &cobra.Command{
	Use:   "abort <cycle>",
	Short: "Remove an open cycle left by a failed run",
	Long: `Remove an open cycle together with its partial snapshot and copy
requests. Closed cycles are immutable and cannot be aborted.

The partition write lock is taken for the duration of the removal.

Examples:
  dynamo history abort 1234
  dynamo history abort 1234 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

func init() {
	abortCmd.Flags().BoolVarP(&abortForce, "force", "f", false, "Skip confirmation prompt")
}

func runAbort(cmd *cobra.Command, args []string) error {
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

	c, err := stores.History.GetCycle(ctx, cycle)
	if err != nil {
		return err
	}
	if !c.IsOpen() {
		return fmt.Errorf("cycle %d: %w", cycle, history.ErrCycleClosed)
	}
	partition, err := stores.History.CyclePartition(ctx, cycle)
	if err != nil {
		return err
	}

	label := fmt.Sprintf("Abort open %s cycle %d of %s?", c.Operation, cycle, partition)
	return cmdutil.RunWithConfirmation(label, abortForce, func() error {
		err := stores.History.WithLock(ctx, partition, func() error {
			return stores.History.AbortCycle(ctx, cycle)
		})
		if err != nil {
			return err
		}
		if err := stores.Cache.Discard(ctx, cycle); err != nil {
			return fmt.Errorf("cycle %d aborted but its snapshot could not be discarded: %w", cycle, err)
		}
		cmdutil.PrintSuccess(fmt.Sprintf("Cycle %d aborted", cycle))
		return nil
	})
}
