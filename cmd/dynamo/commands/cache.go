package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/config"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Snapshot cache maintenance",
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Drop snapshots not read within the retention window",
	Long: `Drop hot tables and spool files of cycles whose snapshots were not read
within cache.retention. Archived snapshots are never removed; evicted cycles
are rehydrated from the archive on their next read.`,
	RunE: runCacheEvict,
}

func init() {
	cacheCmd.AddCommand(cacheEvictCmd)
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := cmdutil.InitObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()
	defer cmdutil.PushMetrics(cfg, "dynamo_cache_evict")

	stores, err := config.OpenStores(ctx, cfg, metrics.NewSnapshotMetrics())
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	dropped, err := stores.Cache.Evict(ctx)
	if err != nil {
		return err
	}
	cmdutil.PrintSuccess(fmt.Sprintf("Evicted %d snapshot tables", dropped))
	return nil
}
