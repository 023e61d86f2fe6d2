package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the history and cache schemas",
	Long: `Open the history database, the snapshot cache and the archive, creating
missing tables. Every command does this on startup; run it explicitly to
prepare a fresh PostgreSQL database before the first cycle.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, err := config.OpenStores(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	if err := stores.History.Healthcheck(ctx); err != nil {
		return fmt.Errorf("history database: %w", err)
	}
	if err := stores.Cache.Healthcheck(ctx); err != nil {
		return err
	}

	msg := fmt.Sprintf("Schemas up to date (%s history database", cfg.Database.Type)
	if v := stores.History.SchemaVersion(); v > 0 {
		msg += fmt.Sprintf(", schema version %d", v)
	}
	cmdutil.PrintSuccess(msg + ")")
	return nil
}
