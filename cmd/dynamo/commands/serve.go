package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/api"
	"github.com/dynamo-dm/dynamo/pkg/api/auth"
	"github.com/dynamo-dm/dynamo/pkg/api/handlers"
	"github.com/dynamo-dm/dynamo/pkg/config"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

var serveEvictInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only history API",
	Long: `Start the HTTP API answering history queries. Snapshot cache
eviction runs periodically while the server is up, and edits to the
logging level in the config file take effect without a restart.

Examples:
  # Serve with the default config
  dynamo serve

  # Override the port through the environment
  DYNAMO_API_PORT=9090 dynamo serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveEvictInterval, "evict-interval", time.Hour, "Interval between snapshot cache evictions (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.IsEnabled() {
		return errors.New("API server is disabled in the configuration (api.enabled: false)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := cmdutil.InitObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	stores, err := config.OpenStores(ctx, cfg, metrics.NewSnapshotMetrics())
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("failed to close stores", logger.Err(err))
		}
	}()

	var tokens *auth.Service
	if cfg.API.Auth.Enabled() {
		if tokens, err = auth.NewService(cfg.API.Auth); err != nil {
			return fmt.Errorf("api auth: %w", err)
		}
	} else {
		logger.Warn("API authentication disabled: history queries are open to anyone who can reach the port")
	}

	server := api.NewServer(cfg.API, api.Deps{
		Store:     stores.History,
		Deletions: stores.Deletions,
		Copies:    stores.Copies,
		Checks: map[string]handlers.Checker{
			"history": stores.History,
			"cache":   stores.Cache,
		},
		Metrics: metrics.GetRegistry(),
		Auth:    tokens,
	})

	logger.Info("Configuration loaded", "source", configSource())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if serveEvictInterval > 0 {
		g.Go(func() error {
			evictLoop(gctx, stores.Cache, serveEvictInterval)
			return nil
		})
	}
	g.Go(func() error {
		// Only logging is applied live; other changes need a restart.
		err := config.Watch(gctx, configSource(), func(next *config.Config) {
			logger.SetLevel(next.Logging.Level)
		})
		if err != nil {
			logger.Warn("Config reload disabled", logger.Err(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// evictLoop evicts stale snapshots every interval until ctx is done.
// Failures are logged; the next tick retries.
func evictLoop(ctx context.Context, cache *snapshot.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cache.Evict(ctx); err != nil && ctx.Err() == nil {
				logger.WarnCtx(ctx, "snapshot eviction failed", logger.Err(err))
			}
		}
	}
}

// configSource returns the path the config was loaded from.
func configSource() string {
	if cmdutil.Flags.ConfigFile != "" {
		return cmdutil.Flags.ConfigFile
	}
	return config.GetDefaultConfigPath()
}
