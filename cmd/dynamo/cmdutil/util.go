// Package cmdutil provides shared utilities for dynamo commands.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/dynamo-dm/dynamo/internal/cli/output"
	"github.com/dynamo-dm/dynamo/internal/cli/prompt"
	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/internal/telemetry"
	"github.com/dynamo-dm/dynamo/pkg/config"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	NoColor    bool
	Version    string
}

// LoadConfig loads the configuration and initializes the logger from it.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(Flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// InitObservability starts tracing and profiling as configured and enables
// the metrics registry. The returned function flushes and stops them.
func InitObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	traceShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dynamo",
		ServiceVersion: Flags.Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dynamo",
		ServiceVersion: Flags.Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}

	return func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
		// ctx may already be cancelled by a signal; the exporter still
		// needs time to flush.
		if err := traceShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}, nil
}

// PushMetrics sends the registry to the configured Prometheus
// PushGateway. One-shot runs call it before exiting; failures are logged
// and never fail the run.
func PushMetrics(cfg *config.Config, job string) {
	if cfg.Metrics.PushGateway == "" || !metrics.IsEnabled() {
		return
	}
	err := push.New(cfg.Metrics.PushGateway, job).
		Gatherer(metrics.GetRegistry()).
		Grouping("instance", hostname()).
		Push()
	if err != nil {
		logger.Warn("failed to push metrics", "gateway", cfg.Metrics.PushGateway, logger.Err(err))
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// LoadInventory reads the inventory document. path overrides the
// configured one.
func LoadInventory(cfg *config.Config, path string) (*inventory.Inventory, error) {
	if path == "" {
		path = cfg.Inventory.Path
	}
	if path == "" {
		return nil, errors.New("no inventory given: set inventory.path or pass --inventory")
	}
	inv, err := inventory.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	sites, datasets, replicas, blockReplicas := inv.Counts()
	logger.Info("Inventory loaded",
		logger.KeyPath, path,
		"sites", sites,
		"datasets", datasets,
		"replicas", replicas,
		"block_replicas", blockReplicas)
	return inv, nil
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// PrintOutput prints data in the selected format. For table format it
// prints emptyMsg when isEmpty, otherwise the table.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, table output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, table)
	}
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	output.NewPrinter(os.Stdout, format, !Flags.NoColor).Success(msg)
}

// RunWithConfirmation prompts for confirmation (unless force is true) and
// runs fn.
func RunWithConfirmation(label string, force bool, fn func() error) error {
	confirmed, err := prompt.ConfirmWithForce(label, force)
	if err != nil {
		if errors.Is(err, prompt.ErrAborted) {
			fmt.Println("\nAborted.")
			return nil
		}
		return err
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}
	return fn()
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of trimmed strings.
func ParseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// EmptyOr returns the value if not empty, otherwise returns the fallback.
func EmptyOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
