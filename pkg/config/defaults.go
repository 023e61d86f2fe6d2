package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/dynamo-dm/dynamo/pkg/history"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit
// values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	cfg.Database.ApplyDefaults("history.db")
	cfg.Lock.ApplyDefaults()
	applyCacheDefaults(&cfg.Cache)
	applyArchiveDefaults(&cfg.Archive)
	cfg.API.ApplyDefaults()
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyCacheDefaults places the cache database and spool next to the
// history database unless configured.
func applyCacheDefaults(cfg *CacheConfig) {
	cfg.Database.ApplyDefaults("cache.db")

	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(GetConfigDir(), "spool")
	}
	if cfg.Retention == 0 {
		cfg.Retention = snapshot.DefaultRetention
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = snapshot.DefaultOpenTimeout
	}
	if cfg.OpenAttempts == 0 {
		cfg.OpenAttempts = snapshot.DefaultOpenAttempts
	}
}

func applyArchiveDefaults(cfg *ArchiveConfig) {
	if cfg.Type == "" {
		cfg.Type = "fs"
	}
	if cfg.Type == "fs" && cfg.FS.Path == "" {
		cfg.FS.Path = filepath.Join(GetConfigDir(), "archive")
	}
	if cfg.Type == "s3" && cfg.S3.MaxRetries == 0 {
		cfg.S3.MaxRetries = 3
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: history.DatabaseConfig{
			Type: history.DatabaseTypeSQLite,
		},
		Archive: ArchiveConfig{
			Type: "fs",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
