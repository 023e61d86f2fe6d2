package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dynamo-dm/dynamo/internal/bytesize"
	"github.com/dynamo-dm/dynamo/pkg/api"
	"github.com/dynamo-dm/dynamo/pkg/enforcer"
	"github.com/dynamo-dm/dynamo/pkg/history"
)

// Config represents the Dynamo configuration.
//
// It captures everything a cycle run or the history server needs:
//   - Logging, tracing, profiling and metrics
//   - The authoritative history database and its partition lock
//   - The snapshot cache and the archive behind it
//   - Partitions, deletion policies and replication rules
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DYNAMO_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database is the authoritative history database (SQLite or PostgreSQL).
	Database history.DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Lock tunes the per-partition write lock.
	Lock history.LockConfig `mapstructure:"lock" yaml:"lock"`

	// Cache configures the snapshot cache database and spool directory.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Archive selects where compressed snapshots are kept.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API configures the read-only history HTTP server
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Inventory locates the inventory document cycles run against.
	Inventory InventoryConfig `mapstructure:"inventory" yaml:"inventory"`

	// Partitions maps a partition name to its replica condition.
	Partitions map[string]PartitionConfig `mapstructure:"partitions" validate:"dive" yaml:"partitions"`

	// Detox configures deletion cycles.
	Detox DetoxConfig `mapstructure:"detox" yaml:"detox"`

	// Enforcer configures replication rules.
	Enforcer enforcer.Config `mapstructure:"enforcer" yaml:"enforcer"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR. Case is ignored.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig enables OTLP tracing of cycle runs and API requests.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the collector gRPC address. Default: localhost:4317
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the fraction of root spans kept.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig enables Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL. Default: http://localhost:4040
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes lists the profiles to collect, e.g. cpu, alloc_space.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures Prometheus metrics. Nothing is collected while
// Enabled is false.
type MetricsConfig struct {
	// Enabled turns on collection. The serve command exposes the registry
	// on the API server under /metrics.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PushGateway, when set, receives the metrics of one-shot cycle runs.
	PushGateway string `mapstructure:"push_gateway" validate:"omitempty,url" yaml:"push_gateway,omitempty"`
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	// Database holds the hot per-cycle tables. It should not be the
	// authoritative database.
	Database history.DatabaseConfig `mapstructure:"database" yaml:"database"`

	// SpoolDir holds uncompressed snapshot files.
	SpoolDir string `mapstructure:"spool_dir" validate:"required" yaml:"spool_dir"`

	// Retention is how long an unused cycle stays in the cache.
	// Default: 168h
	Retention time.Duration `mapstructure:"retention" validate:"gt=0" yaml:"retention"`

	// OpenTimeout bounds one snapshot file open.
	// Default: 5s
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gt=0" yaml:"open_timeout"`

	// OpenAttempts is the number of timed out opens before giving up.
	// Default: 3
	OpenAttempts int `mapstructure:"open_attempts" validate:"gte=1" yaml:"open_attempts"`
}

// ArchiveConfig selects the archive backend.
type ArchiveConfig struct {
	// Type is "fs" or "s3".
	Type string `mapstructure:"type" validate:"required,oneof=fs s3" yaml:"type"`

	FS FSArchiveConfig `mapstructure:"fs" yaml:"fs"`
	S3 S3ArchiveConfig `mapstructure:"s3" yaml:"s3"`
}

// FSArchiveConfig configures the local filesystem archive.
type FSArchiveConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// S3ArchiveConfig configures the S3 archive.
type S3ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	KeyPrefix       string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// InventoryConfig locates the inventory document.
type InventoryConfig struct {
	// Path is a YAML inventory file. It can be overridden per command.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// PartitionConfig defines one partition.
type PartitionConfig struct {
	// Condition is a replica condition selecting the members, e.g.
	// "replica.owner in [AnalysisOps]".
	Condition string `mapstructure:"condition" validate:"required" yaml:"condition"`
}

// DetoxConfig configures deletion cycles.
type DetoxConfig struct {
	// Policies maps a partition name to its policy file.
	Policies map[string]string `mapstructure:"policies" validate:"dive,required" yaml:"policies"`
}

// Load reads the configuration at configPath, or the default location when
// configPath is empty. DYNAMO_* environment variables override file values.
// Without a config file the defaults are returned.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return GetDefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load for commands: a missing file is an error that tells the
// operator how to create one.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create one with:\n"+
			"  dynamo config init --config %s", configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating the parent directory.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Owner only: the file may hold database passwords and S3 keys.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// DYNAMO_DATABASE_POSTGRES_HOST overrides database.postgres.host.
	v.SetEnvPrefix("DYNAMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}
	v.SetConfigFile(configPath)
	return v
}

var (
	byteSizeType = reflect.TypeOf(bytesize.ByteSize(0))
	durationType = reflect.TypeOf(time.Duration(0))
)

// decodeHooks lets sizes be written as "200TB" and durations as "168h".
// Bare numbers are taken as bytes and nanoseconds.
func decodeHooks() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		switch to {
		case byteSizeType:
			if s, ok := data.(string); ok {
				return bytesize.Parse(s)
			}
			if n, ok := toInt64(data); ok {
				return bytesize.ByteSize(n), nil
			}
		case durationType:
			if s, ok := data.(string); ok {
				return time.ParseDuration(s)
			}
			if n, ok := toInt64(data); ok {
				return time.Duration(n), nil
			}
		}
		return data, nil
	}
}

func toInt64(data interface{}) (int64, bool) {
	switch v := data.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		// YAML decodes plain numbers as float64
		return int64(v), true
	}
	return 0, false
}

// GetConfigDir returns $XDG_CONFIG_HOME/dynamo, ~/.config/dynamo, or the
// working directory when no home is known.
func GetConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dynamo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dynamo")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

const redacted = "********"

// Redacted returns a copy of c with passwords, keys and token secrets
// masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	for _, s := range []*string{
		&out.Database.Postgres.Password,
		&out.Cache.Database.Postgres.Password,
		&out.Archive.S3.SecretAccessKey,
		&out.API.Auth.Secret,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return &out
}
