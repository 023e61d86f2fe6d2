package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dynamo-dm/dynamo/internal/bytesize"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences (e.g. \U -> Unicode escape), causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "info"

database:
  type: sqlite
  sqlite:
    path: "`+yamlSafePath(tmpDir)+`/history.db"

cache:
  spool_dir: "`+yamlSafePath(tmpDir)+`/spool"

archive:
  type: fs
  fs:
    path: "`+yamlSafePath(tmpDir)+`/archive"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Cache.Retention != 7*24*time.Hour {
		t.Errorf("Expected default retention 168h, got %v", cfg.Cache.Retention)
	}
	if cfg.Cache.OpenTimeout != 5*time.Second || cfg.Cache.OpenAttempts != 3 {
		t.Errorf("Expected open timeout 5s x3, got %v x%d", cfg.Cache.OpenTimeout, cfg.Cache.OpenAttempts)
	}
	if cfg.Lock.MaxAttempts != 60 || cfg.Lock.RetryInterval != 5*time.Second {
		t.Errorf("Expected lock defaults 5s x60, got %v x%d", cfg.Lock.RetryInterval, cfg.Lock.MaxAttempts)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("Expected API port 8080, got %d", cfg.API.Port)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
database:
  type: sqlite
  sqlite:
    path: "`+yamlSafePath(tmpDir)+`/history.db"

lock:
  retry_interval: 1s
  max_attempts: 10
  stale_after: 1h

cache:
  database:
    sqlite:
      path: "`+yamlSafePath(tmpDir)+`/cache.db"
  spool_dir: "`+yamlSafePath(tmpDir)+`/spool"
  retention: 72h
  open_timeout: 2s

archive:
  type: s3
  s3:
    bucket: snapshots
    endpoint: http://localhost:4566
    force_path_style: true

partitions:
  AnalysisOps:
    condition: replica.owner == AnalysisOps

detox:
  policies:
    AnalysisOps: /etc/dynamo/analysisops.txt

enforcer:
  max_dataset_size: 200TB
  rules:
    two_copies:
      num_copies: 2
      destinations: [site.name == T1_*]
      sources: [site.name == T1_*]
      replicas: [dataset.name == */AOD]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Lock.StaleAfter != time.Hour {
		t.Errorf("Expected stale_after 1h, got %v", cfg.Lock.StaleAfter)
	}
	if cfg.Cache.Retention != 72*time.Hour {
		t.Errorf("Expected retention 72h, got %v", cfg.Cache.Retention)
	}
	if cfg.Cache.OpenAttempts != 3 {
		t.Errorf("Expected default open attempts 3, got %d", cfg.Cache.OpenAttempts)
	}
	if cfg.Archive.S3.MaxRetries != 3 {
		t.Errorf("Expected default s3 retries 3, got %d", cfg.Archive.S3.MaxRetries)
	}
	if want := bytesize.ByteSize(200 * bytesize.TB); cfg.Enforcer.MaxDatasetSize != want {
		t.Errorf("Expected max dataset size %v, got %v", want, cfg.Enforcer.MaxDatasetSize)
	}
	if rule := cfg.Enforcer.Rules["two_copies"]; rule.NumCopies != 2 || len(rule.Destinations) != 1 {
		t.Errorf("Unexpected rule %+v", rule)
	}

	p, err := cfg.Partition("AnalysisOps")
	if err != nil {
		t.Fatalf("Failed to compile partition: %v", err)
	}
	if p.Name != "AnalysisOps" || p.Contains == nil {
		t.Errorf("Unexpected partition %+v", p)
	}

	rules, err := cfg.EnforcerRules()
	if err != nil || len(rules) != 1 {
		t.Errorf("Expected one compiled rule, got %d (%v)", len(rules), err)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.Archive.Type != "fs" {
		t.Errorf("Expected default archive type 'fs', got %q", cfg.Archive.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidPartition(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
database:
  sqlite:
    path: "`+yamlSafePath(tmpDir)+`/history.db"
partitions:
  Broken:
    condition: replica.nonsense == 1
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for an unknown variable in a partition condition")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DYNAMO_LOGGING_LEVEL", "ERROR")
	t.Setenv("DYNAMO_API_PORT", "9090")

	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "INFO"

database:
  type: sqlite
  sqlite:
    path: "`+yamlSafePath(tmpDir)+`/history.db"

api:
  port: 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("Expected port 9090 from env var, got %d", cfg.API.Port)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := GetDefaultConfig()
	cfg.Enforcer.MaxDatasetSize = bytesize.ByteSize(50 * bytesize.TB)
	cfg.Cache.Retention = 48 * time.Hour

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Enforcer.MaxDatasetSize != cfg.Enforcer.MaxDatasetSize {
		t.Errorf("Expected max dataset size %v, got %v", cfg.Enforcer.MaxDatasetSize, loaded.Enforcer.MaxDatasetSize)
	}
	if loaded.Cache.Retention != 48*time.Hour {
		t.Errorf("Expected retention 48h, got %v", loaded.Cache.Retention)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	if got := GetDefaultConfigPath(); got != filepath.Join("/tmp/xdg", "dynamo", "config.yaml") {
		t.Errorf("Unexpected default config path %q", got)
	}
	if filepath.Base(GetConfigDir()) != "dynamo" {
		t.Errorf("Expected directory name 'dynamo', got %q", filepath.Base(GetConfigDir()))
	}
}

func TestRedacted(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.Postgres.Password = "hunter2"
	cfg.Archive.S3.SecretAccessKey = "AKIA-secret"
	cfg.API.Auth.Secret = "0123456789abcdef0123456789abcdef"

	shown := cfg.Redacted()
	if shown.Database.Postgres.Password != redacted || shown.Archive.S3.SecretAccessKey != redacted || shown.API.Auth.Secret != redacted {
		t.Errorf("secrets not masked: %+v", shown)
	}
	if shown.Cache.Database.Postgres.Password != "" {
		t.Error("empty secrets should stay empty")
	}
	if cfg.Database.Postgres.Password != "hunter2" {
		t.Error("Redacted modified the original config")
	}
}
