package config

import (
	"context"
	"fmt"
	"os"

	"github.com/dynamo-dm/dynamo/pkg/archive"
	archivefs "github.com/dynamo-dm/dynamo/pkg/archive/fs"
	archives3 "github.com/dynamo-dm/dynamo/pkg/archive/s3"
	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/enforcer"
	"github.com/dynamo-dm/dynamo/pkg/history"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
	"github.com/dynamo-dm/dynamo/pkg/variables"
)

// CreateArchiveStore creates the archive backend from configuration.
func CreateArchiveStore(ctx context.Context, cfg ArchiveConfig) (archive.Store, error) {
	switch cfg.Type {
	case "fs", "":
		return createFSArchive(cfg.FS)
	case "s3":
		return createS3Archive(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown archive type: %q", cfg.Type)
	}
}

func createFSArchive(cfg FSArchiveConfig) (archive.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("fs archive requires path to be set")
	}
	return archivefs.New(archivefs.DefaultConfig(cfg.Path))
}

func createS3Archive(ctx context.Context, cfg S3ArchiveConfig) (archive.Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires bucket to be set")
	}

	return archives3.NewFromConfig(ctx, archives3.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		KeyPrefix:       cfg.KeyPrefix,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		MaxRetries:      cfg.MaxRetries,
		ForcePathStyle:  cfg.ForcePathStyle,
	})
}

// Stores bundles the storage of a running process.
type Stores struct {
	History   *history.Store
	Cache     *snapshot.Cache
	Archive   archive.Store
	Deletions *history.DeletionHistory
	Copies    *history.CopyHistory

	closers []func() error
}

// OpenStores opens the history database, the cache database and the
// archive. m may be nil.
func OpenStores(ctx context.Context, cfg *Config, m metrics.SnapshotMetrics) (*Stores, error) {
	s := &Stores{}

	hist, err := history.Open(&cfg.Database, cfg.Lock)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	s.History = hist
	s.closers = append(s.closers, hist.Close)

	store, err := CreateArchiveStore(ctx, cfg.Archive)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	s.Archive = store
	s.closers = append(s.closers, store.Close)

	cacheDB, err := history.OpenDatabase(&cfg.Cache.Database)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	s.closers = append(s.closers, func() error {
		sqlDB, err := cacheDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	cache, err := snapshot.New(cacheDB, store, snapshot.Options{
		SpoolDir:     cfg.Cache.SpoolDir,
		Retention:    cfg.Cache.Retention,
		OpenTimeout:  cfg.Cache.OpenTimeout,
		OpenAttempts: cfg.Cache.OpenAttempts,
		Metrics:      m,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	s.Cache = cache
	s.Deletions = history.NewDeletionHistory(hist, cache)
	s.Copies = history.NewCopyHistory(hist)
	return s, nil
}

// Close releases everything in reverse order of opening.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// Partition compiles the configured partition name.
func (c *Config) Partition(name string) (inventory.Partition, error) {
	p, ok := c.Partitions[name]
	if !ok {
		return inventory.Partition{}, fmt.Errorf("%s: %w", name, ErrUnknownPartition)
	}
	return variables.ReplicaPartition(name, p.Condition)
}

// Policy reads and compiles the deletion policy of partition.
func (c *Config) Policy(partition string) (*detox.Policy, error) {
	path, ok := c.Detox.Policies[partition]
	if !ok {
		return nil, fmt.Errorf("no deletion policy for %s: %w", partition, ErrUnknownPartition)
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return detox.ParsePolicy(partition, string(text), detox.ParseOptions{})
}

// EnforcerRules compiles the configured replication rules.
func (c *Config) EnforcerRules() ([]*enforcer.Rule, error) {
	return enforcer.CompileRules(c.Enforcer.Rules)
}
