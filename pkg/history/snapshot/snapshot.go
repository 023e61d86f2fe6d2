// Package snapshot keeps the per-cycle deletion state in two tiers: tables
// in a cache database for repeated reads, and one SQLite file per cycle
// that is compressed into an archive store and rehydrated on demand.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/dynamo-dm/dynamo/pkg/archive"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

// Snapshot templates. Each cycle has one hot table per template.
const (
	TemplateReplicas = "replicas"
	TemplateSites    = "sites"
)

// Templates lists every template.
var Templates = []string{TemplateReplicas, TemplateSites}

const (
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultOpenTimeout  = 5 * time.Second
	DefaultOpenAttempts = 3

	insertBatchSize = 500
)

// ReplicaRow is one decision of a deletion cycle.
type ReplicaRow struct {
	SiteID      int64  `gorm:"column:site_id" json:"site_id"`
	DatasetID   int64  `gorm:"column:dataset_id" json:"dataset_id"`
	Size        int64  `gorm:"column:size" json:"size"`
	Decision    string `gorm:"column:decision" json:"decision"`
	ConditionID int64  `gorm:"column:condition" json:"condition"`
}

// SiteRow is the state of one site when a cycle ran.
type SiteRow struct {
	SiteID int64   `gorm:"column:site_id" json:"site_id"`
	Status string  `gorm:"column:status" json:"status"`
	Quota  float64 `gorm:"column:quota" json:"quota"`
}

// Snapshot is everything recorded for one cycle.
type Snapshot struct {
	Replicas []ReplicaRow
	Sites    []SiteRow
}

// TableName returns the hot table of template for cycle.
func TableName(template string, cycle int64) string {
	return fmt.Sprintf("%s_%d", template, cycle)
}

// SpoolFileName returns the base name of the spool file of cycle.
func SpoolFileName(cycle int64) string {
	return fmt.Sprintf("snapshot_%09d.db", cycle)
}

func usageTable(template string) string {
	return template + "_snapshot_usage"
}

var hotTableDDL = map[string]string{
	TemplateReplicas: "CREATE TABLE %s (site_id BIGINT NOT NULL, dataset_id BIGINT NOT NULL, size BIGINT NOT NULL, decision VARCHAR(8) NOT NULL, condition BIGINT NOT NULL)",
	TemplateSites:    "CREATE TABLE %s (site_id BIGINT NOT NULL, status VARCHAR(16) NOT NULL, quota DOUBLE PRECISION NOT NULL)",
}

// Options configure a Cache.
type Options struct {
	// SpoolDir holds uncompressed snapshot files. Required.
	SpoolDir string

	// Retention is how long a hot table and its spool file survive
	// without access. Default 7 days.
	Retention time.Duration

	// OpenTimeout bounds a single snapshot file open. Default 5s.
	OpenTimeout time.Duration

	// OpenAttempts is the number of timed out opens tolerated before the
	// operation fails. Default 3.
	OpenAttempts int

	// Now is the clock used for usage tracking. Default time.Now.
	Now func() time.Time

	Metrics metrics.SnapshotMetrics
}

func (o *Options) applyDefaults() {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.OpenAttempts <= 0 {
		o.OpenAttempts = DefaultOpenAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Cache is the two-tier snapshot store. It never touches the authoritative
// history database.
type Cache struct {
	db      *gorm.DB
	archive archive.Store
	opts    Options

	// open opens a snapshot file; replaced in tests.
	open func(path string) (*gorm.DB, error)

	fills   singleflight.Group
	evictMu sync.Mutex
}

// New creates a cache over db, the cache database, and store, the archive.
func New(db *gorm.DB, store archive.Store, opts Options) (*Cache, error) {
	if opts.SpoolDir == "" {
		return nil, fmt.Errorf("snapshot spool directory is required")
	}
	opts.applyDefaults()

	if err := os.MkdirAll(opts.SpoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	for _, t := range Templates {
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (cycle_id BIGINT NOT NULL, accessed_at BIGINT NOT NULL)", usageTable(t))
		if err := db.Exec(ddl).Error; err != nil {
			return nil, fmt.Errorf("failed to create usage table: %w", err)
		}
	}

	return &Cache{
		db:      db,
		archive: store,
		opts:    opts,
		open:    openSQLite,
	}, nil
}

// Healthcheck pings the cache database and checks the spool directory and
// the archive are reachable.
func (c *Cache) Healthcheck(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("cache database: %w", err)
	}
	if _, err := os.Stat(c.opts.SpoolDir); err != nil {
		return fmt.Errorf("spool directory: %w", err)
	}
	if _, err := c.archive.Exists(ctx, archive.SnapshotKey(0)); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func (c *Cache) spoolPath(cycle int64) string {
	return filepath.Join(c.opts.SpoolDir, SpoolFileName(cycle))
}

// Replicas returns every decision row of cycle, ordered by site and
// decreasing size.
func (c *Cache) Replicas(ctx context.Context, cycle int64) ([]ReplicaRow, error) {
	return c.QueryReplicas(ctx, cycle, ReplicaQuery{})
}

// ReplicaQuery filters QueryReplicas.
type ReplicaQuery struct {
	// SiteID restricts rows to one site when non-nil.
	SiteID *int64

	// Decisions restricts rows to the listed decisions when non-empty.
	Decisions []string
}

// QueryReplicas returns the decision rows of cycle matching q, ordered by
// site and decreasing size.
func (c *Cache) QueryReplicas(ctx context.Context, cycle int64, q ReplicaQuery) ([]ReplicaRow, error) {
	if err := c.fill(ctx, TemplateReplicas, cycle); err != nil {
		return nil, err
	}

	tx := c.db.WithContext(ctx).Table(TableName(TemplateReplicas, cycle))
	if q.SiteID != nil {
		tx = tx.Where("site_id = ?", *q.SiteID)
	}
	if len(q.Decisions) > 0 {
		tx = tx.Where("decision IN ?", q.Decisions)
	}

	var rows []ReplicaRow
	if err := tx.Order("site_id ASC").Order("size DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read replicas of cycle %d: %w", cycle, err)
	}
	return rows, nil
}

// VolumeRow is the summed size of one decision at one site.
type VolumeRow struct {
	SiteID   int64  `gorm:"column:site_id"`
	Decision string `gorm:"column:decision"`
	Size     int64  `gorm:"column:size"`
}

// Volumes aggregates the decision rows of cycle per site and decision.
func (c *Cache) Volumes(ctx context.Context, cycle int64) ([]VolumeRow, error) {
	if err := c.fill(ctx, TemplateReplicas, cycle); err != nil {
		return nil, err
	}

	var rows []VolumeRow
	err := c.db.WithContext(ctx).
		Table(TableName(TemplateReplicas, cycle)).
		Select("site_id, decision, CAST(SUM(size) AS BIGINT) AS size").
		Group("site_id, decision").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cycle %d: %w", cycle, err)
	}
	return rows, nil
}

// Sites returns the site rows of cycle.
func (c *Cache) Sites(ctx context.Context, cycle int64) ([]SiteRow, error) {
	if err := c.fill(ctx, TemplateSites, cycle); err != nil {
		return nil, err
	}

	var rows []SiteRow
	if err := c.db.WithContext(ctx).Table(TableName(TemplateSites, cycle)).Order("site_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read sites of cycle %d: %w", cycle, err)
	}
	return rows, nil
}

// UsedSites returns the ids of sites with at least one decision row.
func (c *Cache) UsedSites(ctx context.Context, cycle int64) ([]int64, error) {
	if err := c.fill(ctx, TemplateReplicas, cycle); err != nil {
		return nil, err
	}

	var ids []int64
	err := c.db.WithContext(ctx).
		Table(TableName(TemplateReplicas, cycle)).
		Distinct("site_id").
		Order("site_id ASC").
		Pluck("site_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read sites of cycle %d: %w", cycle, err)
	}
	return ids, nil
}
