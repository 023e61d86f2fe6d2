package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/internal/telemetry"
	"github.com/dynamo-dm/dynamo/pkg/archive"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

// Save records snap as the state of cycle in both tiers: hot tables are
// (re)created, the spool file written and its compressed copy archived.
// Save may be repeated for a cycle whose earlier attempt failed.
func (c *Cache) Save(ctx context.Context, cycle int64, snap *Snapshot) error {
	ctx, span := telemetry.StartSnapshotSpan(ctx, "save", cycle,
		telemetry.Rows(len(snap.Replicas)))
	defer span.End()

	if err := c.saveHot(ctx, cycle, snap); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	if err := c.writeSpool(ctx, cycle, snap); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	if err := c.archiveSpool(ctx, cycle); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	for _, t := range Templates {
		if err := c.touch(ctx, t, cycle); err != nil {
			return err
		}
	}

	logger.DebugCtx(ctx, "snapshot saved",
		logger.Rows(len(snap.Replicas)),
		logger.KeyKey, archive.SnapshotKey(cycle))
	return nil
}

func (c *Cache) saveHot(ctx context.Context, cycle int64, snap *Snapshot) error {
	if err := c.createHot(ctx, TemplateReplicas, cycle, snap.Replicas, len(snap.Replicas)); err != nil {
		return err
	}
	return c.createHot(ctx, TemplateSites, cycle, snap.Sites, len(snap.Sites))
}

// createHot replaces the hot table of template for cycle with rows, which
// must be a slice of the template's row type.
func (c *Cache) createHot(ctx context.Context, template string, cycle int64, rows any, n int) error {
	table := TableName(template, cycle)
	db := c.db.WithContext(ctx)

	if err := db.Migrator().DropTable(table); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	if err := db.Exec(fmt.Sprintf(hotTableDDL[template], table)).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	if err := db.Exec(fmt.Sprintf("CREATE INDEX idx_%s_site ON %s (site_id)", table, table)).Error; err != nil {
		return fmt.Errorf("failed to index %s: %w", table, err)
	}
	if n == 0 {
		return nil
	}
	if err := db.Table(table).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("failed to fill %s: %w", table, err)
	}
	return nil
}

// archiveSpool streams the spool file of cycle through zstd into the
// archive.
func (c *Cache) archiveSpool(ctx context.Context, cycle int64) error {
	key := archive.SnapshotKey(cycle)
	ctx, span := telemetry.StartArchiveSpan(ctx, "put", key)
	defer span.End()
	start := time.Now()

	f, err := os.Open(c.spoolPath(cycle))
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, f); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	counter := &countingReader{r: pr}
	err = c.archive.Put(ctx, key, counter)
	pr.CloseWithError(err)

	metrics.ObserveArchive(c.opts.Metrics, "put", counter.n, time.Since(start), err)
	telemetry.SetAttributes(ctx, telemetry.Bytes(counter.n))
	if err != nil {
		return fmt.Errorf("failed to archive snapshot of cycle %d: %w", cycle, err)
	}
	return nil
}

// restoreSpool decompresses the archived snapshot of cycle into the spool
// directory.
func (c *Cache) restoreSpool(ctx context.Context, cycle int64) error {
	key := archive.SnapshotKey(cycle)
	ctx, span := telemetry.StartArchiveSpan(ctx, "get", key)
	defer span.End()
	start := time.Now()

	rc, err := c.archive.Get(ctx, key)
	if err != nil {
		metrics.ObserveArchive(c.opts.Metrics, "get", 0, time.Since(start), err)
		if errors.Is(err, archive.ErrNotFound) {
			return &MissingSnapshotError{Cycle: cycle, Key: key}
		}
		return fmt.Errorf("failed to read archived snapshot of cycle %d: %w", cycle, err)
	}
	defer rc.Close()

	counter := &countingReader{r: rc}
	n, err := c.decompress(cycle, counter)
	metrics.ObserveArchive(c.opts.Metrics, "get", counter.n, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot of cycle %d: %w", cycle, err)
	}

	telemetry.SetAttributes(ctx, telemetry.Bytes(counter.n))
	logger.InfoCtx(ctx, "snapshot restored from archive",
		logger.Cycle(cycle),
		logger.KeyKey, key,
		logger.KeySize, n)
	return nil
}

func (c *Cache) decompress(cycle int64, r io.Reader) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	path := c.spoolPath(cycle)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(tmp, dec)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// fill makes sure the hot table of template for cycle exists and records
// the access. Concurrent fills of the same table share one execution, which
// is not cancelled when the caller that started it goes away.
func (c *Cache) fill(ctx context.Context, template string, cycle int64) error {
	shared := context.WithoutCancel(ctx)
	_, err, _ := c.fills.Do(TableName(template, cycle), func() (any, error) {
		return nil, c.doFill(shared, template, cycle)
	})
	return err
}

func (c *Cache) doFill(ctx context.Context, template string, cycle int64) error {
	ctx, span := telemetry.StartSnapshotSpan(ctx, "fill", cycle, telemetry.Template(template))
	defer span.End()
	start := time.Now()

	// The access is recorded under the eviction lock before anything else,
	// so no eviction from here on can drop the table being read.
	c.evictMu.Lock()
	err := c.touch(ctx, template, cycle)
	c.evictMu.Unlock()
	if err != nil {
		return err
	}

	if _, err := c.Evict(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	hit := c.db.WithContext(ctx).Migrator().HasTable(TableName(template, cycle))
	rows := 0
	if !hit {
		n, err := c.rehydrate(ctx, template, cycle)
		if err != nil {
			telemetry.RecordError(ctx, err)
			return err
		}
		rows = n
	}

	metrics.ObserveFill(c.opts.Metrics, template, hit, rows, time.Since(start))
	telemetry.SetAttributes(ctx, telemetry.CacheHit(hit), telemetry.Rows(rows))
	return nil
}

func (c *Cache) rehydrate(ctx context.Context, template string, cycle int64) (int, error) {
	if _, err := os.Stat(c.spoolPath(cycle)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
		if err := c.restoreSpool(ctx, cycle); err != nil {
			return 0, err
		}
	}

	rows, n, err := c.readSpool(ctx, template, cycle)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot file of cycle %d: %w", cycle, err)
	}
	if err := c.createHot(ctx, template, cycle, rows, n); err != nil {
		return 0, err
	}

	logger.DebugCtx(ctx, "hot table filled",
		logger.KeyTable, TableName(template, cycle),
		logger.Rows(n))
	return n, nil
}

func (c *Cache) touch(ctx context.Context, template string, cycle int64) error {
	err := c.db.WithContext(ctx).Exec(
		fmt.Sprintf("INSERT INTO %s (cycle_id, accessed_at) VALUES (?, ?)", usageTable(template)),
		cycle, c.opts.Now().Unix(),
	).Error
	if err != nil {
		return fmt.Errorf("failed to record snapshot usage: %w", err)
	}
	return nil
}

// Evict drops the hot tables of cycles not accessed within the retention
// window and deletes their spool files once no template of the cycle was
// accessed within it. Archived snapshots are never touched. Usage rows
// older than the window are pruned. Returns the number of dropped tables.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	db := c.db.WithContext(ctx)
	cutoff := c.opts.Now().Add(-c.opts.Retention).Unix()

	dropped := 0
	stale := map[int64]bool{}
	for _, t := range Templates {
		var cycles []int64
		err := db.Raw(
			fmt.Sprintf("SELECT cycle_id FROM %s GROUP BY cycle_id HAVING MAX(accessed_at) < ?", usageTable(t)),
			cutoff,
		).Scan(&cycles).Error
		if err != nil {
			return dropped, fmt.Errorf("failed to list stale snapshots: %w", err)
		}

		for _, cycle := range cycles {
			if err := db.Migrator().DropTable(TableName(t, cycle)); err != nil {
				return dropped, fmt.Errorf("failed to drop %s: %w", TableName(t, cycle), err)
			}
			stale[cycle] = true
		}
		dropped += len(cycles)
		metrics.ObserveEviction(c.opts.Metrics, t, len(cycles), 0)
	}

	removed := 0
	for cycle := range stale {
		recent, err := c.accessedSince(ctx, cycle, cutoff)
		if err != nil {
			return dropped, err
		}
		if recent {
			continue
		}
		path := c.spoolPath(cycle)
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.ErrorCtx(ctx, "failed to delete spool file", logger.KeyPath, path, logger.Err(err))
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.ObserveEviction(c.opts.Metrics, "spool", 0, removed)
	}

	for _, t := range Templates {
		err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE accessed_at < ?", usageTable(t)), cutoff).Error
		if err != nil {
			return dropped, fmt.Errorf("failed to prune snapshot usage: %w", err)
		}
	}

	if dropped > 0 || removed > 0 {
		logger.InfoCtx(ctx, "evicted stale snapshots",
			logger.KeyEvicted, dropped,
			"spool_files", removed)
	}
	return dropped, nil
}

func (c *Cache) accessedSince(ctx context.Context, cycle, cutoff int64) (bool, error) {
	for _, t := range Templates {
		var n int64
		err := c.db.WithContext(ctx).
			Table(usageTable(t)).
			Where("cycle_id = ? AND accessed_at >= ?", cycle, cutoff).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("failed to read snapshot usage: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Discard removes every trace of cycle from both tiers and the archive.
// Used when an open cycle is restarted from scratch.
func (c *Cache) Discard(ctx context.Context, cycle int64) error {
	db := c.db.WithContext(ctx)
	for _, t := range Templates {
		if err := db.Migrator().DropTable(TableName(t, cycle)); err != nil {
			return err
		}
		if err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE cycle_id = ?", usageTable(t)), cycle).Error; err != nil {
			return err
		}
	}
	if err := os.Remove(c.spoolPath(cycle)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return c.archive.Delete(ctx, archive.SnapshotKey(cycle))
}

// HasSpool reports whether the spool file of cycle is present.
func (c *Cache) HasSpool(cycle int64) bool {
	_, err := os.Stat(c.spoolPath(cycle))
	return err == nil
}

// HasHot reports whether the hot table of template for cycle exists.
func (c *Cache) HasHot(ctx context.Context, template string, cycle int64) bool {
	return c.db.WithContext(ctx).Migrator().HasTable(TableName(template, cycle))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
