package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

// Spool file schema. Decision and status strings are interned in lookup
// tables to keep the file small.

type spoolDecision struct {
	ID    int `gorm:"primaryKey;autoIncrement:false"`
	Value string
}

func (spoolDecision) TableName() string { return "decisions" }

type spoolStatus struct {
	ID    int `gorm:"primaryKey;autoIncrement:false"`
	Value string
}

func (spoolStatus) TableName() string { return "statuses" }

type spoolReplica struct {
	SiteID     int64
	DatasetID  int64
	Size       int64
	DecisionID int
	Condition  int64
}

func (spoolReplica) TableName() string { return "replicas" }

type spoolSite struct {
	SiteID   int64
	StatusID int
	Quota    float64
}

func (spoolSite) TableName() string { return "sites" }

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

type openResult struct {
	db  *gorm.DB
	err error
}

// openSpool opens the snapshot file at path. Each attempt runs under the
// open deadline; an attempt that times out is abandoned and its connection
// closed whenever it eventually completes.
func (c *Cache) openSpool(ctx context.Context, path string) (*gorm.DB, error) {
	for attempt := 1; attempt <= c.opts.OpenAttempts; attempt++ {
		done := make(chan openResult, 1)
		go func() {
			db, err := c.open(path)
			done <- openResult{db, err}
		}()

		timer := time.NewTimer(c.opts.OpenTimeout)
		select {
		case r := <-done:
			timer.Stop()
			if r.err != nil {
				return nil, fmt.Errorf("failed to open snapshot file %s: %w", path, r.err)
			}
			return r.db, nil

		case <-timer.C:
			metrics.ObserveOpenTimeout(c.opts.Metrics)
			logger.WarnCtx(ctx, "snapshot file open timed out",
				logger.KeyPath, path,
				logger.Attempt(attempt),
				"timeout", c.opts.OpenTimeout)
			go func() {
				if r := <-done; r.db != nil {
					closeDB(r.db)
				}
			}()
		}
	}

	return nil, &OpenTimeoutError{Path: path, Attempts: c.opts.OpenAttempts, Timeout: c.opts.OpenTimeout}
}

// writeSpool writes snap to the spool file of cycle, replacing any file
// left by an earlier attempt. The file appears under its final name only
// once complete.
func (c *Cache) writeSpool(ctx context.Context, cycle int64, snap *Snapshot) error {
	path := c.spoolPath(cycle)
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	db, err := c.openSpool(ctx, tmp)
	if err != nil {
		return err
	}

	err = fillSpool(db, snap)
	closeDB(db)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func fillSpool(db *gorm.DB, snap *Snapshot) error {
	if err := db.AutoMigrate(&spoolDecision{}, &spoolStatus{}, &spoolReplica{}, &spoolSite{}); err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		decisions := intern{}
		replicas := make([]spoolReplica, len(snap.Replicas))
		for i, r := range snap.Replicas {
			replicas[i] = spoolReplica{
				SiteID:     r.SiteID,
				DatasetID:  r.DatasetID,
				Size:       r.Size,
				DecisionID: decisions.id(r.Decision),
				Condition:  r.ConditionID,
			}
		}

		statuses := intern{}
		sites := make([]spoolSite, len(snap.Sites))
		for i, s := range snap.Sites {
			sites[i] = spoolSite{SiteID: s.SiteID, StatusID: statuses.id(s.Status), Quota: s.Quota}
		}

		for v, id := range decisions {
			if err := tx.Create(&spoolDecision{ID: id, Value: v}).Error; err != nil {
				return err
			}
		}
		for v, id := range statuses {
			if err := tx.Create(&spoolStatus{ID: id, Value: v}).Error; err != nil {
				return err
			}
		}
		if len(replicas) > 0 {
			if err := tx.CreateInBatches(replicas, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(sites) > 0 {
			if err := tx.CreateInBatches(sites, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// intern assigns sequential ids to distinct strings.
type intern map[string]int

func (in intern) id(v string) int {
	if id, ok := in[v]; ok {
		return id
	}
	id := len(in) + 1
	in[v] = id
	return id
}

// readSpool loads the rows of template from the spool file of cycle.
func (c *Cache) readSpool(ctx context.Context, template string, cycle int64) (any, int, error) {
	db, err := c.openSpool(ctx, c.spoolPath(cycle))
	if err != nil {
		return nil, 0, err
	}
	defer closeDB(db)

	switch template {
	case TemplateReplicas:
		var rows []ReplicaRow
		err := db.Table("replicas AS r").
			Select("r.site_id, r.dataset_id, r.size, d.value AS decision, r.condition").
			Joins("INNER JOIN decisions AS d ON d.id = r.decision_id").
			Scan(&rows).Error
		return rows, len(rows), err

	case TemplateSites:
		var rows []SiteRow
		err := db.Table("sites AS s").
			Select("s.site_id, t.value AS status, s.quota").
			Joins("INNER JOIN statuses AS t ON t.id = s.status_id").
			Scan(&rows).Error
		return rows, len(rows), err

	default:
		return nil, 0, fmt.Errorf("unknown snapshot template %q", template)
	}
}
