// Package history is the authoritative record of deletion and copy cycles.
// It stores cycles, policies and the name maps referenced by snapshots, and
// serializes writers per partition.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// batchSize bounds IN lists and bulk inserts.
const batchSize = 500

// Store implements the history database using GORM.
// It supports both SQLite and PostgreSQL backends via the same codebase.
type Store struct {
	db   *gorm.DB
	lock LockConfig

	owner string
	host  string
	pid   int

	mu    sync.Mutex
	local map[int64]*sync.Mutex

	now func() time.Time

	schemaVersion uint
}

// New wraps db and creates missing tables with GORM auto-migration. It
// serves SQLite and tests; Open migrates PostgreSQL with versioned scripts.
func New(db *gorm.DB, lock LockConfig) (*Store, error) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}
	return newStore(db, lock), nil
}

func newStore(db *gorm.DB, lock LockConfig) *Store {
	lock.ApplyDefaults()
	host, _ := os.Hostname()
	return &Store{
		db:    db,
		lock:  lock,
		owner: uuid.New().String(),
		host:  host,
		pid:   os.Getpid(),
		local: make(map[int64]*sync.Mutex),
		now:   time.Now,
	}
}

// Open connects to the database described by cfg and brings its schema up
// to date.
func Open(cfg *DatabaseConfig, lock LockConfig) (*Store, error) {
	var version uint
	if cfg.Type == DatabaseTypePostgres {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid database configuration: %w", err)
		}
		v, err := migratePostgres(context.Background(), &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		version = v
	}

	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Type == DatabaseTypePostgres {
		s := newStore(db, lock)
		s.schemaVersion = version
		return s, nil
	}

	s, err := New(db, lock)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	return s, nil
}

// SchemaVersion is the applied migration version, 0 for auto-migrated
// databases.
func (s *Store) SchemaVersion() uint {
	return s.schemaVersion
}

// DB returns the underlying GORM database connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Healthcheck pings the database.
func (s *Store) Healthcheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// saveHashed returns the id of the row with the given hash, inserting row
// when there is none. The unique hash index makes concurrent writers on
// other hosts converge on one row.
func saveHashed[T any](db *gorm.DB, ctx context.Context, hash string, row *T, id func(*T) int64) (int64, error) {
	var stored T
	err := db.WithContext(ctx).Where("hash = ?", hash).Take(&stored).Error
	if err == nil {
		return id(&stored), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 1 {
		return id(row), nil
	}

	// Inserted by another writer since the lookup.
	if err := db.WithContext(ctx).Where("hash = ?", hash).Take(&stored).Error; err != nil {
		return 0, err
	}
	return id(&stored), nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// Partitions
// ============================================================================

// EnsurePartition returns the id of partition, creating it if needed.
func (s *Store) EnsurePartition(ctx context.Context, name string) (int64, error) {
	id, err := s.PartitionID(ctx, name)
	if err == nil || !errors.Is(err, ErrPartitionNotFound) {
		return id, err
	}

	p := Partition{Name: name}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		if isUniqueConstraintError(err) {
			// Created concurrently by another writer.
			return s.PartitionID(ctx, name)
		}
		return 0, err
	}
	return p.ID, nil
}

// PartitionID returns the id of partition.
func (s *Store) PartitionID(ctx context.Context, name string) (int64, error) {
	p, err := getByField[Partition](s.db, ctx, "name", name, ErrPartitionNotFound)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// Partitions lists every known partition.
func (s *Store) Partitions(ctx context.Context) ([]*Partition, error) {
	var parts []*Partition
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&parts).Error; err != nil {
		return nil, err
	}
	return parts, nil
}

// ============================================================================
// Cycles
// ============================================================================

// NewCycle opens a cycle. If partition already has an open cycle in the
// family of op (see Operation.Family) a *CycleOpenError carrying its id is
// returned.
func (s *Store) NewCycle(ctx context.Context, partition string, op Operation, policyID *int64, comment string) (int64, error) {
	partID, err := s.EnsurePartition(ctx, partition)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open Cycle
		err := tx.Where("partition_id = ? AND operation IN ? AND time_end IS NULL", partID, op.Family()).
			Order("id ASC").First(&open).Error
		if err == nil {
			return &CycleOpenError{Partition: partition, Cycle: open.ID, Operation: open.Operation}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		c := Cycle{
			PartitionID: partID,
			Operation:   op,
			PolicyID:    policyID,
			Comment:     comment,
			TimeStart:   s.now(),
		}
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	return id, err
}

// RestartCycle resets an open cycle that is being rerun. The operation may
// switch within its family, so a crashed test run can be retried as a
// production run and vice versa.
func (s *Store) RestartCycle(ctx context.Context, id int64, op Operation, policyID *int64, comment string) error {
	res := s.db.WithContext(ctx).Model(&Cycle{}).
		Where("id = ? AND time_end IS NULL AND operation IN ?", id, op.Family()).
		Updates(map[string]any{"operation": op, "policy_id": policyID, "comment": comment, "time_start": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.closedOrMissing(ctx, id)
	}
	return nil
}

// GetCycle returns cycle id.
func (s *Store) GetCycle(ctx context.Context, id int64) (*Cycle, error) {
	return getByField[Cycle](s.db, ctx, "id", id, ErrCycleNotFound)
}

// OpenCycle returns the open cycle in the family of op in partition, or
// ErrCycleNotFound.
func (s *Store) OpenCycle(ctx context.Context, partition string, op Operation) (*Cycle, error) {
	partID, err := s.PartitionID(ctx, partition)
	if err != nil {
		return nil, convertPartitionError(err)
	}

	var c Cycle
	err = s.db.WithContext(ctx).
		Where("partition_id = ? AND operation IN ? AND time_end IS NULL", partID, op.Family()).
		Order("id ASC").First(&c).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrCycleNotFound)
	}
	return &c, nil
}

// CycleWritable returns nil if cycle exists and is open.
func (s *Store) CycleWritable(ctx context.Context, id int64) error {
	c, err := s.GetCycle(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsOpen() {
		return ErrCycleClosed
	}
	return nil
}

// CycleReadable returns nil if cycle exists and is closed. Decisions of an
// open cycle may be half written and are never served.
func (s *Store) CycleReadable(ctx context.Context, id int64) error {
	c, err := s.GetCycle(ctx, id)
	if err != nil {
		return err
	}
	if c.IsOpen() {
		return ErrCycleNotClosed
	}
	return nil
}

// CloseCycle marks cycle finished. Closing a closed cycle returns
// ErrCycleClosed.
func (s *Store) CloseCycle(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&Cycle{}).
		Where("id = ? AND time_end IS NULL", id).
		Update("time_end", s.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.closedOrMissing(ctx, id)
	}
	return nil
}

// AbortCycle deletes an open cycle and its copy requests. Closed cycles
// cannot be aborted.
func (s *Store) AbortCycle(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND time_end IS NULL", id).Delete(&Cycle{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.closedOrMissing(ctx, id)
		}
		return tx.Where("cycle_id = ?", id).Delete(&CopyRequest{}).Error
	})
}

func (s *Store) closedOrMissing(ctx context.Context, id int64) error {
	c, err := s.GetCycle(ctx, id)
	if err != nil {
		return err
	}
	if c.IsOpen() {
		return fmt.Errorf("cycle %d is an open %s cycle", id, c.Operation)
	}
	return ErrCycleClosed
}

// ListCycleRecords returns the closed cycles of partition with
// first <= id <= last among ops, ascending. A negative last means no upper
// bound; a negative first selects only the latest matching cycle. An
// unknown partition has no cycles.
func (s *Store) ListCycleRecords(ctx context.Context, partition string, first, last int64, ops ...Operation) ([]*Cycle, error) {
	partID, err := s.PartitionID(ctx, partition)
	if errors.Is(err, ErrPartitionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("partition_id = ? AND time_end IS NOT NULL", partID)
	if len(ops) > 0 {
		q = q.Where("operation IN ?", ops)
	}
	if first >= 0 {
		q = q.Where("id >= ?", first)
	}
	if last >= 0 {
		q = q.Where("id <= ?", last)
	}

	var cycles []*Cycle
	if first < 0 {
		q = q.Order("id DESC").Limit(1)
	} else {
		q = q.Order("id ASC")
	}
	if err := q.Find(&cycles).Error; err != nil {
		return nil, err
	}
	return cycles, nil
}

// ListCycles is ListCycleRecords returning ids only.
func (s *Store) ListCycles(ctx context.Context, partition string, first, last int64, ops ...Operation) ([]int64, error) {
	cycles, err := s.ListCycleRecords(ctx, partition, first, last, ops...)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(cycles))
	for i, c := range cycles {
		ids[i] = c.ID
	}
	return ids, nil
}

// CyclePartition returns the partition name of cycle.
func (s *Store) CyclePartition(ctx context.Context, id int64) (string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Table("cycles").
		Joins("INNER JOIN partitions ON partitions.id = cycles.partition_id").
		Where("cycles.id = ?", id).
		Pluck("partitions.name", &names).Error
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrCycleNotFound
	}
	return names[0], nil
}

func convertPartitionError(err error) error {
	if errors.Is(err, ErrPartitionNotFound) {
		return ErrCycleNotFound
	}
	return err
}

// ============================================================================
// Policies and conditions
// ============================================================================

// NormalizeCondition collapses runs of white space so equivalent condition
// texts share one row.
func NormalizeCondition(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// SavePolicy returns the id of text, storing it on first use.
func (s *Store) SavePolicy(ctx context.Context, text string) (int64, error) {
	hash := hashText(text)
	return saveHashed(s.db, ctx, hash, &Policy{Hash: hash, Text: text}, func(p *Policy) int64 { return p.ID })
}

// PolicyText returns the text of policy id.
func (s *Store) PolicyText(ctx context.Context, id int64) (string, error) {
	p, err := getByField[Policy](s.db, ctx, "id", id, gorm.ErrRecordNotFound)
	if err != nil {
		return "", err
	}
	return p.Text, nil
}

// SaveConditions returns the id of each normalized condition text, in
// order, creating rows for texts not stored yet.
func (s *Store) SaveConditions(ctx context.Context, texts []string) ([]int64, error) {
	ids := make([]int64, len(texts))
	known := map[string]int64{}

	for i, raw := range texts {
		text := NormalizeCondition(raw)
		if id, ok := known[text]; ok {
			ids[i] = id
			continue
		}

		hash := hashText(text)
		id, err := saveHashed(s.db, ctx, hash, &PolicyCondition{Hash: hash, Text: text},
			func(c *PolicyCondition) int64 { return c.ID })
		if err != nil {
			return nil, err
		}

		known[text] = id
		ids[i] = id
	}
	return ids, nil
}

// ConditionTexts resolves condition ids to their texts. Unknown ids are
// absent from the result.
func (s *Store) ConditionTexts(ctx context.Context, ids []int64) (map[int64]string, error) {
	return s.lookupIDs(ctx, "policy_conditions", "text", ids)
}

// ============================================================================
// Site and dataset names
// ============================================================================

// SaveSites returns the id of every site name, creating missing ones.
func (s *Store) SaveSites(ctx context.Context, names []string) (map[string]int64, error) {
	return s.saveNames(ctx, "sites", names)
}

// SaveDatasets returns the id of every dataset name, creating missing ones.
func (s *Store) SaveDatasets(ctx context.Context, names []string) (map[string]int64, error) {
	return s.saveNames(ctx, "datasets", names)
}

// SiteNames resolves site ids to names.
func (s *Store) SiteNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	return s.lookupIDs(ctx, "sites", "name", ids)
}

// DatasetNames resolves dataset ids to names.
func (s *Store) DatasetNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	return s.lookupIDs(ctx, "datasets", "name", ids)
}

// SiteID returns the id of a site name, or ErrSiteNotFound.
func (s *Store) SiteID(ctx context.Context, name string) (int64, error) {
	site, err := getByField[Site](s.db, ctx, "name", name, ErrSiteNotFound)
	if err != nil {
		return 0, err
	}
	return site.ID, nil
}

type nameRow struct {
	ID   int64
	Name string
}

func (s *Store) saveNames(ctx context.Context, table string, names []string) (map[string]int64, error) {
	ids, err := s.lookupNames(ctx, table, names)
	if err != nil {
		return nil, err
	}

	var missing []map[string]any
	seen := map[string]bool{}
	for _, n := range names {
		if _, ok := ids[n]; ok || seen[n] {
			continue
		}
		seen[n] = true
		missing = append(missing, map[string]any{"name": n})
	}
	if len(missing) == 0 {
		return ids, nil
	}

	err = s.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(missing, batchSize).Error
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", table, err)
	}

	added := make([]string, 0, len(missing))
	for _, m := range missing {
		added = append(added, m["name"].(string))
	}
	created, err := s.lookupNames(ctx, table, added)
	if err != nil {
		return nil, err
	}
	for n, id := range created {
		ids[n] = id
	}
	return ids, nil
}

func (s *Store) lookupNames(ctx context.Context, table string, names []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(names))
	for start := 0; start < len(names); start += batchSize {
		end := min(start+batchSize, len(names))
		var rows []nameRow
		err := s.db.WithContext(ctx).Table(table).
			Select("id, name").
			Where("name IN ?", names[start:end]).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			ids[r.Name] = r.ID
		}
	}
	return ids, nil
}

func (s *Store) lookupIDs(ctx context.Context, table, column string, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		var rows []nameRow
		err := s.db.WithContext(ctx).Table(table).
			Select("id, "+column+" AS name").
			Where("id IN ?", ids[start:end]).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.ID] = r.Name
		}
	}
	return out, nil
}

// ============================================================================
// Copy requests
// ============================================================================

// SaveCopyRequests replaces the requests recorded for an open cycle.
func (s *Store) SaveCopyRequests(ctx context.Context, cycle int64, reqs []CopyRequest) error {
	if err := s.CycleWritable(ctx, cycle); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cycle_id = ?", cycle).Delete(&CopyRequest{}).Error; err != nil {
			return err
		}
		if len(reqs) == 0 {
			return nil
		}
		rows := make([]CopyRequest, len(reqs))
		for i, r := range reqs {
			r.ID = 0
			r.CycleID = cycle
			rows[i] = r
		}
		return tx.CreateInBatches(rows, batchSize).Error
	})
}

// CopyRequests returns the requests of cycle in insertion order.
func (s *Store) CopyRequests(ctx context.Context, cycle int64) ([]CopyRequest, error) {
	var reqs []CopyRequest
	if err := s.db.WithContext(ctx).Where("cycle_id = ?", cycle).Order("id ASC").Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}
