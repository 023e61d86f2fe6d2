package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dynamo-dm/dynamo/pkg/archive"
	archivefs "github.com/dynamo-dm/dynamo/pkg/archive/fs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	cache   *Cache
	clock   *fakeClock
	archive *archivefs.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "cache.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() { closeDB(db) })

	store, err := archivefs.NewWithPath(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache, err := New(db, store, Options{
		SpoolDir:    filepath.Join(dir, "spool"),
		Now:         clock.Now,
		OpenTimeout: time.Second,
	})
	require.NoError(t, err)

	return &testEnv{cache: cache, clock: clock, archive: store}
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Replicas: []ReplicaRow{
			{SiteID: 1, DatasetID: 10, Size: 100, Decision: "delete", ConditionID: 3},
			{SiteID: 1, DatasetID: 11, Size: 300, Decision: "keep", ConditionID: 4},
			{SiteID: 2, DatasetID: 10, Size: 200, Decision: "protect", ConditionID: 5},
			{SiteID: 2, DatasetID: 12, Size: 50, Decision: "delete", ConditionID: 3},
		},
		Sites: []SiteRow{
			{SiteID: 1, Status: "ready", Quota: 100},
			{SiteID: 2, Status: "waitroom", Quota: 50.5},
			{SiteID: 3, Status: "ready", Quota: 0},
		},
	}
}

// sortedReplicas is testSnapshot().Replicas ordered by site, then size
// descending.
func sortedReplicas() []ReplicaRow {
	r := testSnapshot().Replicas
	return []ReplicaRow{r[1], r[0], r[2], r[3]}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "replicas_42", TableName(TemplateReplicas, 42))
	assert.Equal(t, "snapshot_000000042.db", SpoolFileName(42))
}

func TestSaveAndQuery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))

	assert.True(t, env.cache.HasSpool(1))
	ok, err := env.archive.Exists(ctx, archive.SnapshotKey(1))
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := env.cache.Replicas(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sortedReplicas(), rows)

	sites, err := env.cache.Sites(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, testSnapshot().Sites, sites)

	used, err := env.cache.UsedSites(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, used)

	t.Run("FilterBySiteAndDecision", func(t *testing.T) {
		site := int64(2)
		rows, err := env.cache.QueryReplicas(ctx, 1, ReplicaQuery{SiteID: &site, Decisions: []string{"delete"}})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(12), rows[0].DatasetID)
	})

	t.Run("Volumes", func(t *testing.T) {
		vols, err := env.cache.Volumes(ctx, 1)
		require.NoError(t, err)
		got := map[string]int64{}
		for _, v := range vols {
			got[fmt.Sprintf("%d/%s", v.SiteID, v.Decision)] = v.Size
		}
		assert.Equal(t, map[string]int64{
			"1/delete":  100,
			"1/keep":    300,
			"2/protect": 200,
			"2/delete":  50,
		}, got)
	})
}

func TestSaveEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 5, &Snapshot{}))

	rows, err := env.cache.Replicas(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSaveReplacesEarlierAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))

	second := &Snapshot{Replicas: []ReplicaRow{{SiteID: 9, DatasetID: 9, Size: 1, Decision: "keep", ConditionID: 1}}}
	require.NoError(t, env.cache.Save(ctx, 1, second))

	rows, err := env.cache.Replicas(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.Replicas, rows)
}

func TestRoundTripThroughArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))

	env.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, env.cache.Save(ctx, 2, &Snapshot{}))

	// Any fill evicts cycle 1, last accessed eight days ago.
	_, err := env.cache.Sites(ctx, 2)
	require.NoError(t, err)

	assert.False(t, env.cache.HasHot(ctx, TemplateReplicas, 1))
	assert.False(t, env.cache.HasHot(ctx, TemplateSites, 1))
	assert.False(t, env.cache.HasSpool(1))
	ok, err := env.archive.Exists(ctx, archive.SnapshotKey(1))
	require.NoError(t, err)
	assert.True(t, ok, "archive must survive eviction")

	assert.True(t, env.cache.HasHot(ctx, TemplateSites, 2))

	rows, err := env.cache.Replicas(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sortedReplicas(), rows)
	assert.True(t, env.cache.HasSpool(1))

	sites, err := env.cache.Sites(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, testSnapshot().Sites, sites)
}

func TestEvictKeepsRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))

	env.clock.Advance(6 * 24 * time.Hour)
	_, err := env.cache.Replicas(ctx, 1)
	require.NoError(t, err)

	env.clock.Advance(2 * 24 * time.Hour)
	dropped, err := env.cache.Evict(ctx)
	require.NoError(t, err)

	// sites_1 was last touched by Save eight days ago; replicas_1 two days ago.
	assert.Equal(t, 1, dropped)
	assert.False(t, env.cache.HasHot(ctx, TemplateSites, 1))
	assert.True(t, env.cache.HasHot(ctx, TemplateReplicas, 1))
	assert.True(t, env.cache.HasSpool(1), "spool stays while any template is in use")

	env.clock.Advance(6 * 24 * time.Hour)
	_, err = env.cache.Evict(ctx)
	require.NoError(t, err)
	assert.False(t, env.cache.HasHot(ctx, TemplateReplicas, 1))
	assert.False(t, env.cache.HasSpool(1))
}

func TestFillRecordsAccessBeforeEvicting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))
	require.NoError(t, env.archive.Delete(ctx, archive.SnapshotKey(1)))

	// Both tables of cycle 1 are stale now. Reading one must not let the
	// eviction run by that read drop it, or the read would have nothing to
	// rehydrate from.
	env.clock.Advance(8 * 24 * time.Hour)
	rows, err := env.cache.Replicas(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sortedReplicas(), rows)

	assert.True(t, env.cache.HasHot(ctx, TemplateReplicas, 1))
	assert.False(t, env.cache.HasHot(ctx, TemplateSites, 1))
	assert.True(t, env.cache.HasSpool(1))
}

func TestFillSurvivesCancelledCaller(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))
	require.NoError(t, env.cache.db.Migrator().DropTable(TableName(TemplateReplicas, 1)))

	opened := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	env.cache.open = func(path string) (*gorm.DB, error) {
		if calls.Add(1) == 1 {
			close(opened)
			<-release
		}
		return openSQLite(path)
	}

	cctx, cancel := context.WithCancel(ctx)
	first := make(chan error, 1)
	go func() {
		_, err := env.cache.Replicas(cctx, 1)
		first <- err
	}()
	<-opened

	second := make(chan error, 1)
	go func() {
		rows, err := env.cache.Replicas(ctx, 1)
		if err == nil && len(rows) != 4 {
			err = fmt.Errorf("got %d rows", len(rows))
		}
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	require.NoError(t, <-second)
	<-first
	assert.True(t, env.cache.HasHot(ctx, TemplateReplicas, 1))
}

func TestMissingSnapshot(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.cache.Replicas(context.Background(), 99)
	var missing *MissingSnapshotError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, int64(99), missing.Cycle)
	assert.Equal(t, archive.SnapshotKey(99), missing.Key)
}

func TestOpenTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cache.opts.OpenTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls atomic.Int32
	env.cache.open = func(string) (*gorm.DB, error) {
		calls.Add(1)
		<-release
		return nil, errors.New("released")
	}

	err := env.cache.Save(context.Background(), 1, testSnapshot())
	var timeout *OpenTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, env.cache.HasSpool(1))
}

func TestOpenRetriesAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cache.opts.OpenTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls atomic.Int32
	env.cache.open = func(path string) (*gorm.DB, error) {
		if calls.Add(1) == 1 {
			<-release
			return nil, errors.New("released")
		}
		return openSQLite(path)
	}

	require.NoError(t, env.cache.Save(context.Background(), 1, testSnapshot()))
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, env.cache.HasSpool(1))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))

	require.NoError(t, env.cache.Discard(ctx, 1))

	assert.False(t, env.cache.HasHot(ctx, TemplateReplicas, 1))
	assert.False(t, env.cache.HasSpool(1))
	_, err := env.cache.Replicas(ctx, 1)
	var missing *MissingSnapshotError
	assert.ErrorAs(t, err, &missing)
}

func TestConcurrentFills(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.cache.Save(ctx, 1, testSnapshot()))
	require.NoError(t, env.cache.db.Migrator().DropTable(TableName(TemplateReplicas, 1)))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := env.cache.Replicas(ctx, 1)
			if err == nil && len(rows) != 4 {
				err = fmt.Errorf("got %d rows", len(rows))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestNewRequiresSpoolDir(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)
}

func TestHealthcheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.cache.Healthcheck(ctx))

	require.NoError(t, env.archive.Close())
	assert.Error(t, env.cache.Healthcheck(ctx))
}
