//go:build integration

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	archivefs "github.com/dynamo-dm/dynamo/pkg/archive/fs"
	"github.com/dynamo-dm/dynamo/pkg/detox"
	"github.com/dynamo-dm/dynamo/pkg/history/snapshot"
)

func startPostgres(t *testing.T) *DatabaseConfig {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dynamo"),
		postgres.WithUsername("dynamo"),
		postgres.WithPassword("dynamo"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := &DatabaseConfig{
		Type: DatabaseTypePostgres,
		Postgres: PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			Database: "dynamo",
			User:     "dynamo",
			Password: "dynamo",
		},
	}
	cfg.ApplyDefaults("history.db")
	return cfg
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	cfg := startPostgres(t)

	a, err := Open(cfg, testLock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(cfg, testLock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.Equal(t, uint(2), a.SchemaVersion())
	assert.Equal(t, uint(2), b.SchemaVersion())

	t.Run("Lock", func(t *testing.T) {
		unlock, err := a.Lock(ctx, "AnalysisOps")
		require.NoError(t, err)

		_, err = b.Lock(ctx, "AnalysisOps")
		var timeout *LockTimeoutError
		require.ErrorAs(t, err, &timeout)

		unlock()
		unlock, err = b.Lock(ctx, "AnalysisOps")
		require.NoError(t, err)
		unlock()
	})

	t.Run("DeletionRoundTrip", func(t *testing.T) {
		dir := t.TempDir()
		store, err := archivefs.NewWithPath(filepath.Join(dir, "archive"))
		require.NoError(t, err)
		cache, err := snapshot.New(a.DB(), store, snapshot.Options{SpoolDir: filepath.Join(dir, "spool")})
		require.NoError(t, err)
		h := NewDeletionHistory(a, cache)

		policy, err := detox.ParsePolicy("AnalysisOps", policyText, detox.ParseOptions{})
		require.NoError(t, err)
		report, err := detox.NewRunner(h, nil).Run(ctx, testView(t), policy, detox.RunOptions{})
		require.NoError(t, err)

		rep, err := h.GetDeletionDecisions(ctx, report.Cycle, true)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, rep.Volumes["T2_A"].Keep, 1e-9)
		assert.InDelta(t, 0.5, rep.Volumes["T2_A"].Protect, 1e-9)

		sites, err := h.GetSites(ctx, report.Cycle, true)
		require.NoError(t, err)
		assert.Len(t, sites, 2)
	})

	t.Run("ConcurrentConditionSave", func(t *testing.T) {
		texts := []string{"dataset.name == /Racy/*", "replica.is_custodial", "site.name == T2_B"}
		done := make(chan []int64, 2)
		for _, s := range []*Store{a, b} {
			go func(s *Store) {
				ids, err := s.SaveConditions(ctx, texts)
				assert.NoError(t, err)
				done <- ids
			}(s)
		}
		assert.Equal(t, <-done, <-done)

		var rows int64
		require.NoError(t, a.DB().Model(&PolicyCondition{}).
			Where("text IN ?", texts).Count(&rows).Error)
		assert.Equal(t, int64(len(texts)), rows)
	})

	t.Run("ConcurrentPartitionCreate", func(t *testing.T) {
		done := make(chan int64, 2)
		for _, s := range []*Store{a, b} {
			go func(s *Store) {
				id, err := s.EnsurePartition(ctx, "Racy")
				assert.NoError(t, err)
				done <- id
			}(s)
		}
		assert.Equal(t, <-done, <-done)
	})
}
