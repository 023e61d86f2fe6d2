package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamo-dm/dynamo/pkg/archive"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := archive.SnapshotKey(1234)

	require.NoError(t, s.Put(ctx, key, strings.NewReader("snapshot")))

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", string(data))

	_, err = os.Stat(filepath.Join(s.BasePath(), "000", "001", "snapshot_000001234.db.zst"))
	assert.NoError(t, err)
}

func TestStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "a/b", strings.NewReader("first")))
	require.NoError(t, s.Put(ctx, "a/b", strings.NewReader("second")))

	rc, err := s.Get(ctx, "a/b")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Join(s.BasePath(), "a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.Exists(ctx, "x/y")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "x/y", strings.NewReader("")))
	ok, err = s.Exists(ctx, "x/y")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_DeletePrunesShards(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := archive.SnapshotKey(7)

	require.NoError(t, s.Put(ctx, key, strings.NewReader("data")))
	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))

	_, err := os.Stat(filepath.Join(s.BasePath(), "000"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.BasePath())
	assert.NoError(t, err)
}

func TestStore_RejectsEscapingKeys(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), "../outside", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(ctx, "k", strings.NewReader("")), archive.ErrStoreClosed)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, archive.ErrStoreClosed)
}

func TestNew_RequiresBasePath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
