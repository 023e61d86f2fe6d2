// Package archive defines the durable store for compressed cycle snapshots.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("archive object not found")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("archive store is closed")
)

// Store persists archive objects under slash-separated keys.
type Store interface {
	// Put stores the content of r under key, replacing any existing object.
	// Readers never observe a partially written object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object under key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// SnapshotKey returns the archive key of the snapshot of cycle. Keys are
// sharded by the first two groups of three digits of the zero-padded cycle
// id, so no directory holds more than a thousand entries.
func SnapshotKey(cycle int64) string {
	id := fmt.Sprintf("%09d", cycle)
	return fmt.Sprintf("%s/%s/snapshot_%s.db.zst", id[:3], id[3:6], id)
}
