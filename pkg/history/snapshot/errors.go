package snapshot

import (
	"fmt"
	"time"
)

// MissingSnapshotError means neither the spool file nor the archive of a
// cycle exists. The snapshot is permanently lost.
type MissingSnapshotError struct {
	Cycle int64
	Key   string
}

func (e *MissingSnapshotError) Error() string {
	return fmt.Sprintf("snapshot of cycle %d is missing: no spool file and no archive object %s", e.Cycle, e.Key)
}

// OpenTimeoutError means every attempt to open a snapshot file exceeded
// the open deadline.
type OpenTimeoutError struct {
	Path     string
	Attempts int
	Timeout  time.Duration
}

func (e *OpenTimeoutError) Error() string {
	return fmt.Sprintf("opening snapshot file %s timed out %d times after %s", e.Path, e.Attempts, e.Timeout)
}
