package history

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrPartitionNotFound = errors.New("partition not found")
	ErrCycleNotFound     = errors.New("cycle not found")
	ErrSiteNotFound      = errors.New("site not found")

	// ErrCycleOpen is matched by *CycleOpenError.
	ErrCycleOpen = errors.New("partition has an open cycle")

	// ErrCycleClosed is returned when writing to or closing a closed cycle.
	ErrCycleClosed = errors.New("cycle is closed")

	// ErrCycleNotClosed is returned when reading the decisions of a cycle
	// that has not been closed yet.
	ErrCycleNotClosed = errors.New("cycle is not closed")
)

// CycleOpenError is returned by NewCycle when the partition already has an
// open cycle of the same family.
type CycleOpenError struct {
	Partition string
	Cycle     int64
	Operation Operation
}

func (e *CycleOpenError) Error() string {
	return fmt.Sprintf("partition %s has open %s cycle %d", e.Partition, e.Operation, e.Cycle)
}

func (e *CycleOpenError) Is(target error) bool {
	return target == ErrCycleOpen
}

// LockTimeoutError is returned when the partition write lock could not be
// acquired within the configured attempts.
type LockTimeoutError struct {
	Partition string
	Attempts  int
	Holder    string
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("failed to lock partition %s after %d attempts", e.Partition, e.Attempts)
	if e.Holder != "" {
		msg += ": held by " + e.Holder
	}
	return msg
}

// PostgreSQL error codes.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
)

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isContentionError reports errors worth retrying under lock contention.
func isContentionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable || pgErr.Code == pgDeadlockDetected
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
