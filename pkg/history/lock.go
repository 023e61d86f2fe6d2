package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dynamo-dm/dynamo/internal/logger"
)

// Lock acquires the write lock of partition. Writers in this process are
// serialized by a mutex; writers elsewhere by a row in partition_locks.
// The returned function releases both.
func (s *Store) Lock(ctx context.Context, partition string) (func(), error) {
	pid, err := s.EnsurePartition(ctx, partition)
	if err != nil {
		return nil, err
	}

	mu := s.localMutex(pid)
	mu.Lock()

	holder := ""
	for attempt := 1; attempt <= s.lock.MaxAttempts; attempt++ {
		var ok bool
		ok, holder, err = s.tryLock(ctx, pid)
		if err != nil && !isContentionError(err) {
			mu.Unlock()
			return nil, fmt.Errorf("failed to lock partition %s: %w", partition, err)
		}
		if ok {
			return func() {
				s.unlock(pid)
				mu.Unlock()
			}, nil
		}

		if attempt == s.lock.MaxAttempts {
			break
		}
		logger.DebugCtx(ctx, "partition locked, waiting",
			logger.Partition(partition),
			logger.KeyOwner, holder,
			logger.Attempt(attempt))

		select {
		case <-ctx.Done():
			mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(s.lock.RetryInterval):
		}
	}

	mu.Unlock()
	return nil, &LockTimeoutError{Partition: partition, Attempts: s.lock.MaxAttempts, Holder: holder}
}

// WithLock runs fn while holding the write lock of partition.
func (s *Store) WithLock(ctx context.Context, partition string, fn func() error) error {
	unlock, err := s.Lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (s *Store) localMutex(pid int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.local[pid]
	if !ok {
		mu = &sync.Mutex{}
		s.local[pid] = mu
	}
	return mu
}

// tryLock makes one attempt at the lock row. On failure it returns a
// description of the current holder.
func (s *Store) tryLock(ctx context.Context, pid int64) (bool, string, error) {
	now := s.now()
	row := PartitionLock{PartitionID: pid, Owner: s.owner, Host: s.host, PID: s.pid, AcquiredAt: now}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, "", res.Error
	}
	if res.RowsAffected == 1 {
		return true, "", nil
	}

	var cur PartitionLock
	err := s.db.WithContext(ctx).Where("partition_id = ?", pid).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Released between the insert and the read.
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	holder := fmt.Sprintf("%s (pid %d)", cur.Host, cur.PID)

	if s.lock.StaleAfter <= 0 || now.Sub(cur.AcquiredAt) < s.lock.StaleAfter {
		return false, holder, nil
	}

	// Take over a stale lock only if nobody else did first.
	res = s.db.WithContext(ctx).Model(&PartitionLock{}).
		Where("partition_id = ? AND owner = ?", pid, cur.Owner).
		Updates(map[string]any{"owner": s.owner, "host": s.host, "pid": s.pid, "acquired_at": now})
	if res.Error != nil {
		return false, holder, res.Error
	}
	if res.RowsAffected == 1 {
		logger.WarnCtx(ctx, "took over stale partition lock",
			logger.KeyOwner, holder,
			"age", now.Sub(cur.AcquiredAt).String())
		return true, "", nil
	}
	return false, holder, nil
}

func (s *Store) unlock(pid int64) {
	// The caller's context may already be cancelled.
	err := s.db.WithContext(context.Background()).
		Where("partition_id = ? AND owner = ?", pid, s.owner).
		Delete(&PartitionLock{}).Error
	if err != nil {
		logger.Error("failed to release partition lock", logger.Err(err), logger.KeyOwner, s.owner)
	}
}
