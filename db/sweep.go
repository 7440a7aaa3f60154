package db

import (
	"context"
	"fmt"

	"github.com/Richardson2512/drason/consts"
)

// AcquireAdvisoryLock attempts a session-level advisory lock on the write
// pool. Returns false without error when another instance holds it, which
// lets periodic jobs run exactly once across a fleet.
func (db *Database) AcquireAdvisoryLock(ctx context.Context, lockID int64) (bool, error) {
	var acquired bool
	err := db.WritePool.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to acquire advisory lock %d: %w", lockID, err)
	}
	return acquired, nil
}

// ReleaseAdvisoryLock releases a lock taken with AcquireAdvisoryLock.
func (db *Database) ReleaseAdvisoryLock(ctx context.Context, lockID int64) error {
	var released bool
	err := db.WritePool.QueryRow(ctx,
		`SELECT pg_advisory_unlock($1)`, lockID).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock %d: %w", lockID, err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", lockID)
	}
	return nil
}

// AcquireSweepLock guards the cooldown sweep so only one instance reconciles
// expired pauses at a time.
func (db *Database) AcquireSweepLock(ctx context.Context) (bool, error) {
	return db.AcquireAdvisoryLock(ctx, consts.DrasonSweepAdvisoryLockID)
}

// ReleaseSweepLock releases the sweep lock.
func (db *Database) ReleaseSweepLock(ctx context.Context) error {
	return db.ReleaseAdvisoryLock(ctx, consts.DrasonSweepAdvisoryLockID)
}

// AcquireArchiveLock guards the audit archive export.
func (db *Database) AcquireArchiveLock(ctx context.Context) (bool, error) {
	return db.AcquireAdvisoryLock(ctx, consts.DrasonArchiveAdvisoryLockID)
}

// ReleaseArchiveLock releases the archive lock.
func (db *Database) ReleaseArchiveLock(ctx context.Context) error {
	return db.ReleaseAdvisoryLock(ctx, consts.DrasonArchiveAdvisoryLockID)
}
