// Package distlock provides a Postgres advisory lock for coordinating
// gateway replicas that share a database.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
)

// AdvisoryLock is a session-scoped pg_advisory lock. It is released
// automatically if the database connection drops, so a crashed holder never
// wedges the other replicas. Not safe for concurrent use from multiple
// goroutines; create one lock per caller.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// New creates an advisory lock whose id is derived deterministically from
// the key, so every replica using the same key contends on the same lock.
func New(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// TryAcquire attempts to take the lock without blocking. Returns true if
// this session now holds it.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Acquire blocks until the lock is held or ctx is cancelled.
func (l *AdvisoryLock) Acquire(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID)
	return err
}

// Release gives the lock up if this session still owns it.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
