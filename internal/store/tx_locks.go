package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// retentionSweepLockKey is a fleet-wide advisory lock key so that, when
// multiple workers share a retention-cleanup interval, only one of them
// actually runs the DELETE pass per tick; the others no-op rather than
// racing each other over the same terminal rows.
const retentionSweepLockKey int64 = 0x72656c6179645f63 // "relayd_c"

// tryAdvisoryLock attempts to take a session-level advisory lock,
// returning false immediately (never blocking) if another connection
// already holds it.
func tryAdvisoryLock(ctx context.Context, conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, key int64) (bool, error) {
	var held bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&held); err != nil {
		return false, fmt.Errorf("store: try advisory lock: %w", err)
	}
	return held, nil
}

// RunRetentionSweep cleans up terminal rows older than retention in both
// the outbox and inbox tables, guarded by a try-lock so concurrent
// callers (e.g. every dispatcher worker in the fleet ticking on the same
// CleanupInterval) collapse to a single active sweep per pass.
func (s *PostgresStore) RunRetentionSweep(ctx context.Context, retention time.Duration) (outboxDeleted, inboxDeleted int, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("store: acquire connection for retention sweep: %w", err)
	}
	defer conn.Release()

	held, err := tryAdvisoryLock(ctx, conn, retentionSweepLockKey)
	if err != nil {
		return 0, 0, err
	}
	if !held {
		return 0, 0, nil
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, retentionSweepLockKey)

	if s.Outbox != nil {
		outboxDeleted, err = s.Outbox.Cleanup(ctx, retention)
		if err != nil {
			return 0, 0, fmt.Errorf("store: cleanup outbox: %w", err)
		}
	}
	if s.Inbox != nil {
		inboxDeleted, err = s.Inbox.Cleanup(ctx, retention)
		if err != nil {
			return outboxDeleted, 0, fmt.Errorf("store: cleanup inbox: %w", err)
		}
	}
	return outboxDeleted, inboxDeleted, nil
}
