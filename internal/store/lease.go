package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaseRow is a single row of the leases table.
type LeaseRow struct {
	ResourceName string
	OwnerToken   string
	FencingToken int64
	LeaseUntilAt time.Time
	ContextJSON  string
}

// LeaseStore implements named, fencing-tokened mutual exclusion on top
// of a single-row-per-resource table. The upsert's WHERE clause is the
// serialization point: a single INSERT ... ON CONFLICT DO UPDATE is
// already atomic, so no explicit advisory lock is needed.
type LeaseStore struct {
	pool  *pgxpool.Pool
	table string
}

func newLeaseStore(pool *pgxpool.Pool, schemaName, tableName string) *LeaseStore {
	if tableName == "" {
		tableName = "leases"
	}
	return &LeaseStore{pool: pool, table: qualify(schemaName, tableName)}
}

// Acquire succeeds when the named row is absent, expired, or already
// owned by ownerToken (reentrant). On success it returns the new row with
// FencingToken = previous + 1 and LeaseUntilAt = server-now + duration.
// Returns (nil, nil) when another owner currently holds a live lease.
func (s *LeaseStore) Acquire(ctx context.Context, name string, duration time.Duration, ownerToken, contextJSON string) (*LeaseRow, error) {
	if name == "" {
		return nil, fmt.Errorf("store: acquire lease: resource name required")
	}
	if ownerToken == "" {
		ownerToken = uuid.New().String()
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (resource_name, owner_token, fencing_token, lease_until_at, context_json)
		VALUES ($1, $2, 1, now() + $3::interval, NULLIF($4, '')::jsonb)
		ON CONFLICT (resource_name) DO UPDATE SET
			owner_token = $2,
			fencing_token = %[1]s.fencing_token + 1,
			lease_until_at = now() + $3::interval,
			context_json = COALESCE(NULLIF($4, '')::jsonb, %[1]s.context_json)
		WHERE %[1]s.lease_until_at <= now() OR %[1]s.owner_token = $2
		RETURNING resource_name, owner_token, fencing_token, lease_until_at, COALESCE(context_json::text, '')`,
		s.table)
	row := s.pool.QueryRow(ctx, query, name, ownerToken, intervalSeconds(duration), contextJSON)
	lease, err := scanLeaseRow(row)
	if err != nil {
		return nil, fmt.Errorf("store: acquire lease %q: %w", name, err)
	}
	return lease, nil
}

// intervalSeconds formats d as a Postgres interval literal. Duration's
// own String can emit the non-ASCII "µs" unit for sub-millisecond
// values; a plain seconds figure is always safe to cast to interval.
func intervalSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f seconds", d.Seconds())
}

// Renew succeeds iff the row still shows ownerToken as current owner; on
// success it increments FencingToken and extends LeaseUntilAt.
func (s *LeaseStore) Renew(ctx context.Context, name, ownerToken string, duration time.Duration) (*LeaseRow, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			fencing_token = fencing_token + 1,
			lease_until_at = now() + $3::interval
		WHERE resource_name = $1 AND owner_token = $2
		RETURNING resource_name, owner_token, fencing_token, lease_until_at, COALESCE(context_json::text, '')`,
		s.table)
	row := s.pool.QueryRow(ctx, query, name, ownerToken, intervalSeconds(duration))
	lease, err := scanLeaseRow(row)
	if err != nil {
		return nil, fmt.Errorf("store: renew lease %q: %w", name, err)
	}
	return lease, nil
}

// Release expires the row in place if the current owner matches,
// best-effort: a mismatch (already reclaimed by someone else) is not an
// error. The row is retained rather than deleted so the resource's
// fencing_token sequence stays strictly increasing across
// release/re-acquire cycles; the next Acquire takes the ON CONFLICT
// branch and increments from where the last holder left off.
func (s *LeaseStore) Release(ctx context.Context, name, ownerToken string) error {
	query := fmt.Sprintf(`UPDATE %s SET lease_until_at = now() WHERE resource_name = $1 AND owner_token = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, name, ownerToken); err != nil {
		return fmt.Errorf("store: release lease %q: %w", name, err)
	}
	return nil
}

// ServerNow returns the database server's wall clock, so lease comparisons
// are immune to clock drift between worker processes.
func (s *LeaseStore) ServerNow(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("store: server now: %w", err)
	}
	return now, nil
}

func scanLeaseRow(row pgx.Row) (*LeaseRow, error) {
	var l LeaseRow
	if err := row.Scan(&l.ResourceName, &l.OwnerToken, &l.FencingToken, &l.LeaseUntilAt, &l.ContextJSON); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}
