package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SemaphoreStore implements a named counting semaphore backed by
// Postgres rows, a generalization of Lease (a semaphore with Capacity=1
// is a lease). State lives server-side so every process in the fleet
// shares the same limit instead of each process enforcing its own local
// cap.
type SemaphoreStore struct {
	pool       *pgxpool.Pool
	semaphores string
	holders    string
}

func newSemaphoreStore(pool *pgxpool.Pool, schemaName, semaphoresTable, holdersTable string) *SemaphoreStore {
	if semaphoresTable == "" {
		semaphoresTable = "cp_semaphores"
	}
	if holdersTable == "" {
		holdersTable = "cp_semaphore_holders"
	}
	return &SemaphoreStore{
		pool:       pool,
		semaphores: qualify(schemaName, semaphoresTable),
		holders:    qualify(schemaName, holdersTable),
	}
}

// DefineCapacity registers (or updates) the capacity for a named
// semaphore. Must be called before Acquire is meaningful.
func (s *SemaphoreStore) DefineCapacity(ctx context.Context, name string, capacity int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, capacity) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET capacity = $2`, s.semaphores)
	_, err := s.pool.Exec(ctx, query, name, capacity)
	if err != nil {
		return fmt.Errorf("store: define semaphore %q capacity: %w", name, err)
	}
	return nil
}

// Acquire attempts to take one of the named semaphore's slots for
// holderToken until expiresAt. Returns false if the semaphore is
// undefined or already at capacity (counting only unexpired holders).
func (s *SemaphoreStore) Acquire(ctx context.Context, name, holderToken string, expiresAt time.Time) (bool, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		WITH cap AS (
			SELECT capacity FROM %[1]s WHERE name = $1
		), held AS (
			SELECT count(*) AS n FROM %[2]s WHERE name = $1 AND expires_at > $4
		)
		INSERT INTO %[2]s (name, holder_token, acquired_at, expires_at)
		SELECT $1, $2, $4, $3
		WHERE (SELECT n FROM held) < (SELECT capacity FROM cap)
		ON CONFLICT (name, holder_token) DO UPDATE SET expires_at = $3
		RETURNING 1`, s.semaphores, s.holders)
	var ok int
	err := s.pool.QueryRow(ctx, query, name, holderToken, expiresAt, now).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: acquire semaphore %q: %w", name, err)
	}
	return true, nil
}

// Release deletes the holder's row, freeing its slot.
func (s *SemaphoreStore) Release(ctx context.Context, name, holderToken string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND holder_token = $2`, s.holders)
	if _, err := s.pool.Exec(ctx, query, name, holderToken); err != nil {
		return fmt.Errorf("store: release semaphore %q: %w", name, err)
	}
	return nil
}

// ReapExpired deletes holder rows past their expiry, freeing stale slots
// left by workers that crashed without releasing.
func (s *SemaphoreStore) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.holders), now)
	if err != nil {
		return 0, fmt.Errorf("store: reap expired semaphore holders: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// MetricsRollupStore is the durable sink aggregator snapshots are
// flushed into on an interval, so dashboards can query history instead
// of only the in-process snapshot.
type MetricsRollupStore struct {
	pool  *pgxpool.Pool
	table string
}

func newMetricsRollupStore(pool *pgxpool.Pool, schemaName, tableName string) *MetricsRollupStore {
	if tableName == "" {
		tableName = "cp_metrics_rollup"
	}
	return &MetricsRollupStore{pool: pool, table: qualify(schemaName, tableName)}
}

// MetricRollup is one flushed aggregator snapshot.
type MetricRollup struct {
	MetricName    string
	WindowStart   time.Time
	Sum           float64
	Count         int64
	Min, Max      *float64
	P50, P95, P99 *float64
}

// Insert appends a rollup row. Control-plane history is append-only; a
// given (MetricName, WindowStart) is only ever written once by the
// reporter that owned that window.
func (s *MetricsRollupStore) Insert(ctx context.Context, r MetricRollup) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (metric_name, window_start, sum, count, min, max, p50, p95, p99)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (metric_name, window_start) DO NOTHING`, s.table)
	_, err := s.pool.Exec(ctx, query, r.MetricName, r.WindowStart, r.Sum, r.Count, r.Min, r.Max, r.P50, r.P95, r.P99)
	if err != nil {
		return fmt.Errorf("store: insert metrics rollup %q: %w", r.MetricName, err)
	}
	return nil
}
