package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ControlPlaneStore owns the optional shared database hosting
// cross-tenant resources: semaphores and the central metrics rollup.
// Distinct from PostgresStore (a tenant store) because it has no
// outbox/inbox/scheduler/fanout tables of its own.
type ControlPlaneStore struct {
	pool *pgxpool.Pool

	Semaphores *SemaphoreStore
	Metrics    *MetricsRollupStore
	Schema     *SchemaManager
}

// ControlPlaneOptions names the control-plane schema and table overrides.
type ControlPlaneOptions struct {
	SchemaName      string
	SemaphoresTable string
	HoldersTable    string
	MetricsTable    string
}

func (o ControlPlaneOptions) withDefaults() ControlPlaneOptions {
	if o.SchemaName == "" {
		o.SchemaName = "dbo"
	}
	return o
}

// NewControlPlaneStore opens a pool against dsn for the shared
// control-plane database.
func NewControlPlaneStore(ctx context.Context, dsn string, opts ControlPlaneOptions) (*ControlPlaneStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: control plane DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create control plane pool: %w", err)
	}
	cp := &ControlPlaneStore{pool: pool, Schema: NewSchemaManager(pool)}
	if err := cp.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	opts = opts.withDefaults()
	cp.Semaphores = newSemaphoreStore(pool, opts.SchemaName, opts.SemaphoresTable, opts.HoldersTable)
	cp.Metrics = newMetricsRollupStore(pool, opts.SchemaName, opts.MetricsTable)
	return cp, nil
}

func (cp *ControlPlaneStore) Pool() *pgxpool.Pool { return cp.pool }

func (cp *ControlPlaneStore) Ping(ctx context.Context) error {
	if cp.pool == nil {
		return fmt.Errorf("store: control plane not initialized")
	}
	return cp.pool.Ping(ctx)
}

func (cp *ControlPlaneStore) Close() error {
	if cp.pool != nil {
		cp.pool.Close()
	}
	return nil
}
