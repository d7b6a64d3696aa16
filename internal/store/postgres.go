// Package store is the Postgres persistence layer: the outbox, inbox,
// lease, job/timer, and fanout tables for a tenant database, the
// control-plane tables (semaphores, metrics rollup) for the shared
// database, and the idempotent SchemaManager that installs all of them.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore owns a connection pool for one tenant database (the
// control plane uses ControlPlaneStore instead) and exposes the Outbox/Inbox/Lease/Job/Timer/Fanout
// stores built on top of it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	Schema *SchemaManager

	Outbox *OutboxStore
	Inbox  *InboxStore
	Leases *LeaseStore
	Jobs   *JobStore
	Timers *TimerStore
	Fanout *FanoutStore
}

// NewPostgresStore opens a pool against dsn and pings it. Schema
// deployment is not performed here: callers that want it invoke the
// relevant SchemaManager.Ensure* methods explicitly, gated by each
// subsystem's EnableSchemaDeployment option, the way the startup latch's
// schema-completion service does.
func NewPostgresStore(ctx context.Context, dsn string, opts StoreOptions) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool, Schema: NewSchemaManager(pool)}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	opts = opts.withDefaults()
	s.Outbox = newOutboxStore(pool, opts.SchemaName, opts.OutboxTable)
	s.Inbox = newInboxStore(pool, opts.SchemaName, opts.InboxTable)
	s.Leases = newLeaseStore(pool, opts.SchemaName, opts.LeaseTable)
	s.Jobs = newJobStore(pool, opts.SchemaName, opts.JobsTable)
	s.Timers = newTimerStore(pool, opts.SchemaName, opts.TimersTable)
	s.Fanout = newFanoutStore(pool, opts.SchemaName, opts.FanoutPoliciesTable, opts.FanoutCursorsTable)
	return s, nil
}

// StoreOptions names the schema and table overrides a tenant store uses.
// Empty fields fall back to the canonical table names the SchemaManager
// installs.
type StoreOptions struct {
	SchemaName          string
	OutboxTable         string
	InboxTable          string
	LeaseTable          string
	JobsTable           string
	TimersTable         string
	FanoutPoliciesTable string
	FanoutCursorsTable  string
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.SchemaName == "" {
		o.SchemaName = "public"
	}
	return o
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("store: postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
