package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaManager is a set of idempotent functions that install the tables
// a subsystem needs into an arbitrary schema name. Re-running any
// Ensure* call is a no-op once the tables exist (CREATE TABLE IF NOT
// EXISTS throughout).
//
// No table is ever hard-coded to a fixed schema: every statement is
// built against the caller-supplied schemaName, so the same deployment
// can install into "public", "dbo", or a per-tenant namespace alike.
type SchemaManager struct {
	pool *pgxpool.Pool
}

// NewSchemaManager builds a SchemaManager bound to pool.
func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

func (m *SchemaManager) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (m *SchemaManager) ensureNamespace(ctx context.Context, schemaName string) error {
	return m.exec(ctx, []string{fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(schemaName))})
}

// quoteIdent double-quotes a Postgres identifier. Schema and table names
// are interpolated into DDL text rather than passed as query parameters
// (Postgres has no parameterized identifiers), so they must be quoted.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

func qualify(schemaName, table string) string {
	return quoteIdent(schemaName) + "." + quoteIdent(table)
}

// EnsureOutboxSchema installs the outbox table (default name
// "outbox_messages") under schemaName.
func (m *SchemaManager) EnsureOutboxSchema(ctx context.Context, schemaName string, tableName string) error {
	if tableName == "" {
		tableName = "outbox_messages"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	t := qualify(schemaName, tableName)
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			correlation_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			due_time_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			owner_token TEXT,
			lease_expires_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			processed_by TEXT
		)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, next_attempt_at)`,
			quoteIdent(tableName+"_claim_idx"), t),
	})
}

// EnsureInboxSchema installs the inbox table (default "inbox_messages").
func (m *SchemaManager) EnsureInboxSchema(ctx context.Context, schemaName string, tableName string) error {
	if tableName == "" {
		tableName = "inbox_messages"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	t := qualify(schemaName, tableName)
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			message_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			hash BYTEA,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			owner_token TEXT,
			lease_expires_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			processed_by TEXT,
			UNIQUE (source, message_id)
		)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, next_attempt_at)`,
			quoteIdent(tableName+"_claim_idx"), t),
	})
}

// EnsureWorkQueueSchema is a no-op beyond namespace creation: the outbox
// and inbox tables already carry the control columns the workqueue engine
// needs, so there is no separate generic work-queue table to install. It
// exists to satisfy the DatabaseSchemaManager contract for callers that
// treat "work queue" as its own declared step in the startup latch.
func (m *SchemaManager) EnsureWorkQueueSchema(ctx context.Context, schemaName string, _ ...string) error {
	return m.ensureNamespace(ctx, schemaName)
}

// EnsureLeaseSchema installs the leases table (default "leases").
func (m *SchemaManager) EnsureLeaseSchema(ctx context.Context, schemaName string, tableName string) error {
	if tableName == "" {
		tableName = "leases"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	t := qualify(schemaName, tableName)
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource_name TEXT PRIMARY KEY,
			owner_token TEXT NOT NULL,
			fencing_token BIGINT NOT NULL,
			lease_until_at TIMESTAMPTZ NOT NULL,
			context_json JSONB
		)`, t),
	})
}

// EnsureDistributedLockSchema shares the leases table: a distributed
// lock is a Lease with no renew policy attached by the caller. Kept as
// its own method so a deployment can declare it as a separate ensure
// step.
func (m *SchemaManager) EnsureDistributedLockSchema(ctx context.Context, schemaName string, tableName string) error {
	return m.EnsureLeaseSchema(ctx, schemaName, tableName)
}

// EnsureSchedulerSchema installs the jobs and timers tables.
func (m *SchemaManager) EnsureSchedulerSchema(ctx context.Context, schemaName string, jobsTable, timersTable string) error {
	if jobsTable == "" {
		jobsTable = "jobs"
	}
	if timersTable == "" {
		timersTable = "timers"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload_template TEXT NOT NULL,
			cron TEXT NOT NULL,
			next_fire_at TIMESTAMPTZ NOT NULL,
			last_fire_at TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`, qualify(schemaName, jobsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (enabled, next_fire_at)`,
			quoteIdent(jobsTable+"_due_idx"), qualify(schemaName, jobsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			due_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL
		)`, qualify(schemaName, timersTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, due_time)`,
			quoteIdent(timersTable+"_due_idx"), qualify(schemaName, timersTable)),
	})
}

// EnsureFanoutSchema installs the fanout_policies and fanout_cursors
// tables.
func (m *SchemaManager) EnsureFanoutSchema(ctx context.Context, schemaName string, policiesTable, cursorsTable string) error {
	if policiesTable == "" {
		policiesTable = "fanout_policies"
	}
	if cursorsTable == "" {
		cursorsTable = "fanout_cursors"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fanout_topic TEXT NOT NULL,
			work_key TEXT NOT NULL DEFAULT '',
			cron TEXT,
			default_every_seconds INTEGER,
			jitter_seconds INTEGER NOT NULL DEFAULT 0,
			lease_duration_seconds INTEGER NOT NULL,
			shard_count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (fanout_topic, work_key)
		)`, qualify(schemaName, policiesTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fanout_topic TEXT NOT NULL,
			work_key TEXT NOT NULL DEFAULT '',
			last_window_start TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (fanout_topic, work_key)
		)`, qualify(schemaName, cursorsTable)),
	})
}

// EnsureMetricsSchema installs a per-tenant metrics_snapshots table with
// the same columns as the control-plane rollup table. No code in this
// module writes to it: cmd/relayd's runCentralReporter flushes only into
// the control plane's cp_metrics_rollup.
func (m *SchemaManager) EnsureMetricsSchema(ctx context.Context, schemaName string, tableName string) error {
	if tableName == "" {
		tableName = "metrics_snapshots"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	t := qualify(schemaName, tableName)
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metric_name TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			sum DOUBLE PRECISION NOT NULL,
			count BIGINT NOT NULL,
			min DOUBLE PRECISION,
			max DOUBLE PRECISION,
			p50 DOUBLE PRECISION,
			p95 DOUBLE PRECISION,
			p99 DOUBLE PRECISION,
			PRIMARY KEY (metric_name, window_start)
		)`, t),
	})
}

// EnsureSemaphoreSchema installs the control-plane cp_semaphores and
// cp_semaphore_holders tables in schemaName (callers pass the control
// plane's schema, whose options default is "dbo"; this method applies no
// schema default of its own).
func (m *SchemaManager) EnsureSemaphoreSchema(ctx context.Context, schemaName string, semaphoresTable, holdersTable string) error {
	if semaphoresTable == "" {
		semaphoresTable = "cp_semaphores"
	}
	if holdersTable == "" {
		holdersTable = "cp_semaphore_holders"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			capacity INTEGER NOT NULL
		)`, qualify(schemaName, semaphoresTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT NOT NULL,
			holder_token TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (name, holder_token)
		)`, qualify(schemaName, holdersTable)),
	})
}

// EnsureCentralMetricsSchema installs the control-plane cp_metrics_rollup
// table that cmd/relayd's runCentralReporter flushes aggregator snapshots
// into (through MetricsRollupStore.Insert).
func (m *SchemaManager) EnsureCentralMetricsSchema(ctx context.Context, schemaName string, tableName string) error {
	if tableName == "" {
		tableName = "cp_metrics_rollup"
	}
	if err := m.ensureNamespace(ctx, schemaName); err != nil {
		return err
	}
	t := qualify(schemaName, tableName)
	return m.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metric_name TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			sum DOUBLE PRECISION NOT NULL,
			count BIGINT NOT NULL,
			min DOUBLE PRECISION,
			max DOUBLE PRECISION,
			p50 DOUBLE PRECISION,
			p95 DOUBLE PRECISION,
			p99 DOUBLE PRECISION,
			PRIMARY KEY (metric_name, window_start)
		)`, t),
	})
}
