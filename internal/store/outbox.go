package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/relaydb/internal/workqueue"
)

// OutboxMessage is a single row of the outbox table.
type OutboxMessage struct {
	ID             string
	Topic          string
	Payload        string
	CorrelationID  string
	CreatedAt      time.Time
	DueTimeAt      time.Time
	Status         workqueue.Status
	RetryCount     int
	LastError      string
	NextAttemptAt  time.Time
	OwnerToken     string
	LeaseExpiresAt *time.Time
	ProcessedAt    *time.Time
	ProcessedBy    string
}

// OutboxStore is a thin specialization of workqueue.Engine adding
// Enqueue/ClaimDue/MarkDispatched/Reschedule over the outbox table.
type OutboxStore struct {
	pool   *pgxpool.Pool
	table  string
	engine *workqueue.Engine
}

func newOutboxStore(pool *pgxpool.Pool, schemaName, tableName string) *OutboxStore {
	if tableName == "" {
		tableName = "outbox_messages"
	}
	t := qualify(schemaName, tableName)
	return &OutboxStore{
		pool:  pool,
		table: t,
		engine: workqueue.New(pgExecutor{pool}, workqueue.Columns{
			Table:          t,
			IDColumn:       "id",
			TerminalStatus: workqueue.StatusFailed,
			ExtraSetOnFail: []string{"processed_by = 'FAILED'"},
		}),
	}
}

// Enqueue inserts a Ready row due immediately. If tx is non-nil the insert
// participates in the caller's transaction (the producer-side transactional
// outbox pattern); otherwise it runs against the pool directly.
func (s *OutboxStore) Enqueue(ctx context.Context, tx Tx, topic, payload, correlationID string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, correlation_id, created_at, due_time_at, status, retry_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $5, 'Ready', 0, $5)`, s.table)
	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, id, topic, payload, nullableString(correlationID), now)
	} else {
		_, err = s.pool.Exec(ctx, query, id, topic, payload, nullableString(correlationID), now)
	}
	if err != nil {
		return "", fmt.Errorf("store: enqueue outbox message: %w", err)
	}
	return id, nil
}

// ClaimDue claims up to limit due rows under ownerToken for leaseSeconds.
func (s *OutboxStore) ClaimDue(ctx context.Context, ownerToken string, leaseSeconds, limit int) ([]string, error) {
	return s.engine.Claim(ctx, ownerToken, leaseSeconds, limit)
}

// Get fetches the full row for id, regardless of ownership.
func (s *OutboxStore) Get(ctx context.Context, id string) (*OutboxMessage, error) {
	query := fmt.Sprintf(`
		SELECT id, topic, payload, correlation_id, created_at, due_time_at, status,
		       retry_count, last_error, next_attempt_at, owner_token, lease_expires_at,
		       processed_at, processed_by
		FROM %s WHERE id = $1`, s.table)
	return scanOutboxMessage(s.pool.QueryRow(ctx, query, id))
}

func scanOutboxMessage(row pgx.Row) (*OutboxMessage, error) {
	var m OutboxMessage
	var correlationID, lastError, ownerToken, processedBy *string
	var leaseExpiresAt, processedAt *time.Time
	if err := row.Scan(&m.ID, &m.Topic, &m.Payload, &correlationID, &m.CreatedAt, &m.DueTimeAt,
		&m.Status, &m.RetryCount, &lastError, &m.NextAttemptAt, &ownerToken, &leaseExpiresAt,
		&processedAt, &processedBy); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan outbox message: %w", err)
	}
	m.CorrelationID = derefString(correlationID)
	m.LastError = derefString(lastError)
	m.OwnerToken = derefString(ownerToken)
	m.ProcessedBy = derefString(processedBy)
	m.LeaseExpiresAt = leaseExpiresAt
	m.ProcessedAt = processedAt
	return &m, nil
}

// MarkDispatched acks id under ownerToken (Status=Done, ProcessedAt=now).
func (s *OutboxStore) MarkDispatched(ctx context.Context, ownerToken string, id string) error {
	return s.engine.Ack(ctx, ownerToken, []string{id})
}

// Reschedule abandons id under ownerToken with the given delay and
// error. RetryCount increments on every reschedule; poison detection in
// the dispatcher depends on that.
func (s *OutboxStore) Reschedule(ctx context.Context, ownerToken, id string, delay time.Duration, lastError string) error {
	return s.engine.Abandon(ctx, ownerToken, []string{id}, lastError, delay)
}

// Fail transitions id to Failed under ownerToken, terminal.
func (s *OutboxStore) Fail(ctx context.Context, ownerToken, id string, lastError string) error {
	return s.engine.Fail(ctx, ownerToken, []string{id}, lastError)
}

// ReapExpired reclaims InProgress rows whose lease expired.
func (s *OutboxStore) ReapExpired(ctx context.Context) (int, error) {
	return s.engine.ReapExpired(ctx)
}

// Cleanup deletes terminal rows past retention.
func (s *OutboxStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return s.engine.Cleanup(ctx, retention)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
