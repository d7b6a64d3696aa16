package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/relaydb/internal/workqueue"
)

// InboxMessage is a single row of the inbox table, keyed by the composite
// identity (Source, MessageID).
type InboxMessage struct {
	ID             string
	Source         string
	MessageID      string
	Topic          string
	Payload        string
	Hash           []byte
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	Attempts       int
	Status         workqueue.Status
	OwnerToken     string
	LeaseExpiresAt *time.Time
	ProcessedAt    *time.Time
}

// InboxStore dedupes by (Source, MessageID) and folds the inbox state
// machine into the dedupe upsert: AlreadyProcessed needs no separate
// per-owner lease step, since the upsert itself is the only contention
// point on first observation.
type InboxStore struct {
	pool   *pgxpool.Pool
	table  string
	engine *workqueue.Engine
}

func newInboxStore(pool *pgxpool.Pool, schemaName, tableName string) *InboxStore {
	if tableName == "" {
		tableName = "inbox_messages"
	}
	t := qualify(schemaName, tableName)
	return &InboxStore{
		pool:  pool,
		table: t,
		engine: workqueue.New(pgExecutor{pool}, workqueue.Columns{
			Table:                t,
			IDColumn:             "id",
			ReadyStatus:          "Seen",
			InProgressStatus:     "Processing",
			InsertionOrderColumn: "first_seen_at",
			TerminalStatus:       workqueue.StatusDead,
		}),
	}
}

// HashContent is a convenience helper producing the optional 32-byte
// content digest callers may attach to an observation.
func HashContent(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// AlreadyProcessed performs the dedupe upsert: on first observation of
// (source, messageID) it inserts a Seen row and returns false; on
// subsequent observations it increments Attempts, updates LastSeenAt, and
// returns whether the row's status is Done. Concurrent callers with the
// same key never create more than one row: the INSERT ... ON CONFLICT
// DO UPDATE resolves the race inside Postgres.
func (s *InboxStore) AlreadyProcessed(ctx context.Context, source, messageID string, topic, payload string, hash []byte) (bool, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, source, message_id, topic, payload, hash, first_seen_at, last_seen_at, attempts, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1, 'Seen', $7)
		ON CONFLICT (source, message_id) DO UPDATE SET
			attempts = %s.attempts + 1,
			last_seen_at = $7
		RETURNING status`, s.table, s.table)
	var status string
	err := s.pool.QueryRow(ctx, query, uuid.New().String(), source, messageID, topic, payload, hash, now).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("store: already-processed upsert: %w", err)
	}
	return workqueue.Status(status) == workqueue.StatusDone, nil
}

// ClaimDue claims up to limit Seen/expired-Processing rows.
func (s *InboxStore) ClaimDue(ctx context.Context, ownerToken string, leaseSeconds, limit int) ([]string, error) {
	return s.engine.Claim(ctx, ownerToken, leaseSeconds, limit)
}

// Get fetches the full row for id.
func (s *InboxStore) Get(ctx context.Context, id string) (*InboxMessage, error) {
	query := fmt.Sprintf(`
		SELECT id, source, message_id, topic, payload, hash, first_seen_at, last_seen_at,
		       attempts, status, owner_token, lease_expires_at, processed_at
		FROM %s WHERE id = $1`, s.table)
	row := s.pool.QueryRow(ctx, query, id)
	var m InboxMessage
	var ownerToken *string
	var leaseExpiresAt, processedAt *time.Time
	if err := row.Scan(&m.ID, &m.Source, &m.MessageID, &m.Topic, &m.Payload, &m.Hash, &m.FirstSeenAt,
		&m.LastSeenAt, &m.Attempts, &m.Status, &ownerToken, &leaseExpiresAt, &processedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan inbox message: %w", err)
	}
	m.OwnerToken = derefString(ownerToken)
	m.LeaseExpiresAt = leaseExpiresAt
	m.ProcessedAt = processedAt
	return &m, nil
}

// MarkProcessing claims ownership of a Seen row (Seen→Processing) without
// going through the generic Claim batch path; used when a caller already
// knows the id from AlreadyProcessed's insert path.
func (s *InboxStore) MarkProcessing(ctx context.Context, ownerToken, id string, leaseSeconds int) error {
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'Processing', owner_token = $1, lease_expires_at = $2
		WHERE id = $3 AND status = 'Seen'`, s.table)
	_, err := s.pool.Exec(ctx, query, ownerToken, leaseUntil, id)
	if err != nil {
		return fmt.Errorf("store: mark inbox processing: %w", err)
	}
	return nil
}

// MarkProcessed acks id under ownerToken (Processing→Done).
func (s *InboxStore) MarkProcessed(ctx context.Context, ownerToken, id string) error {
	return s.engine.Ack(ctx, ownerToken, []string{id})
}

// MarkDead transitions id to Dead under ownerToken, terminal.
func (s *InboxStore) MarkDead(ctx context.Context, ownerToken, id string, lastError string) error {
	return s.engine.Fail(ctx, ownerToken, []string{id}, lastError)
}

// Abandon returns id to Seen (Processing→Seen) on explicit abandon.
func (s *InboxStore) Abandon(ctx context.Context, ownerToken, id string, lastError string, delay time.Duration) error {
	return s.engine.Abandon(ctx, ownerToken, []string{id}, lastError, delay)
}

// ReapExpired reclaims Processing rows whose lease expired back to Seen.
func (s *InboxStore) ReapExpired(ctx context.Context) (int, error) {
	return s.engine.ReapExpired(ctx)
}

// Cleanup deletes only Done rows whose ProcessedAt is older than
// retention; unprocessed rows are never deleted regardless of age.
func (s *InboxStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'Done' AND processed_at <= $1`, s.table)
	res, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup inbox: %w", err)
	}
	return int(res.RowsAffected()), nil
}
