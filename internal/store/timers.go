package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TimerStatus is a Timer row's status.
type TimerStatus string

const (
	TimerReady     TimerStatus = "Ready"
	TimerDone      TimerStatus = "Done"
	TimerCancelled TimerStatus = "Cancelled"
)

// Timer is a one-shot scheduler entry: fire once at DueTime, then Done.
type Timer struct {
	ID      string
	Topic   string
	Payload string
	DueTime time.Time
	Status  TimerStatus
}

// TimerStore is the CRUD surface for Timer rows.
type TimerStore struct {
	pool  *pgxpool.Pool
	table string
}

func newTimerStore(pool *pgxpool.Pool, schemaName, tableName string) *TimerStore {
	if tableName == "" {
		tableName = "timers"
	}
	return &TimerStore{pool: pool, table: qualify(schemaName, tableName)}
}

// Create inserts a new Ready timer.
func (s *TimerStore) Create(ctx context.Context, topic, payload string, dueTime time.Time) (*Timer, error) {
	t := &Timer{ID: uuid.New().String(), Topic: topic, Payload: payload, DueTime: dueTime, Status: TimerReady}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, due_time, status)
		VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, t.ID, t.Topic, t.Payload, t.DueTime, t.Status); err != nil {
		return nil, fmt.Errorf("store: create timer: %w", err)
	}
	return t, nil
}

// ListDue returns up to limit Ready timers whose DueTime has passed.
func (s *TimerStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Timer, error) {
	query := fmt.Sprintf(`
		SELECT id, topic, payload, due_time, status
		FROM %s
		WHERE status = $1 AND due_time <= $2
		ORDER BY due_time ASC
		LIMIT $3`, s.table)
	rows, err := s.pool.Query(ctx, query, TimerReady, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due timers: %w", err)
	}
	defer rows.Close()
	var timers []*Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.ID, &t.Topic, &t.Payload, &t.DueTime, &t.Status); err != nil {
			return nil, fmt.Errorf("store: scan timer row: %w", err)
		}
		timers = append(timers, &t)
	}
	return timers, rows.Err()
}

// MarkFired sets Status=Done inside tx, paired with the scheduler's
// outbox enqueue in the same transaction (exactly-once fire guarantee).
func (s *TimerStore) MarkFired(ctx context.Context, tx Tx, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1 AND status = $3`, s.table)
	if _, err := tx.Exec(ctx, query, id, TimerDone, TimerReady); err != nil {
		return fmt.Errorf("store: mark timer %q fired: %w", id, err)
	}
	return nil
}

// Cancel sets Status=Cancelled if the timer is still Ready.
func (s *TimerStore) Cancel(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1 AND status = $3`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, TimerCancelled, TimerReady); err != nil {
		return fmt.Errorf("store: cancel timer %q: %w", id, err)
	}
	return nil
}

func (s *TimerStore) BeginTx(ctx context.Context) (Tx, error) {
	return s.pool.Begin(ctx)
}
