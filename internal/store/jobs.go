package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is a recurring scheduler entry: every due cron tick enqueues one
// outbox message carrying Topic and PayloadTemplate.
type Job struct {
	ID              string
	Topic           string
	PayloadTemplate string
	Cron            string
	NextFireAt      time.Time
	LastFireAt      *time.Time
	Enabled         bool
}

// JobStore is the CRUD surface for Job rows.
type JobStore struct {
	pool  *pgxpool.Pool
	table string
}

func newJobStore(pool *pgxpool.Pool, schemaName, tableName string) *JobStore {
	if tableName == "" {
		tableName = "jobs"
	}
	return &JobStore{pool: pool, table: qualify(schemaName, tableName)}
}

// Save upserts a job by ID (new jobs get a generated ID).
func (s *JobStore) Save(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, topic, payload_template, cron, next_fire_at, last_fire_at, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			topic = $2, payload_template = $3, cron = $4,
			next_fire_at = $5, last_fire_at = $6, enabled = $7`, s.table)
	_, err := s.pool.Exec(ctx, query, job.ID, job.Topic, job.PayloadTemplate, job.Cron,
		job.NextFireAt, job.LastFireAt, job.Enabled)
	if err != nil {
		return fmt.Errorf("store: save job %q: %w", job.ID, err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	query := fmt.Sprintf(`
		SELECT id, topic, payload_template, cron, next_fire_at, last_fire_at, enabled
		FROM %s WHERE id = $1`, s.table)
	return scanJob(s.pool.QueryRow(ctx, query, id))
}

// ListDue returns up to limit enabled jobs whose NextFireAt has passed,
// ordered so the earliest fire is processed first.
func (s *JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := fmt.Sprintf(`
		SELECT id, topic, payload_template, cron, next_fire_at, last_fire_at, enabled
		FROM %s
		WHERE enabled = TRUE AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
		LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Delete removes a job by ID.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return fmt.Errorf("store: delete job %q: %w", id, err)
	}
	return nil
}

// SetEnabled toggles a job's enabled flag.
func (s *JobStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET enabled = $2 WHERE id = $1`, s.table), id, enabled)
	if err != nil {
		return fmt.Errorf("store: set job %q enabled=%v: %w", id, enabled, err)
	}
	return nil
}

// AdvanceFire is called by the scheduler inside the same transaction as
// the job's outbox enqueue: it updates LastFireAt=now and NextFireAt in
// one statement, the "exactly-once fire" guarantee's state-update half.
func (s *JobStore) AdvanceFire(ctx context.Context, tx Tx, id string, now, nextFireAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_fire_at = $2, next_fire_at = $3 WHERE id = $1`, s.table)
	if _, err := tx.Exec(ctx, query, id, now, nextFireAt); err != nil {
		return fmt.Errorf("store: advance job %q fire: %w", id, err)
	}
	return nil
}

func (s *JobStore) BeginTx(ctx context.Context) (Tx, error) {
	return s.pool.Begin(ctx)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	if err := row.Scan(&j.ID, &j.Topic, &j.PayloadTemplate, &j.Cron, &j.NextFireAt, &j.LastFireAt, &j.Enabled); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	return &j, nil
}

func scanJobRow(rows pgx.Rows) (*Job, error) {
	var j Job
	if err := rows.Scan(&j.ID, &j.Topic, &j.PayloadTemplate, &j.Cron, &j.NextFireAt, &j.LastFireAt, &j.Enabled); err != nil {
		return nil, fmt.Errorf("store: scan job row: %w", err)
	}
	return &j, nil
}
