package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FanoutPolicy describes how often a fanout topic's slices are produced.
type FanoutPolicy struct {
	FanoutTopic          string
	WorkKey              string
	Cron                 string
	DefaultEverySeconds  *int
	JitterSeconds        int
	LeaseDurationSeconds int
	// ShardCount is the number of FanoutSlice messages enqueued per due
	// window; shards are addressed 0..ShardCount-1 as the produced
	// message's ShardKey. Defaults to 1 (no sharding) when zero.
	ShardCount int
}

// FanoutCursor tracks the last window dispatched for a (FanoutTopic,
// WorkKey) pair.
type FanoutCursor struct {
	FanoutTopic     string
	WorkKey         string
	LastWindowStart time.Time
}

// FanoutStore is the CRUD surface for fanout policies and cursors.
type FanoutStore struct {
	pool          *pgxpool.Pool
	policiesTable string
	cursorsTable  string
}

func newFanoutStore(pool *pgxpool.Pool, schemaName, policiesTable, cursorsTable string) *FanoutStore {
	if policiesTable == "" {
		policiesTable = "fanout_policies"
	}
	if cursorsTable == "" {
		cursorsTable = "fanout_cursors"
	}
	return &FanoutStore{
		pool:          pool,
		policiesTable: qualify(schemaName, policiesTable),
		cursorsTable:  qualify(schemaName, cursorsTable),
	}
}

// SavePolicy upserts a fanout policy keyed by (FanoutTopic, WorkKey).
func (s *FanoutStore) SavePolicy(ctx context.Context, p *FanoutPolicy) error {
	shardCount := p.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (fanout_topic, work_key, cron, default_every_seconds, jitter_seconds, lease_duration_seconds, shard_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fanout_topic, work_key) DO UPDATE SET
			cron = $3, default_every_seconds = $4, jitter_seconds = $5, lease_duration_seconds = $6, shard_count = $7`,
		s.policiesTable)
	_, err := s.pool.Exec(ctx, query, p.FanoutTopic, p.WorkKey, nullableString(p.Cron),
		p.DefaultEverySeconds, p.JitterSeconds, p.LeaseDurationSeconds, shardCount)
	if err != nil {
		return fmt.Errorf("store: save fanout policy %q/%q: %w", p.FanoutTopic, p.WorkKey, err)
	}
	return nil
}

// ListPolicies returns every configured fanout policy.
func (s *FanoutStore) ListPolicies(ctx context.Context) ([]*FanoutPolicy, error) {
	query := fmt.Sprintf(`
		SELECT fanout_topic, work_key, cron, default_every_seconds, jitter_seconds, lease_duration_seconds, shard_count
		FROM %s ORDER BY fanout_topic, work_key`, s.policiesTable)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list fanout policies: %w", err)
	}
	defer rows.Close()
	var policies []*FanoutPolicy
	for rows.Next() {
		var p FanoutPolicy
		var cron *string
		if err := rows.Scan(&p.FanoutTopic, &p.WorkKey, &cron, &p.DefaultEverySeconds, &p.JitterSeconds, &p.LeaseDurationSeconds, &p.ShardCount); err != nil {
			return nil, fmt.Errorf("store: scan fanout policy: %w", err)
		}
		p.Cron = derefString(cron)
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// GetCursor fetches the cursor for (fanoutTopic, workKey), returning nil
// if no window has ever been dispatched.
func (s *FanoutStore) GetCursor(ctx context.Context, fanoutTopic, workKey string) (*FanoutCursor, error) {
	query := fmt.Sprintf(`
		SELECT fanout_topic, work_key, last_window_start
		FROM %s WHERE fanout_topic = $1 AND work_key = $2`, s.cursorsTable)
	row := s.pool.QueryRow(ctx, query, fanoutTopic, workKey)
	var c FanoutCursor
	if err := row.Scan(&c.FanoutTopic, &c.WorkKey, &c.LastWindowStart); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get fanout cursor: %w", err)
	}
	return &c, nil
}

// AdvanceCursor upserts the cursor to windowStart, inside tx alongside the
// fanout dispatcher's slice enqueues.
func (s *FanoutStore) AdvanceCursor(ctx context.Context, tx Tx, fanoutTopic, workKey string, windowStart time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (fanout_topic, work_key, last_window_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (fanout_topic, work_key) DO UPDATE SET last_window_start = $3`, s.cursorsTable)
	if _, err := tx.Exec(ctx, query, fanoutTopic, workKey, windowStart); err != nil {
		return fmt.Errorf("store: advance fanout cursor: %w", err)
	}
	return nil
}

func (s *FanoutStore) BeginTx(ctx context.Context) (Tx, error) {
	return s.pool.Begin(ctx)
}
