package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/relaydb/internal/workqueue"
)

// pgExecutor adapts *pgxpool.Pool to internal/workqueue.Executor, the
// narrow Exec/Query surface the engine needs. Kept private: callers reach
// the engine only through OutboxStore/InboxStore.
type pgExecutor struct {
	pool *pgxpool.Pool
}

func (e pgExecutor) Exec(ctx context.Context, sql string, args ...any) (workqueue.Result, error) {
	tag, err := e.pool.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return commandTagResult{tag.RowsAffected()}, nil
}

func (e pgExecutor) Query(ctx context.Context, sql string, args ...any) (workqueue.Rows, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgRows{rows}, nil
}

type commandTagResult struct {
	rowsAffected int64
}

func (r commandTagResult) RowsAffected() int64 { return r.rowsAffected }

type pgRows struct {
	rows pgx.Rows
}

func (r pgRows) Next() bool             { return r.rows.Next() }
func (r pgRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgRows) Err() error             { return r.rows.Err() }
func (r pgRows) Close()                 { r.rows.Close() }
