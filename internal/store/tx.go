package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the minimal transaction handle shared by the job, timer, outbox,
// and fanout stores: begin once, issue statements through Exec, then
// commit or roll back. The pgx.Tx returned by pgxpool.Pool.Begin already
// satisfies this, and a test double only has to implement these three
// methods instead of the full pgx.Tx surface.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
