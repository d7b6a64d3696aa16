package workqueue

import "context"

// Status is the control-column status value shared by outbox and inbox
// rows. The inbox additionally uses Seen/Processing in place of
// Ready/InProgress; both are expressed with the same underlying engine by
// passing the table's own status strings through Columns.
type Status string

const (
	StatusReady      Status = "Ready"
	StatusInProgress Status = "InProgress"
	StatusDone       Status = "Done"
	StatusFailed     Status = "Failed"
	StatusDead       Status = "Dead"
)

// Columns names the table and control columns the engine operates on. The
// zero value is invalid; callers build one per concrete store (outbox,
// inbox) naming their own table and terminal status.
//
// ReadyStatus/InProgressStatus let a table use its own vocabulary for the
// two non-terminal states (the inbox table stores "Seen"/"Processing"
// rather than "Ready"/"InProgress") while the engine's logic (claim
// selection, abandon-returns-to-ready) stays table-agnostic.
type Columns struct {
	Table string
	// IDColumn is the primary key column name, scanned back by Claim.
	IDColumn string
	// ReadyStatus is the status a claimable, not-yet-owned row carries.
	// Defaults to StatusReady when left zero.
	ReadyStatus Status
	// InProgressStatus is the status an owned, in-flight row carries.
	// Defaults to StatusInProgress when left zero.
	InProgressStatus Status
	// InsertionOrderColumn tie-breaks Claim's due ordering for rows that
	// share the same next_attempt_at. It must track insertion order (a
	// monotone created-at timestamp); a random primary key would not.
	// Defaults to "created_at" when left zero.
	InsertionOrderColumn string
	// TerminalStatus is the status Fail transitions a row into: "Failed"
	// for the outbox, "Dead" for the inbox.
	TerminalStatus Status
	// ExtraSetOnFail are additional "column = value" SQL fragments
	// appended to the Fail statement's SET clause (e.g. the outbox also
	// sets processed_by = 'FAILED'); nil for none.
	ExtraSetOnFail []string
}

func (c Columns) readyStatus() Status {
	if c.ReadyStatus == "" {
		return StatusReady
	}
	return c.ReadyStatus
}

func (c Columns) inProgressStatus() Status {
	if c.InProgressStatus == "" {
		return StatusInProgress
	}
	return c.InProgressStatus
}

func (c Columns) insertionOrderColumn() string {
	if c.InsertionOrderColumn == "" {
		return "created_at"
	}
	return c.InsertionOrderColumn
}

// Executor is the query surface the engine needs; internal/store's
// pgExecutor implements it over a pgxpool.Pool.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Result is the outcome of an Exec call.
type Result interface {
	RowsAffected() int64
}

// Rows is the result set of a Query call.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Engine exposes the five work-queue operations over a fixed table.
type Engine struct {
	exec Executor
	cols Columns
}

// New builds an Engine bound to a table and its control-column layout.
func New(exec Executor, cols Columns) *Engine {
	return &Engine{exec: exec, cols: cols}
}
