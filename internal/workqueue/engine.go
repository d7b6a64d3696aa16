package workqueue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Claim atomically selects up to batchSize rows that are either Ready and
// due (next_attempt_at <= now) or InProgress with an expired lease, marks
// them InProgress under ownerToken, and returns their ids. Rows are
// claimed earliest next_attempt_at first, ties broken by insertion order
// (the table's InsertionOrderColumn). Two concurrent callers against the
// same table claim disjoint sets because the selection and the update
// happen in one UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP
// LOCKED) statement.
func (e *Engine) Claim(ctx context.Context, ownerToken string, leaseSeconds int, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = '%[3]s',
			owner_token = $1,
			lease_expires_at = $2
		WHERE %[2]s IN (
			SELECT %[2]s FROM %[1]s
			WHERE (status = '%[4]s' AND next_attempt_at <= $3)
			   OR (status = '%[3]s' AND lease_expires_at <= $3)
			ORDER BY next_attempt_at ASC, %[5]s ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING %[2]s`, e.cols.Table, e.cols.IDColumn, e.cols.inProgressStatus(), e.cols.readyStatus(), e.cols.insertionOrderColumn())

	rows, err := e.exec.Query(ctx, query, ownerToken, leaseUntil, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("workqueue: claim %s: %w", e.cols.Table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workqueue: scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workqueue: claim %s: %w", e.cols.Table, err)
	}
	return ids, nil
}

// Ack marks each matching row Done. Rows whose owner_token doesn't match,
// or that are already Done, are silently ignored (idempotent no-op).
func (e *Engine) Ack(ctx context.Context, ownerToken string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = 'Done',
			processed_at = $1
		WHERE %[2]s = ANY($2)
		  AND owner_token = $3
		  AND status = '%[3]s'`, e.cols.Table, e.cols.IDColumn, e.cols.inProgressStatus())
	if _, err := e.exec.Exec(ctx, query, now, ids, ownerToken); err != nil {
		return fmt.Errorf("workqueue: ack %s: %w", e.cols.Table, err)
	}
	return nil
}

// Abandon returns each matching row to Ready, clears ownership, increments
// retry_count, and schedules the next attempt after delay. Non-owners are
// ignored.
func (e *Engine) Abandon(ctx context.Context, ownerToken string, ids []string, lastError string, delay time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	next := now.Add(delay)
	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = '%[3]s',
			owner_token = NULL,
			lease_expires_at = NULL,
			retry_count = retry_count + 1,
			last_error = $1,
			next_attempt_at = $2
		WHERE %[2]s = ANY($3)
		  AND owner_token = $4
		  AND status = '%[4]s'`, e.cols.Table, e.cols.IDColumn, e.cols.readyStatus(), e.cols.inProgressStatus())
	if _, err := e.exec.Exec(ctx, query, nullableString(lastError), next, ids, ownerToken); err != nil {
		return fmt.Errorf("workqueue: abandon %s: %w", e.cols.Table, err)
	}
	return nil
}

// Fail transitions each matching row to the table's terminal status,
// recording lastError. Terminal; no further attempts.
func (e *Engine) Fail(ctx context.Context, ownerToken string, ids []string, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	extra := ""
	if len(e.cols.ExtraSetOnFail) > 0 {
		extra = ",\n\t\t\t" + strings.Join(e.cols.ExtraSetOnFail, ",\n\t\t\t")
	}
	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = '%[3]s',
			last_error = $1,
			processed_at = $2%[4]s
		WHERE %[2]s = ANY($3)
		  AND owner_token = $4
		  AND status = '%[5]s'`, e.cols.Table, e.cols.IDColumn, e.cols.TerminalStatus, extra, e.cols.inProgressStatus())
	now := time.Now().UTC()
	if _, err := e.exec.Exec(ctx, query, lastError, now, ids, ownerToken); err != nil {
		return fmt.Errorf("workqueue: fail %s: %w", e.cols.Table, err)
	}
	return nil
}

// ReapExpired transitions every InProgress row whose lease has expired
// back to Ready, clearing ownership and preserving retry_count. Returns
// the number of rows reaped.
func (e *Engine) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = '%[2]s',
			owner_token = NULL,
			lease_expires_at = NULL
		WHERE status = '%[3]s'
		  AND lease_expires_at <= $1`, e.cols.Table, e.cols.readyStatus(), e.cols.inProgressStatus())
	res, err := e.exec.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("workqueue: reap %s: %w", e.cols.Table, err)
	}
	return int(res.RowsAffected()), nil
}

// Cleanup deletes terminal rows (the table's TerminalStatus, plus Done)
// whose processed_at is older than retention. Non-terminal rows are
// always preserved regardless of age.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE status IN ('Done', '%[2]s')
		  AND processed_at <= $1`, e.cols.Table, e.cols.TerminalStatus)
	res, err := e.exec.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("workqueue: cleanup %s: %w", e.cols.Table, err)
	}
	return int(res.RowsAffected()), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
