// Package workqueue implements the five atomic state transitions (Claim,
// Ack, Abandon, Fail, ReapExpired) that every status-bearing row set
// in this module (outbox, inbox) is built on.
//
// # Design rationale
//
// The engine does not know about outbox or inbox semantics; it operates on
// any table that carries the control columns {status, owner_token,
// lease_expires_at, retry_count, last_error, next_attempt_at} plus an id
// column, an insertion-order timestamp, and a processed_at/processed_by
// pair. internal/store embeds this engine behind its OutboxStore and
// InboxStore types and supplies the table-specific column names and
// terminal-status labels (outbox uses "Failed", inbox uses "Dead").
//
// # Concurrency model
//
// Claim is the only operation that assigns ownership, expressed as a
// single UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED)
// RETURNING statement so two callers racing against the same table claim
// disjoint row sets without an explicit application-level lock. Every
// other operation is scoped by owner_token match, so a stale claim from a
// previous pass (one that lost its lease) can never silently succeed.
//
// # Invariants
//
//   - At any wall-clock moment, at most one owner observes a given row as
//     InProgress.
//   - Terminal transitions (Ack, Fail) require the caller's owner token to
//     match the row's current owner_token; non-matching ids are silently
//     ignored rather than erroring, so a dispatcher pass racing a reaper
//     never has to special-case "someone else already finished this one".
//   - ReapExpired clears ownership but preserves retry_count: a reap is not
//     a retry, it is a correction for a worker that disappeared.
package workqueue
