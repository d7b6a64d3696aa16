// Package scheduler fires recurring Jobs (cron) and one-shot Timers into
// the outbox exactly once per due tick, holding a named lease so only one
// worker in the fleet advances a given tenant's schedule at a time.
//
// Every pass follows the same poll-claim-transact shape: poll for due
// rows, act, commit the state transition atomically with whatever the
// action produced.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/relaydb/internal/clock"
	"github.com/oriys/relaydb/internal/lease"
	"github.com/oriys/relaydb/internal/logging"
	"github.com/oriys/relaydb/internal/metrics"
	"github.com/oriys/relaydb/internal/store"
)

// JobStore is the job-table surface the scheduler needs; *store.JobStore
// satisfies it, and a fake implementation lets tests drive RunOnce/fireJob
// without a database.
type JobStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*store.Job, error)
	BeginTx(ctx context.Context) (store.Tx, error)
	AdvanceFire(ctx context.Context, tx store.Tx, id string, now, nextFireAt time.Time) error
}

// TimerStore is the timer-table surface the scheduler needs;
// *store.TimerStore satisfies it.
type TimerStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*store.Timer, error)
	BeginTx(ctx context.Context) (store.Tx, error)
	MarkFired(ctx context.Context, tx store.Tx, id string) error
}

// Outbox is the outbox-enqueue surface the scheduler needs;
// *store.OutboxStore satisfies it.
type Outbox interface {
	Enqueue(ctx context.Context, tx store.Tx, topic, payload, correlationID string) (string, error)
}

const leaseResourceName = "scheduler"

// Options configures one scheduler pass.
type Options struct {
	// LeaseDuration is how long the "scheduler" lease is held per pass.
	LeaseDuration time.Duration
	// BatchSize caps the number of due jobs/timers fetched per pass.
	BatchSize int
	// MaxPollingInterval caps how long RunLoop sleeps between passes when
	// nothing is imminently due (spec default 30s).
	MaxPollingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxPollingInterval <= 0 {
		o.MaxPollingInterval = 30 * time.Second
	}
	return o
}

// Scheduler drives Job and Timer fires for one tenant store.
type Scheduler struct {
	jobs   JobStore
	timers TimerStore
	outbox Outbox
	leases *lease.Factory
	opts   Options
	clk    clock.TimeProvider
}

// New builds a Scheduler bound to one tenant's Job/Timer/Outbox tables,
// timed by the production clock. Use NewWithClock to inject a fake clock
// in tests.
func New(jobs JobStore, timers TimerStore, outbox Outbox, leases *lease.Factory, opts Options) *Scheduler {
	return NewWithClock(jobs, timers, outbox, leases, opts, clock.New())
}

// NewWithClock builds a Scheduler bound to clk instead of the production
// clock.
func NewWithClock(jobs JobStore, timers TimerStore, outbox Outbox, leases *lease.Factory, opts Options, clk clock.TimeProvider) *Scheduler {
	return &Scheduler{jobs: jobs, timers: timers, outbox: outbox, leases: leases, opts: opts.withDefaults(), clk: clk}
}

// RunOnce performs a single pass: acquires the scheduler lease, fires
// every due job and timer, and returns the count fired plus the earliest
// upcoming fire time observed (for the caller's sleep-until decision).
// next is the zero time when the lease could not be acquired.
func (s *Scheduler) RunOnce(ctx context.Context) (fired int, next time.Time, err error) {
	held, err := s.leases.Acquire(ctx, leaseResourceName, s.opts.LeaseDuration, "", "")
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("scheduler: acquire lease: %w", err)
	}
	if held == nil {
		// Another worker owns this pass; come back later.
		return 0, time.Time{}, nil
	}
	defer s.leases.Release(ctx, held)

	now := s.clk.Now().UTC()

	dueJobs, err := s.jobs.ListDue(ctx, now, s.opts.BatchSize)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("scheduler: list due jobs: %w", err)
	}
	for _, job := range dueJobs {
		if err := held.ThrowIfLost(); err != nil {
			return fired, time.Time{}, err
		}
		if err := s.fireJob(ctx, job, now); err != nil {
			logging.Op().Warn("scheduler: fire job failed", "job_id", job.ID, "error", err)
			continue
		}
		fired++
	}

	dueTimers, err := s.timers.ListDue(ctx, now, s.opts.BatchSize)
	if err != nil {
		return fired, time.Time{}, fmt.Errorf("scheduler: list due timers: %w", err)
	}
	for _, timer := range dueTimers {
		if err := held.ThrowIfLost(); err != nil {
			return fired, time.Time{}, err
		}
		if err := s.fireTimer(ctx, timer); err != nil {
			logging.Op().Warn("scheduler: fire timer failed", "timer_id", timer.ID, "error", err)
			continue
		}
		fired++
	}

	return fired, s.nextWakeup(ctx, now), nil
}

// fireJob enqueues job's outbox message and advances NextFireAt to the
// next tick strictly after the *previous* NextFireAt (not now), avoiding
// drift, inside one transaction with the enqueue: no enqueue without the
// state update and vice versa. A job that missed many ticks while the
// system was down fires exactly once and catches up to the next future
// slot.
func (s *Scheduler) fireJob(ctx context.Context, job *store.Job, now time.Time) error {
	nextFireAt, err := NextTickAfter(job.Cron, job.NextFireAt)
	if err != nil {
		return fmt.Errorf("compute next fire: %w", err)
	}
	for !nextFireAt.After(now) {
		nextFireAt, err = NextTickAfter(job.Cron, nextFireAt)
		if err != nil {
			return fmt.Errorf("compute next fire: %w", err)
		}
	}

	tx, err := s.jobs.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.outbox.Enqueue(ctx, tx, job.Topic, job.PayloadTemplate, ""); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := s.jobs.AdvanceFire(ctx, tx, job.ID, now, nextFireAt); err != nil {
		return fmt.Errorf("advance fire: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.RecordJobFired()
	return nil
}

func (s *Scheduler) fireTimer(ctx context.Context, timer *store.Timer) error {
	tx, err := s.timers.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.outbox.Enqueue(ctx, tx, timer.Topic, timer.Payload, ""); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := s.timers.MarkFired(ctx, tx, timer.ID); err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.RecordTimerFired()
	return nil
}

// nextWakeup estimates the soonest upcoming fire among all enabled jobs
// and ready timers, capped by MaxPollingInterval, by re-querying with a
// one-row limit (ListDue's natural NextFireAt/DueTime ascending order).
// Returns now+MaxPollingInterval when nothing is found, so RunLoop always
// makes forward progress even on an idle schedule.
func (s *Scheduler) nextWakeup(ctx context.Context, now time.Time) time.Time {
	ceiling := now.Add(s.opts.MaxPollingInterval)
	soonest := ceiling

	if jobs, err := s.jobs.ListDue(ctx, ceiling, 1); err == nil && len(jobs) > 0 {
		if jobs[0].NextFireAt.Before(soonest) {
			soonest = jobs[0].NextFireAt
		}
	}
	if timers, err := s.timers.ListDue(ctx, ceiling, 1); err == nil && len(timers) > 0 {
		if timers[0].DueTime.Before(soonest) {
			soonest = timers[0].DueTime
		}
	}
	if soonest.Before(now) {
		soonest = now
	}
	return soonest
}

// RunLoop drives passes back to back, sleeping until the earliest
// upcoming fire (capped by MaxPollingInterval) between passes, until ctx
// is cancelled.
func (s *Scheduler) RunLoop(ctx context.Context) {
	for {
		_, next, err := s.RunOnce(ctx)
		if err != nil {
			logging.Op().Warn("scheduler pass failed", "error", err)
			next = s.clk.Now().UTC().Add(s.opts.MaxPollingInterval)
		}
		if next.IsZero() {
			// Another worker currently holds the scheduler lease.
			next = s.clk.Now().UTC().Add(s.opts.MaxPollingInterval)
		}
		sleep := next.Sub(s.clk.Now())
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		if sleep > s.opts.MaxPollingInterval {
			sleep = s.opts.MaxPollingInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(sleep):
		}
	}
}
