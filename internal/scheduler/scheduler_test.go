package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oriys/relaydb/internal/clock"
	"github.com/oriys/relaydb/internal/lease"
	"github.com/oriys/relaydb/internal/store"
)

// fakeTx is the trivial store.Tx stub the scheduler's fake stores hand out;
// Exec/Commit/Rollback all no-op since the fakes below apply state changes
// immediately rather than buffering them until commit.
type fakeTx struct{}

func (fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeJobStore is an in-memory JobStore good enough to drive RunOnce/fireJob.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*store.Job
}

func newFakeJobStore(jobs ...*store.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*store.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, j := range s.jobs {
		if j.Enabled && !j.NextFireAt.After(now) {
			out = append(out, j)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeJobStore) BeginTx(ctx context.Context) (store.Tx, error) { return fakeTx{}, nil }

func (s *fakeJobStore) AdvanceFire(ctx context.Context, tx store.Tx, id string, now, nextFireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("fakeJobStore: unknown job %q", id)
	}
	last := now
	j.LastFireAt = &last
	j.NextFireAt = nextFireAt
	return nil
}

// fakeTimerStore is an in-memory TimerStore good enough to drive
// RunOnce/fireTimer.
type fakeTimerStore struct {
	mu     sync.Mutex
	timers map[string]*store.Timer
}

func newFakeTimerStore(timers ...*store.Timer) *fakeTimerStore {
	s := &fakeTimerStore{timers: make(map[string]*store.Timer)}
	for _, t := range timers {
		s.timers[t.ID] = t
	}
	return s
}

func (s *fakeTimerStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*store.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Timer
	for _, tm := range s.timers {
		if tm.Status == store.TimerReady && !tm.DueTime.After(now) {
			out = append(out, tm)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeTimerStore) BeginTx(ctx context.Context) (store.Tx, error) { return fakeTx{}, nil }

func (s *fakeTimerStore) MarkFired(ctx context.Context, tx store.Tx, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[id]
	if !ok {
		return fmt.Errorf("fakeTimerStore: unknown timer %q", id)
	}
	tm.Status = store.TimerDone
	return nil
}

// fakeOutbox records every enqueue without persisting rows, enough to
// assert how many times (and with what topic) the scheduler fired.
type fakeOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (o *fakeOutbox) Enqueue(ctx context.Context, tx store.Tx, topic, payload, correlationID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.topics = append(o.topics, topic)
	return fmt.Sprintf("msg-%d", len(o.topics)), nil
}

func (o *fakeOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.topics)
}

// fakeLeaseBackend mirrors internal/lease's own test fake, duplicated here
// (rather than imported) since it's unexported test-only scaffolding.
type fakeLeaseBackend struct {
	mu   sync.Mutex
	rows map[string]*lease.Row
}

func newFakeLeaseBackend() *fakeLeaseBackend {
	return &fakeLeaseBackend{rows: make(map[string]*lease.Row)}
}

func (b *fakeLeaseBackend) Acquire(ctx context.Context, name string, duration time.Duration, ownerToken, contextJSON string) (*lease.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	existing, ok := b.rows[name]
	if ok && existing.LeaseUntilAt.After(now) && existing.OwnerToken != ownerToken {
		return nil, nil
	}
	fencing := int64(1)
	if ok {
		fencing = existing.FencingToken + 1
	}
	row := &lease.Row{ResourceName: name, OwnerToken: ownerToken, FencingToken: fencing, LeaseUntilAt: now.Add(duration), ContextJSON: contextJSON}
	b.rows[name] = row
	cp := *row
	return &cp, nil
}

func (b *fakeLeaseBackend) Renew(ctx context.Context, name, ownerToken string, duration time.Duration) (*lease.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.rows[name]
	if !ok || existing.OwnerToken != ownerToken {
		return nil, nil
	}
	existing.FencingToken++
	existing.LeaseUntilAt = time.Now().Add(duration)
	cp := *existing
	return &cp, nil
}

func (b *fakeLeaseBackend) Release(ctx context.Context, name, ownerToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Expire in place, like the real backend, so fencing stays monotone.
	if existing, ok := b.rows[name]; ok && existing.OwnerToken == ownerToken {
		existing.LeaseUntilAt = time.Now().Add(-time.Second)
	}
	return nil
}

func newTestScheduler(jobs JobStore, timers TimerStore, outbox Outbox, clk clock.TimeProvider) *Scheduler {
	leases := lease.NewWithClock(newFakeLeaseBackend(), 0.6, clk)
	return NewWithClock(jobs, timers, outbox, leases, Options{
		LeaseDuration:      time.Minute,
		BatchSize:          10,
		MaxPollingInterval: 30 * time.Second,
	}, clk)
}

func TestRunOnceFiresEachDueJobExactlyOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	job := &store.Job{ID: "job-1", Topic: "reminders", Cron: "* * * * *", NextFireAt: now.Add(-time.Minute), Enabled: true}
	jobs := newFakeJobStore(job)
	timers := newFakeTimerStore()
	outbox := &fakeOutbox{}
	s := newTestScheduler(jobs, timers, outbox, fc)
	ctx := context.Background()

	fired, _, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	if outbox.count() != 1 {
		t.Fatalf("expected exactly one outbox enqueue, got %d", outbox.count())
	}
	if !job.NextFireAt.After(now) {
		t.Fatalf("expected NextFireAt advanced strictly past now, got %v (now=%v)", job.NextFireAt, now)
	}

	// A second immediate pass must not fire the job again: NextFireAt was
	// advanced past now, so it's no longer due.
	fired, _, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once (2nd pass): %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected job not to double-fire on the next immediate pass, got %d fires", fired)
	}
	if outbox.count() != 1 {
		t.Fatalf("expected outbox enqueue count to stay at 1, got %d", outbox.count())
	}
}

func TestRunOnceCatchesUpPastManyMissedTicks(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	// Last fired an hour ago on a once-a-minute cron: dozens of ticks
	// were missed while the system was down.
	job := &store.Job{ID: "job-2", Topic: "heartbeat", Cron: "* * * * *", NextFireAt: now.Add(-time.Hour), Enabled: true}
	jobs := newFakeJobStore(job)
	timers := newFakeTimerStore()
	outbox := &fakeOutbox{}
	s := newTestScheduler(jobs, timers, outbox, fc)
	ctx := context.Background()

	fired, _, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one catch-up fire regardless of how many ticks were missed, got %d", fired)
	}
	if outbox.count() != 1 {
		t.Fatalf("expected exactly one outbox enqueue, got %d", outbox.count())
	}
	if job.NextFireAt.Before(now) || job.NextFireAt.Equal(now) {
		t.Fatalf("expected NextFireAt to land strictly after now, got %v", job.NextFireAt)
	}
}

func TestRunOnceFiresDueTimerAndMarksDone(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	timer := &store.Timer{ID: "timer-1", Topic: "wakeup", DueTime: now.Add(-time.Second), Status: store.TimerReady}
	jobs := newFakeJobStore()
	timers := newFakeTimerStore(timer)
	outbox := &fakeOutbox{}
	s := newTestScheduler(jobs, timers, outbox, fc)
	ctx := context.Background()

	fired, _, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	if timer.Status != store.TimerDone {
		t.Fatalf("expected timer marked Done, got %v", timer.Status)
	}

	fired, _, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once (2nd pass): %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected a Done timer not to fire again, got %d fires", fired)
	}
}

func TestRunOnceSkipsWhenLeaseHeldByAnotherWorker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	job := &store.Job{ID: "job-3", Topic: "reminders", Cron: "* * * * *", NextFireAt: now.Add(-time.Minute), Enabled: true}
	jobs := newFakeJobStore(job)
	timers := newFakeTimerStore()
	outbox := &fakeOutbox{}

	backend := newFakeLeaseBackend()
	// Another worker already holds the scheduler lease, live for an hour.
	// The fake backend compares expiry against the real wall clock (like
	// the real store comparing against the database server's clock), so
	// the hold is anchored to time.Now, not the scheduler's fake clock.
	backend.rows[leaseResourceName] = &lease.Row{ResourceName: leaseResourceName, OwnerToken: "other-worker", FencingToken: 1, LeaseUntilAt: time.Now().Add(time.Hour)}
	leases := lease.NewWithClock(backend, 0.6, fc)
	s := NewWithClock(jobs, timers, outbox, leases, Options{LeaseDuration: time.Minute, BatchSize: 10, MaxPollingInterval: 30 * time.Second}, fc)

	fired, next, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected no fires while another worker holds the lease, got %d", fired)
	}
	if !next.IsZero() {
		t.Fatalf("expected zero next-wakeup while lease is held elsewhere, got %v", next)
	}
	if outbox.count() != 0 {
		t.Fatalf("expected no outbox enqueues, got %d", outbox.count())
	}
}
