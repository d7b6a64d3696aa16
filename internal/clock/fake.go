package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Fake is a manually-advanced TimeProvider for deterministic tests. Both
// one-shot After waiters and recurring NewTicker waiters are driven by
// Advance, so a ticker-based loop (lease.autoRenew) or an After-based wait
// (Scheduler.RunLoop's sleep, fanout's jitter delay) can be exercised
// without a real wall-clock sleep.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for a one-shot After waiter
	stopped  *atomic.Bool  // nil for a one-shot waiter
	ch       chan time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing any one-shot waiters whose
// deadline has been reached and any ticker waiters that are now due
// (rearming them for their next period, catching up past any periods
// skipped by a large jump).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped != nil && w.stopped.Load() {
			continue
		}
		if w.deadline.After(now) {
			remaining = append(remaining, w)
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
		if w.period > 0 {
			next := w.deadline.Add(w.period)
			for !next.After(now) {
				next = next.Add(w.period)
			}
			w.deadline = next
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx ctxContext, d time.Duration) {
	ch := f.After(d)
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	deadline := f.now.Add(d)
	if d <= 0 {
		f.mu.Unlock()
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{deadline: deadline, ch: ch})
	f.mu.Unlock()
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	ch := make(chan time.Time, 1)
	stopped := &atomic.Bool{}
	f.mu.Lock()
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), period: d, stopped: stopped, ch: ch})
	f.mu.Unlock()
	return &fakeTicker{ch: ch, stopped: stopped}
}

type fakeTicker struct {
	ch      chan time.Time
	stopped *atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }
