// Package lease implements the in-process LeaseFactory API: acquiring,
// auto-renewing, and releasing named, fencing-tokened mutual-exclusion
// leases backed by internal/store.LeaseStore. All comparisons happen
// against the database server's wall clock, so clock drift between
// worker processes never matters.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/relaydb/internal/clock"
	"github.com/oriys/relaydb/internal/coordinationerrors"
	"github.com/oriys/relaydb/internal/metrics"
)

// Backend is the subset of internal/store.LeaseStore the factory needs,
// named here so this package doesn't import internal/store directly
// (keeps the dependency direction store -> lease consumers, not the
// reverse).
type Backend interface {
	Acquire(ctx context.Context, name string, duration time.Duration, ownerToken, contextJSON string) (*Row, error)
	Renew(ctx context.Context, name, ownerToken string, duration time.Duration) (*Row, error)
	Release(ctx context.Context, name, ownerToken string) error
}

// Row mirrors internal/store.LeaseRow's shape without importing it.
type Row struct {
	ResourceName string
	OwnerToken   string
	FencingToken int64
	LeaseUntilAt time.Time
	ContextJSON  string
}

// Lease is a held lease handle. Lost fires (closes) when a renew fails;
// callers select on Lost() at their suspension points and stop work on
// a lost lease.
type Lease struct {
	ResourceName string
	OwnerToken   string
	FencingToken int64
	LeaseUntilAt time.Time

	mu          sync.Mutex
	lost        chan struct{}
	lostOnce    sync.Once
	cancelRenew context.CancelFunc
}

// Lost returns a channel closed the moment the lease is detected lost.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// ThrowIfLost returns coordinationerrors.ErrLeaseLost if the lease has
// already been marked lost, nil otherwise.
func (l *Lease) ThrowIfLost() error {
	select {
	case <-l.lost:
		return fmt.Errorf("lease %q: %w", l.ResourceName, coordinationerrors.ErrLeaseLost)
	default:
		return nil
	}
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() {
		metrics.RecordLeaseLost(l.ResourceName)
		close(l.lost)
	})
}

// Factory issues and renews leases against a Backend.
type Factory struct {
	backend      Backend
	renewPercent float64
	clk          clock.TimeProvider
}

// New builds a Factory using the production clock. renewPercent is the
// fraction of the lease duration at which auto-renew fires (default 0.6).
func New(backend Backend, renewPercent float64) *Factory {
	return NewWithClock(backend, renewPercent, clock.New())
}

// NewWithClock builds a Factory whose auto-renew ticker is driven by clk
// instead of the production clock, letting tests advance renewal
// deterministically instead of sleeping real time.
func NewWithClock(backend Backend, renewPercent float64, clk clock.TimeProvider) *Factory {
	if renewPercent <= 0 || renewPercent > 1 {
		renewPercent = 0.6
	}
	return &Factory{backend: backend, renewPercent: renewPercent, clk: clk}
}

// Acquire acquires (or reentrantly extends) the named lease and starts its
// background auto-renew loop. Returns nil, nil if another owner currently
// holds a live lease.
func (f *Factory) Acquire(ctx context.Context, name string, duration time.Duration, ownerToken, contextJSON string) (*Lease, error) {
	if name == "" {
		return nil, fmt.Errorf("lease: acquire: %w", coordinationerrors.ErrInvalidArgument)
	}
	row, err := f.backend.Acquire(ctx, name, duration, ownerToken, contextJSON)
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %q: %w", name, err)
	}
	if row == nil {
		return nil, nil
	}
	metrics.RecordLeaseAcquire(name, row.FencingToken)
	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		ResourceName: row.ResourceName,
		OwnerToken:   row.OwnerToken,
		FencingToken: row.FencingToken,
		LeaseUntilAt: row.LeaseUntilAt,
		lost:         make(chan struct{}),
		cancelRenew:  cancel,
	}
	go f.autoRenew(renewCtx, l, duration)
	return l, nil
}

// Renew performs a single renew attempt outside the auto-renew loop
// (callers that manage their own renewal cadence can use this directly).
func (f *Factory) Renew(ctx context.Context, l *Lease, duration time.Duration) (bool, error) {
	row, err := f.backend.Renew(ctx, l.ResourceName, l.OwnerToken, duration)
	if err != nil {
		metrics.RecordLeaseRenew(l.ResourceName, "failed", l.FencingToken)
		return false, fmt.Errorf("lease: renew %q: %w", l.ResourceName, err)
	}
	if row == nil {
		metrics.RecordLeaseRenew(l.ResourceName, "failed", l.FencingToken)
		l.markLost()
		return false, nil
	}
	l.mu.Lock()
	l.FencingToken = row.FencingToken
	l.LeaseUntilAt = row.LeaseUntilAt
	l.mu.Unlock()
	metrics.RecordLeaseRenew(l.ResourceName, "ok", row.FencingToken)
	return true, nil
}

// Release stops auto-renew and best-effort surrenders the lease row
// (the backend expires it in place, preserving the resource's fencing
// sequence for the next holder).
func (f *Factory) Release(ctx context.Context, l *Lease) error {
	if l.cancelRenew != nil {
		l.cancelRenew()
	}
	return f.backend.Release(ctx, l.ResourceName, l.OwnerToken)
}

// autoRenew fires at renewPercent of the lease duration. Two consecutive
// renew errors transition the lease to Lost; a single renew that finds the
// lease no longer held by this owner marks it Lost at once (inside Renew).
func (f *Factory) autoRenew(ctx context.Context, l *Lease, duration time.Duration) {
	interval := time.Duration(float64(duration) * f.renewPercent)
	if interval <= 0 {
		interval = duration / 2
	}
	ticker := f.clk.NewTicker(interval)
	defer ticker.Stop()
	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			ok, err := f.Renew(ctx, l, duration)
			if err != nil || !ok {
				consecutiveFailures++
				if consecutiveFailures >= 2 {
					l.markLost()
					return
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}
