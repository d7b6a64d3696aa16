package store

import (
	"context"
	"time"

	"github.com/oriys/relaydb/internal/lease"
)

// LeaseBackend adapts *LeaseStore to internal/lease.Backend, translating
// between the store's LeaseRow and the lease package's Row so the lease
// package doesn't need to import this one.
type LeaseBackend struct {
	Store *LeaseStore
}

func (b LeaseBackend) Acquire(ctx context.Context, name string, duration time.Duration, ownerToken, contextJSON string) (*lease.Row, error) {
	row, err := b.Store.Acquire(ctx, name, duration, ownerToken, contextJSON)
	return toLeaseRow(row), err
}

func (b LeaseBackend) Renew(ctx context.Context, name, ownerToken string, duration time.Duration) (*lease.Row, error) {
	row, err := b.Store.Renew(ctx, name, ownerToken, duration)
	return toLeaseRow(row), err
}

func (b LeaseBackend) Release(ctx context.Context, name, ownerToken string) error {
	return b.Store.Release(ctx, name, ownerToken)
}

func toLeaseRow(row *LeaseRow) *lease.Row {
	if row == nil {
		return nil
	}
	return &lease.Row{
		ResourceName: row.ResourceName,
		OwnerToken:   row.OwnerToken,
		FencingToken: row.FencingToken,
		LeaseUntilAt: row.LeaseUntilAt,
		ContextJSON:  row.ContextJSON,
	}
}
