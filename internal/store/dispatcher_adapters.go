package store

import (
	"context"
	"time"

	"github.com/oriys/relaydb/internal/dispatcher"
)

// OutboxQueue adapts *OutboxStore to dispatcher.Queue.
type OutboxQueue struct {
	Store *OutboxStore
}

func (q OutboxQueue) ClaimDue(ctx context.Context, ownerToken string, leaseSeconds, limit int) ([]string, error) {
	return q.Store.ClaimDue(ctx, ownerToken, leaseSeconds, limit)
}

func (q OutboxQueue) Fetch(ctx context.Context, id string) (dispatcher.Message, error) {
	m, err := q.Store.Get(ctx, id)
	if err != nil {
		return dispatcher.Message{}, err
	}
	if m == nil {
		return dispatcher.Message{}, nil
	}
	return dispatcher.Message{ID: m.ID, Topic: m.Topic, Payload: m.Payload, RetryCount: m.RetryCount}, nil
}

func (q OutboxQueue) Ack(ctx context.Context, ownerToken, id string) error {
	return q.Store.MarkDispatched(ctx, ownerToken, id)
}

func (q OutboxQueue) Retry(ctx context.Context, ownerToken, id string, delay time.Duration, lastError string) error {
	return q.Store.Reschedule(ctx, ownerToken, id, delay, lastError)
}

func (q OutboxQueue) Terminate(ctx context.Context, ownerToken, id string, lastError string) error {
	return q.Store.Fail(ctx, ownerToken, id, lastError)
}

// InboxQueue adapts *InboxStore to dispatcher.Queue.
type InboxQueue struct {
	Store *InboxStore
}

func (q InboxQueue) ClaimDue(ctx context.Context, ownerToken string, leaseSeconds, limit int) ([]string, error) {
	return q.Store.ClaimDue(ctx, ownerToken, leaseSeconds, limit)
}

func (q InboxQueue) Fetch(ctx context.Context, id string) (dispatcher.Message, error) {
	m, err := q.Store.Get(ctx, id)
	if err != nil {
		return dispatcher.Message{}, err
	}
	if m == nil {
		return dispatcher.Message{}, nil
	}
	return dispatcher.Message{ID: m.ID, Topic: m.Topic, Payload: m.Payload, RetryCount: m.Attempts}, nil
}

func (q InboxQueue) Ack(ctx context.Context, ownerToken, id string) error {
	return q.Store.MarkProcessed(ctx, ownerToken, id)
}

func (q InboxQueue) Retry(ctx context.Context, ownerToken, id string, delay time.Duration, lastError string) error {
	return q.Store.Abandon(ctx, ownerToken, id, lastError, delay)
}

func (q InboxQueue) Terminate(ctx context.Context, ownerToken, id string, lastError string) error {
	return q.Store.MarkDead(ctx, ownerToken, id, lastError)
}
