// Package broker defines the single-operation sink outbox dispatch hands
// claimed messages to, for deployments that forward processed messages
// on to an external transport (a webhook, a pub/sub topic, another
// queue) rather than stopping at "Done" in the outbox table. A full
// publish/consume/ack/nack broker contract is deliberately not modeled
// here: the work queue's own Ack/Retry/Terminate bookkeeping already
// covers delivery semantics, so the only operation needed is "hand this
// already-claimed message to the outside world".
package broker

import (
	"context"

	"github.com/oriys/relaydb/internal/store"
)

// MessageBroker is implemented by callers that want claimed outbox
// messages forwarded to an external transport. SendMessage returns true
// on accepted, a Transient-kind error on a retryable failure, and false
// only when the message itself is rejected as ill-formed (never retried).
type MessageBroker interface {
	SendMessage(ctx context.Context, msg *store.OutboxMessage) (bool, error)
}

// Noop accepts every message without forwarding it anywhere, for
// deployments that only need the outbox's own exactly-once bookkeeping
// and have no external sink.
type Noop struct{}

func (Noop) SendMessage(context.Context, *store.OutboxMessage) (bool, error) {
	return true, nil
}
