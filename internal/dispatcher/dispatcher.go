// Package dispatcher implements the pull-claim-invoke-translate pass that
// both the outbox and inbox dispatchers share: claim a batch under a
// fresh owner token, resolve a handler per message by topic, and
// translate each handler outcome into an Ack, Retry, or Terminate
// transition on the backing store.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oriys/relaydb/internal/clock"
	"github.com/oriys/relaydb/internal/coordinationerrors"
	"github.com/oriys/relaydb/internal/logging"
	"github.com/oriys/relaydb/internal/metrics"
	"github.com/oriys/relaydb/internal/workqueue"
	"go.opentelemetry.io/otel/trace"
)

// Message is the claimed row's relevant fields, narrowed to what the
// dispatcher needs to resolve a handler and report outcomes.
type Message struct {
	ID         string
	Topic      string
	Payload    string
	RetryCount int
}

// Queue is the store-side surface a dispatcher pass needs. OutboxStore and
// InboxStore are adapted to this interface by internal/store (see
// OutboxQueue/InboxQueue), so the dispatcher has no dependency on either
// concrete store type.
type Queue interface {
	ClaimDue(ctx context.Context, ownerToken string, leaseSeconds, limit int) ([]string, error)
	Fetch(ctx context.Context, id string) (Message, error)
	Ack(ctx context.Context, ownerToken, id string) error
	Retry(ctx context.Context, ownerToken, id string, delay time.Duration, lastError string) error
	Terminate(ctx context.Context, ownerToken, id string, lastError string) error
}

// Options configures a Dispatcher's claim/backoff/retry behavior.
type Options struct {
	LeaseSeconds int
	MaxAttempts  int
	Backoff      func(attempt int) time.Duration
	// QueueKind labels this dispatcher's metrics/log lines ("outbox" or
	// "inbox"); defaults to "queue" when unset.
	QueueKind string
}

func (o Options) withDefaults() Options {
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = 30
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff == nil {
		o.Backoff = workqueue.DefaultBackoff
	}
	if o.QueueKind == "" {
		o.QueueKind = "queue"
	}
	return o
}

// Dispatcher runs claim-invoke-translate passes over a set of per-store
// Queues, selecting which store to use via a pluggable Strategy.
type Dispatcher struct {
	queues   []Queue
	resolver HandlerResolver
	strategy Strategy
	opts     Options
	clk      clock.TimeProvider
}

// New builds a Dispatcher over queues (one per tenant store), resolving
// handlers via resolver and selecting among queues via strategy, timed by
// the production clock. Use NewWithClock to inject a fake clock in tests
// asserting on handler latency.
func New(queues []Queue, resolver HandlerResolver, strategy Strategy, opts Options) *Dispatcher {
	return NewWithClock(queues, resolver, strategy, opts, clock.New())
}

// NewWithClock builds a Dispatcher bound to clk instead of the production
// clock.
func NewWithClock(queues []Queue, resolver HandlerResolver, strategy Strategy, opts Options, clk clock.TimeProvider) *Dispatcher {
	return &Dispatcher{queues: queues, resolver: resolver, strategy: strategy, opts: opts.withDefaults(), clk: clk}
}

// RunOnce performs exactly one pass: pick the current store, claim up to
// batchSize messages, invoke handlers, translate outcomes, and return the
// number processed.
func (d *Dispatcher) RunOnce(ctx context.Context, batchSize int) (int, error) {
	if len(d.queues) == 0 {
		return 0, nil
	}
	idx := d.strategy.Current()
	if idx < 0 || idx >= len(d.queues) {
		idx = 0
	}
	q := d.queues[idx]
	storeLabel := "store-" + strconv.Itoa(idx)

	owner := workqueue.NewOwnerToken()
	ids, err := q.ClaimDue(ctx, owner, d.opts.LeaseSeconds, batchSize)
	if err != nil {
		d.strategy.Advance(0)
		return 0, fmt.Errorf("dispatcher: claim: %w", err)
	}
	metrics.RecordClaim(d.opts.QueueKind, storeLabel, len(ids))

	processed := 0
	for _, id := range ids {
		if err := d.invokeOne(ctx, q, owner, id, storeLabel); err != nil {
			logging.Op().Warn("dispatcher: invoke failed", "queue", d.opts.QueueKind, "store", storeLabel, "message_id", id, "error", err)
			continue
		}
		processed++
	}
	d.strategy.Advance(processed)
	return processed, nil
}

func (d *Dispatcher) invokeOne(ctx context.Context, q Queue, owner, id, storeLabel string) error {
	msg, err := q.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatcher: fetch %s: %w", id, err)
	}

	handler, ok := d.resolver.TryGet(msg.Topic)
	if !ok {
		logging.Op().Warn("dispatcher: no handler for topic", "queue", d.opts.QueueKind, "topic", msg.Topic, "message_id", id)
		metrics.RecordFail(d.opts.QueueKind, storeLabel)
		return q.Terminate(ctx, owner, id, coordinationerrors.ErrNoHandler.Error())
	}

	start := d.clk.Now()
	outcome, handlerErr := handler(ctx, msg)
	elapsedMs := d.clk.Now().Sub(start).Milliseconds()
	if handlerErr != nil && outcome == OutcomeCompleted {
		// A Handler that returns an error without setting an explicit
		// outcome is treated as a transient failure (an uncaught panic
		// recovered upstream, or a plain Go error return).
		outcome = OutcomeTransientFailure
	}
	opLog := tracedLogger(ctx)

	switch outcome {
	case OutcomeCompleted:
		metrics.RecordHandlerLatency(d.opts.QueueKind, msg.Topic, "completed", elapsedMs)
		metrics.RecordAck(d.opts.QueueKind, storeLabel)
		logging.Op().Debug("dispatcher: acked", "queue", d.opts.QueueKind, "topic", msg.Topic, "message_id", id)
		return q.Ack(ctx, owner, id)
	case OutcomePermanentFailure:
		metrics.RecordHandlerLatency(d.opts.QueueKind, msg.Topic, "permanent_failure", elapsedMs)
		metrics.RecordFail(d.opts.QueueKind, storeLabel)
		opLog.Error("dispatcher: terminated (permanent failure)", "queue", d.opts.QueueKind, "topic", msg.Topic, "message_id", id, "error", handlerErr)
		return q.Terminate(ctx, owner, id, errString(handlerErr))
	case OutcomeTransientFailure:
		attempt := msg.RetryCount + 1
		if attempt > d.opts.MaxAttempts {
			metrics.RecordHandlerLatency(d.opts.QueueKind, msg.Topic, "poison", elapsedMs)
			metrics.RecordFail(d.opts.QueueKind, storeLabel)
			opLog.Error("dispatcher: terminated (poison, max attempts exceeded)", "queue", d.opts.QueueKind, "topic", msg.Topic, "message_id", id, "attempt", attempt, "error", handlerErr)
			return q.Terminate(ctx, owner, id, errString(handlerErr))
		}
		metrics.RecordHandlerLatency(d.opts.QueueKind, msg.Topic, "transient_failure", elapsedMs)
		metrics.RecordAbandon(d.opts.QueueKind, storeLabel)
		logging.Op().Debug("dispatcher: abandoned for retry", "queue", d.opts.QueueKind, "topic", msg.Topic, "message_id", id, "attempt", attempt)
		return q.Retry(ctx, owner, id, d.opts.Backoff(attempt), errString(handlerErr))
	default:
		metrics.RecordFail(d.opts.QueueKind, storeLabel)
		return q.Terminate(ctx, owner, id, "dispatcher: unknown handler outcome")
	}
}

// tracedLogger attaches the active span's trace/span IDs (if any) to error
// log lines, so a poisoned or permanently-failed message's log entry can
// be correlated back to the trace that produced it.
func tracedLogger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logging.Op()
	}
	return logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
