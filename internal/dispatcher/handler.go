package dispatcher

import (
	"context"
	"strings"
)

// HandlerOutcome is what a Handler signals back to the dispatcher, which
// translates it into a store transition (Ack, Retry, or Terminate).
type HandlerOutcome int

const (
	// OutcomeCompleted means the handler finished normally; the message
	// is acked.
	OutcomeCompleted HandlerOutcome = iota
	// OutcomePermanentFailure means the handler declared the message
	// unrecoverable; the message is terminated (outbox Failed, inbox
	// Dead), no further attempts.
	OutcomePermanentFailure
	// OutcomeTransientFailure means the handler wants a retry; the
	// message is abandoned with backoff, unless RetryCount+1 exceeds
	// maxAttempts, in which case it is converted to a permanent failure
	// (poison message).
	OutcomeTransientFailure
)

// Handler processes one claimed message's payload and returns an outcome.
// A non-nil error returned together with OutcomeCompleted is treated as
// OutcomeTransientFailure (see Dispatcher.invokeOne); with any other
// outcome the error only supplies the recorded last-error text.
type Handler func(ctx context.Context, msg Message) (HandlerOutcome, error)

// HandlerResolver looks up a Handler by topic, case-insensitively.
type HandlerResolver interface {
	TryGet(topic string) (Handler, bool)
}

// MapResolver is the plain string-keyed lookup most embedders need; no
// dynamic dispatch beyond a map.
type MapResolver map[string]Handler

func (m MapResolver) TryGet(topic string) (Handler, bool) {
	h, ok := m[normalizeTopic(topic)]
	return h, ok
}

// Register adds (or replaces) the handler for topic, matched
// case-insensitively at lookup time.
func (m MapResolver) Register(topic string, h Handler) {
	m[normalizeTopic(topic)] = h
}

func normalizeTopic(topic string) string {
	return strings.ToLower(topic)
}
