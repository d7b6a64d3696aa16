// Package coordinationerrors defines the error taxonomy shared by the
// workqueue, lease, scheduler, and dispatcher packages: flat sentinel
// errors wrapped with fmt.Errorf("%w: ...") rather than a typed
// hierarchy. Callers branch on Classify, not on Go types.
package coordinationerrors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrKind is one of the taxonomy's six kinds. It is a classification, not
// a replacement for Go's error values: callers still wrap with %w and
// unwrap with errors.Is/As as usual.
type ErrKind int

const (
	// KindUnknown is returned by Classify for errors that don't map to any
	// of the named kinds (typically unadorned I/O errors).
	KindUnknown ErrKind = iota
	KindInvalidArgument
	KindTransient
	KindPermanentHandlerFailure
	KindTransientHandlerFailure
	KindLeaseLost
	KindOptionsValidation
)

func (k ErrKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindTransient:
		return "Transient"
	case KindPermanentHandlerFailure:
		return "PermanentHandlerFailure"
	case KindTransientHandlerFailure:
		return "TransientHandlerFailure"
	case KindLeaseLost:
		return "LeaseLost"
	case KindOptionsValidation:
		return "OptionsValidation"
	default:
		return "Unknown"
	}
}

// Sentinel errors. Wrap these with fmt.Errorf("%w: ...") for context; every
// wrapped instance still satisfies errors.Is against the sentinel.
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotFound                = errors.New("not found")
	ErrTransient               = errors.New("transient failure")
	ErrPermanentHandlerFailure = errors.New("permanent handler failure")
	ErrTransientHandlerFailure = errors.New("transient handler failure")
	ErrLeaseLost               = errors.New("lease lost")
	ErrOptionsValidation       = errors.New("invalid options")
	ErrNoHandler               = errors.New("no handler registered for topic")
)

// coordError carries an explicit kind alongside a wrapped cause, so
// Classify doesn't have to guess for errors raised inside this module.
type coordError struct {
	kind  ErrKind
	msg   string
	cause error
}

func (e *coordError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *coordError) Unwrap() error { return e.cause }

// New builds an error of the given kind carrying msg and an optional cause.
func New(kind ErrKind, msg string, cause error) error {
	return &coordError{kind: kind, msg: msg, cause: cause}
}

// Classify maps an arbitrary error to its ErrKind. It first checks for a
// coordError produced by New, then falls back to sentinel matching via
// errors.Is, then to SQLSTATE-based classification of pgconn.PgError for
// errors that originate below this package.
func Classify(err error) ErrKind {
	if err == nil {
		return KindUnknown
	}
	var ce *coordError
	if errors.As(err, &ce) {
		return ce.kind
	}
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound):
		return KindInvalidArgument
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermanentHandlerFailure), errors.Is(err, ErrNoHandler):
		return KindPermanentHandlerFailure
	case errors.Is(err, ErrTransientHandlerFailure):
		return KindTransientHandlerFailure
	case errors.Is(err, ErrLeaseLost):
		return KindLeaseLost
	case errors.Is(err, ErrOptionsValidation):
		return KindOptionsValidation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case isPGTransient(pgErr):
			return KindTransient
		case pgErr.Code == "23505": // unique_violation
			return KindInvalidArgument
		}
	}
	return KindUnknown
}

// isPGTransient reports whether a Postgres error class indicates a
// connection/availability problem worth retrying, rather than a
// programming or constraint error.
func isPGTransient(pgErr *pgconn.PgError) bool {
	switch pgErr.Code {
	case "08000", "08003", "08006", "08001", "08004", "08007", "08P01": // connection_exception class
		return true
	case "57P03": // cannot_connect_now
		return true
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}
