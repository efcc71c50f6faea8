package failure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindUnavailable     Kind = "collaborator_unavailable"
	KindTimeout         Kind = "collaborator_timeout"
	KindSchemaViolation Kind = "schema_violation"
	KindNoResults       Kind = "no_results"
	KindPersistence     Kind = "persistence_failure"
	KindStaleCheckpoint Kind = "stale_checkpoint_conflict"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrUnavailable     = &Error{Kind: KindUnavailable}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrSchemaViolation = &Error{Kind: KindSchemaViolation}
	ErrNoResults       = &Error{Kind: KindNoResults}
	ErrPersistence     = &Error{Kind: KindPersistence}
	ErrStaleCheckpoint = &Error{Kind: KindStaleCheckpoint}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrForbidden       = &Error{Kind: KindForbidden}
)

// Error is a classified failure raised by a collaborator or the store.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// Transient reports whether err may succeed on retry.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Classify attaches a kind to a raw collaborator error. Already classified
// errors pass through, deadlines and network timeouts become timeouts and
// anything else is reported as unavailable.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if KindOf(err) != "" {
		return err
	}

	var timeout interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &timeout) && timeout.Timeout()) {
		return New(KindTimeout, op, err)
	}

	return New(KindUnavailable, op, err)
}

// Call runs fn under a per-call timeout and classifies its error.
func Call[T any](ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := fn(ctx)
	if err == nil {
		return res, nil
	}

	var zero T
	if KindOf(err) == "" && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return zero, New(KindTimeout, op, err)
	}

	return zero, Classify(op, err)
}
