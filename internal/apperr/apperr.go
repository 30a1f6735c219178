// ABOUTME: Error kinds shared by the conversation core and its transport layer
// ABOUTME: Core operations return kinded errors; only HTTP/WS handlers map them to status codes

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry, re-fetch or report.
type Kind int

const (
	// KindInternal is anything that does not carry a more specific kind.
	KindInternal Kind = iota
	// KindValidation is malformed input. Nothing changed.
	KindValidation
	// KindConflict is a state-machine violation (double assign, transition out of CLOSED).
	// The caller must re-fetch current state; retrying the same call will not help.
	KindConflict
	// KindNotFound is an unknown conversation or connection.
	KindNotFound
	// KindTransientDelivery is a failed send to a single connection.
	KindTransientDelivery
	// KindStorage is an unreachable persistence collaborator.
	KindStorage
	// KindTimeout is a bounded wait (lock acquisition, send) that ran out.
	KindTimeout
	// KindUnavailable is returned while the process is shutting down.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransientDelivery:
		return "transient_delivery"
	case KindStorage:
		return "storage"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is a kinded error. Op names the operation that failed ("assign", "append").
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var s string
	if e.Op != "" {
		s = e.Op + ": "
	}
	s += e.Msg
	if e.Err != nil {
		if e.Msg != "" {
			s += ": "
		}
		s += e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. Wrap of a nil error is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost kinded error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return err != nil && KindOf(err) == KindConflict }
func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsTimeout(err error) bool    { return err != nil && KindOf(err) == KindTimeout }
func IsStorage(err error) bool    { return err != nil && KindOf(err) == KindStorage }
func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == KindUnavailable
}
func IsTransientDelivery(err error) bool {
	return err != nil && KindOf(err) == KindTransientDelivery
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}
