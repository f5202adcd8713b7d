package capture

import (
	"errors"
	"fmt"
)

// Kind classifies why a capture failed.
type Kind string

// Failure kinds surfaced to callers.
const (
	KindInvalidRequest   Kind = "InvalidRequest"
	KindPoolExhausted    Kind = "PoolExhausted"
	KindNavigationError  Kind = "NavigationError"
	KindWaitTimeout      Kind = "WaitTimeout"
	KindDeadlineExceeded Kind = "DeadlineExceeded"
	KindOverloaded       Kind = "Overloaded"
	KindEngineCrashed    Kind = "EngineCrashed"
	KindCanceled         Kind = "Canceled"
	KindInternal         Kind = "Internal"
)

// Retryable reports whether resubmitting the same request may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindPoolExhausted, KindWaitTimeout, KindDeadlineExceeded, KindOverloaded, KindEngineCrashed:
		return true
	default:
		return false
	}
}

// Error is the failed outcome of a capture.
type Error struct {
	Kind    Kind
	Detail  string
	Request Request
	Err     error
}

// NewError builds an Error wrapping cause.
func NewError(kind Kind, req Request, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Detail:  fmt.Sprintf(format, args...),
		Request: req,
		Err:     cause,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, returning KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a capture Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
