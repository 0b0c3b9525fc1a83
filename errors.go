package asyncsync

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is. Every typed error below wraps
// one of these as its cause chain root, so callers can match on kind
// without caring which primitive or operation produced it.
var (
	// ErrInvalidArgument is the kind raised for disallowed constructor or
	// call arguments: a nil key, a max count below 1, and so on.
	ErrInvalidArgument = errors.New("asyncsync: invalid argument")

	// ErrCancelled is the kind raised when a caller-supplied context is
	// cancelled, or its deadline expires, before a waiter is granted.
	ErrCancelled = errors.New("asyncsync: cancelled")

	// ErrDisposed is the kind raised by any operation on a primitive that
	// has been disposed, or that was queued when disposal occurred.
	ErrDisposed = errors.New("asyncsync: disposed")

	// ErrFaulted is the kind raised when user-supplied work passed to
	// TaskStream or TaskFlag panics or returns a non-nil error.
	ErrFaulted = errors.New("asyncsync: faulted")
)

// InvalidArgumentError reports a disallowed argument to a constructor or
// operation (spec kind InvalidArgument).
type InvalidArgumentError struct {
	// Message describes which argument was invalid and why.
	Message string
}

func (e *InvalidArgumentError) Error() string {
	if e.Message == "" {
		return ErrInvalidArgument.Error()
	}
	return "asyncsync: invalid argument: " + e.Message
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

// CancelledError reports that a waiter's context was cancelled, or its
// deadline expired, before it was granted (spec kind Cancelled).
//
// DeadlineExceeded is true when the cause was expiry rather than an
// explicit cancel, matching spec.md §4.1's "deadline-exceeded marker".
type CancelledError struct {
	Cause            error
	DeadlineExceeded bool
}

func (e *CancelledError) Error() string {
	if e.DeadlineExceeded {
		return "asyncsync: deadline exceeded"
	}
	return "asyncsync: cancelled"
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrCancelled, e.Cause}
	}
	return []error{ErrCancelled}
}

// NewCancelledError builds a *CancelledError from a context error (or any
// other cause), setting DeadlineExceeded when cause is, or wraps,
// context.DeadlineExceeded.
func NewCancelledError(cause error) *CancelledError {
	return &CancelledError{Cause: cause, DeadlineExceeded: errors.Is(cause, context.DeadlineExceeded)}
}

// DisposedError reports that a primitive has been, or is concurrently
// being, disposed (spec kind Disposed).
type DisposedError struct {
	// Message optionally names the primitive or key involved.
	Message string
}

func (e *DisposedError) Error() string {
	if e.Message == "" {
		return ErrDisposed.Error()
	}
	return "asyncsync: disposed: " + e.Message
}

func (e *DisposedError) Unwrap() error { return ErrDisposed }

// FaultedError reports that user-supplied work raised a panic or
// returned an error (spec kind Faulted). Recovered panics are wrapped so
// that errors.As still finds the underlying error, if any.
type FaultedError struct {
	// Recovered holds the raw value recover() produced, if the work
	// panicked. Nil when the work instead returned a non-nil error.
	Recovered any
	// Cause is the work's returned error, or the recovered panic
	// re-wrapped as an error when Recovered is non-nil.
	Cause error
}

func (e *FaultedError) Error() string {
	if e.Recovered != nil {
		return fmt.Sprintf("asyncsync: faulted: panic: %v", e.Recovered)
	}
	if e.Cause != nil {
		return fmt.Sprintf("asyncsync: faulted: %v", e.Cause)
	}
	return ErrFaulted.Error()
}

func (e *FaultedError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrFaulted
}

// Is reports whether target is ErrFaulted, so errors.Is matches the
// Faulted kind even when Unwrap leads to the work's own error instead.
func (e *FaultedError) Is(target error) bool { return target == ErrFaulted }

// RecoverToFaultedError converts a recover() result into a *FaultedError,
// returning nil if r is nil (i.e. no panic occurred).
func RecoverToFaultedError(r any) *FaultedError {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return &FaultedError{Recovered: r, Cause: err}
	}
	return &FaultedError{Recovered: r, Cause: fmt.Errorf("%v", r)}
}

// NewFaultedError wraps a non-nil error returned by user work as a
// *FaultedError. Returns nil if err is nil.
func NewFaultedError(err error) *FaultedError {
	if err == nil {
		return nil
	}
	return &FaultedError{Cause: err}
}
