package writeq

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network, rate-limit and 5xx failures that the
	// adapter's inner retry tier gave up on.
	ErrTransient = errors.New("transient backend error")
	// ErrAuth is returned when a backend rejects credentials after a re-login.
	ErrAuth = errors.New("backend authentication failed")
	// ErrValidation marks a malformed mutation payload.
	ErrValidation = errors.New("invalid payload")
	// ErrQueued is matched by callers to tell "accepted, pending retry"
	// apart from "lost".
	ErrQueued = errors.New("write failed and was queued for retry")
	// ErrNotFound is returned by lookups of unknown operations.
	ErrNotFound = errors.New("not found")
	// ErrUnknownBackend is returned when an operation names a backend kind
	// the router was not configured with.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrNotConfigured marks failures caused by missing process
	// configuration rather than by the operation. The queue leaves such
	// operations live and untouched until the process is configured.
	ErrNotConfigured = errors.New("backend not configured")
)

// QueuedError is returned by Router writes that failed synchronously but
// were durably enqueued.
type QueuedError struct {
	OperationID string
	Kind        OpKind
	Err         error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("%s failed, queued as %s: %v", e.Kind, e.OperationID, e.Err)
}

func (e *QueuedError) Unwrap() []error {
	return []error{ErrQueued, e.Err}
}

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable. The queue dead-letters such
// failures on their first attempt instead of burning the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}

func validationErrorf(format string, args ...any) error {
	return Permanent(fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}
