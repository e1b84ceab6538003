package robot

import (
	"errors"
	"fmt"
)

// === Failure Classification ===

// RetryableError wraps transient errors the orchestrator should retry with
// backoff. Errors that carry no classification are retried as well; only
// PermanentError and panics send the job straight to the dead letter queue.
//
// Use for: network timeouts, target application not responding, temporary
// locks, rate limits.
// Don't use for: invalid selectors, malformed workflows, business failures.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps an error to signal it should be retried.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// PermanentError wraps errors classified by the engine as non-retryable
// (e.g. "selector invalid", "workflow malformed"). Ambiguous failures are
// treated as retryable, so Permanent is an explicit opt-out.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to signal no retries should be attempted.
func Permanent(err error) error {
	return PermanentError{Err: err}
}

// IsPermanent returns true if the error is classified non-retryable.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}

// === Panic Handling ===

// PanicError indicates a panic occurred while executing a workflow. Panics
// indicate programming errors, not transient issues, and are reported as
// permanent failures.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error indicates a panic occurred.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
