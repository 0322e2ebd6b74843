package durable

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("durable: no store configured")
	ErrStoreClosed = errors.New("durable: store closed")

	// Not found errors.
	ErrWorkflowNotFound = errors.New("durable: workflow not found")
	ErrRunNotFound      = errors.New("durable: run not found")
	ErrHookNotFound     = errors.New("durable: hook not found")
	ErrStreamNotFound   = errors.New("durable: stream not found")
	ErrKeyNotFound      = errors.New("durable: key not found")

	// Conflict errors.
	ErrRunAlreadyExists    = errors.New("durable: run already exists")
	ErrHookAlreadyResolved = errors.New("durable: hook already resolved")
	ErrHookConflict        = errors.New("durable: hook token already in use")
	ErrLeaseConflict       = errors.New("durable: run is leased by another worker")

	// ErrHookExpired is returned to a workflow waiting on a hook whose TTL
	// passed without a delivery.
	ErrHookExpired = errors.New("durable: hook expired")

	// Run state errors.
	ErrInvalidState = errors.New("durable: invalid state transition")
	ErrRunTerminal  = errors.New("durable: run already finished")
	ErrRunFailed    = errors.New("durable: run failed")
	ErrRunCancelled = errors.New("durable: run cancelled")
	ErrRunTimeout   = errors.New("durable: run deadline exceeded")

	// Step errors.
	ErrMaxRetriesExceeded = errors.New("durable: max retries exceeded")
	ErrStepTimeout        = errors.New("durable: step timed out")

	// Stream errors.
	ErrStreamClosed = errors.New("durable: stream closed")

	// Admission errors.
	ErrRateLimited = errors.New("durable: too many resumes for hook")

	// Replay errors.
	ErrNonDeterministic = errors.New("durable: workflow replay diverged from the log")
)

// ValidationError reports malformed input: a hook payload rejected by its
// schema or start arguments rejected by a workflow. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Reason != "":
		return fmt.Sprintf("durable: invalid %s: %s", e.Field, e.Reason)
	case e.Reason != "":
		return "durable: validation failed: " + e.Reason
	case e.Err != nil:
		return "durable: validation failed: " + e.Err.Error()
	default:
		return "durable: validation failed"
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RetryableError marks a step failure as transient. RetryAfter, when set,
// replaces the backoff delay for the next attempt.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

// Retryable wraps err as a RetryableError.
func Retryable(err error) *RetryableError { return &RetryableError{Err: err} }

// RetryAfter wraps err as a RetryableError that waits d before the next attempt.
func RetryAfter(err error, d time.Duration) *RetryableError {
	return &RetryableError{Err: err, RetryAfter: d}
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "durable: retryable failure"
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError stops retries immediately. Steps that exhaust their retries
// also surface to the workflow as a FatalError.
type FatalError struct {
	Step string
	Err  error
}

// Fatal wraps err as a FatalError.
func Fatal(err error) *FatalError { return &FatalError{Err: err} }

// Fatalf formats a FatalError.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

func (e *FatalError) Error() string {
	msg := "fatal error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Step != "" {
		return fmt.Sprintf("step %s: %s", e.Step, msg)
	}
	return msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// EngineError reports a failed engine operation (missing run or hook,
// lease conflict). Op names the operation ("resume", "cancel", ...).
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("durable: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Engine wraps err in an EngineError unless err is nil or already typed.
func Engine(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	var ve *ValidationError
	if errors.As(err, &ee) || errors.As(err, &ve) {
		return err
	}
	return &EngineError{Op: op, Err: err}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fe *FatalError
	var ve *ValidationError
	return errors.As(err, &fe) || errors.As(err, &ve)
}

// IsRetryable reports whether a step failure may be retried. Every error
// that is not fatal is retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}

// HTTPStatus maps an engine error to the status code returned at the
// HTTP boundary.
func HTTPStatus(err error) int {
	var ve *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrHookNotFound),
		errors.Is(err, ErrStreamNotFound), errors.Is(err, ErrWorkflowNotFound),
		errors.Is(err, ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrHookExpired):
		return http.StatusGone
	case errors.Is(err, ErrLeaseConflict), errors.Is(err, ErrHookAlreadyResolved),
		errors.Is(err, ErrHookConflict), errors.Is(err, ErrRunTerminal),
		errors.Is(err, ErrRunAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
