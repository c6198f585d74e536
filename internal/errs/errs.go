// Package errs defines the error taxonomy shared by every HYDRA component.
// Components return *Error values; the scheduler's retry decision and the
// dispatcher's JSON error envelope are both pure functions of them.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry decisions and client reporting.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendHTTP        Kind = "backend_http"
	KindBackendTimeout     Kind = "backend_timeout"
	KindRateLimited        Kind = "rate_limited"
	KindCancelled          Kind = "cancelled"
	KindCache              Kind = "cache_error"
	KindAllBackendsFailed  Kind = "all_backends_failed"
	KindWaitTimeout        Kind = "wait_timeout"
	KindShutdown           Kind = "scheduler_shutdown"
	KindInternal           Kind = "internal_error"
)

// Error is the structured error every user-visible failure is reported as.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"retryable"`
	Status     int                    `json:"status,omitempty"`      // HTTP status for KindBackendHTTP
	RetryAfter time.Duration          `json:"retry_after,omitempty"` // hint from 429 responses
	Context    map[string]interface{} `json:"context,omitempty"`
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches by Kind so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithContext attaches a context key/value pair and returns the error.
func (e *Error) WithContext(key string, val interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = val
	return e
}

// New creates an *Error of the given kind. Retryability follows the taxonomy
// default for the kind; use Wrap or the kind-specific constructors when a
// cause or status is available.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind, 0),
	}
}

// Wrap creates an *Error of the given kind with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind, 0),
		cause:     cause,
	}
}

// Validation creates a non-retryable request validation error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// BackendHTTP creates an error for a non-2xx backend response. Retryability
// depends on the status: 408, 429 and 5xx are retryable, other 4xx are not.
func BackendHTTP(status int, body string) *Error {
	e := &Error{
		Kind:      KindBackendHTTP,
		Message:   fmt.Sprintf("backend returned HTTP %d: %s", status, body),
		Status:    status,
		Retryable: defaultRetryable(KindBackendHTTP, status),
	}
	if status == http.StatusTooManyRequests {
		e.Kind = KindRateLimited
	}
	return e
}

// RateLimited creates a 429 error carrying the server's Retry-After hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "backend rate limit exceeded",
		Status:     http.StatusTooManyRequests,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// Cancelled creates the terminal error for cooperative cancellation.
func Cancelled(reason string) *Error {
	return New(KindCancelled, "%s", reason)
}

// FromContext converts a context error into the matching taxonomy error.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindBackendTimeout, "deadline exceeded")
	}
	return Cancelled("operation cancelled")
}

// defaultRetryable is the taxonomy's retry table.
func defaultRetryable(kind Kind, status int) bool {
	switch kind {
	case KindBackendUnavailable, KindBackendTimeout, KindRateLimited:
		return true
	case KindBackendHTTP:
		switch {
		case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
			return true
		case status >= 500:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// Retryable reports whether the scheduler may re-attempt the operation that
// produced err. Non-taxonomy errors are treated as non-retryable.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the taxonomy kind, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf extracts a Retry-After hint if the error carries one.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// AsError converts any error into an *Error, wrapping foreign errors as
// KindInternal so dispatch replies always carry the structured shape.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "%s", err.Error())
}
