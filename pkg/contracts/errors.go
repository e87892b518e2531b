package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a coordinator failure for the calling engine.
// Retryable types carry retryable:true in the JSON error body so the engine
// can decide whether to re-invoke.
type ErrorType string

const (
	ErrorValidation    ErrorType = "validation"
	ErrorAuth          ErrorType = "auth"
	ErrorNotFound      ErrorType = "not_found"
	ErrorRateLimit     ErrorType = "rate_limit"
	ErrorConfiguration ErrorType = "configuration"
	ErrorTransient     ErrorType = "transient"
	ErrorPermanent     ErrorType = "permanent"
	ErrorUnknown       ErrorType = "unknown"
)

// Error is the coordinator's typed error. Every failure surfaced to a caller
// is classified into exactly one ErrorType with a fixed HTTP status and
// retryability.
type Error struct {
	Type      ErrorType `json:"errorType"`
	Message   string    `json:"error"`
	Retryable bool      `json:"retryable"`
	Status    int       `json:"-"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error for logging; the cause is never
// serialized to clients.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(t ErrorType, status int, retryable bool, format string, args ...any) *Error {
	return &Error{
		Type:      t,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Status:    status,
	}
}

// ValidationErrorf reports a missing or malformed required field. Never retried.
func ValidationErrorf(format string, args ...any) *Error {
	return newError(ErrorValidation, http.StatusBadRequest, false, format, args...)
}

// AuthErrorf reports a bad or missing webhook signature. Never retried.
func AuthErrorf(format string, args ...any) *Error {
	return newError(ErrorAuth, http.StatusUnauthorized, false, format, args...)
}

// NotFoundErrorf reports an unknown id.
func NotFoundErrorf(format string, args ...any) *Error {
	return newError(ErrorNotFound, http.StatusNotFound, false, format, args...)
}

// RateLimitErrorf reports exhausted upstream quota. Retryable by the caller.
func RateLimitErrorf(format string, args ...any) *Error {
	return newError(ErrorRateLimit, http.StatusTooManyRequests, true, format, args...)
}

// ConfigurationErrorf reports missing credentials or settings. Requires
// operator action; not retryable.
func ConfigurationErrorf(format string, args ...any) *Error {
	return newError(ErrorConfiguration, http.StatusServiceUnavailable, false, format, args...)
}

// TransientErrorf reports an upstream 5xx or network-level failure.
// Retryable with backoff.
func TransientErrorf(format string, args ...any) *Error {
	return newError(ErrorTransient, http.StatusServiceUnavailable, true, format, args...)
}

// PermanentErrorf reports an unrecoverable failure requiring investigation.
func PermanentErrorf(format string, args ...any) *Error {
	return newError(ErrorPermanent, http.StatusInternalServerError, false, format, args...)
}

// UnknownErrorf reports an unclassified failure.
func UnknownErrorf(format string, args ...any) *Error {
	return newError(ErrorUnknown, http.StatusInternalServerError, false, format, args...)
}

// AsError extracts a typed *Error from err, or wraps err as unknown.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return UnknownErrorf("internal error").WithCause(err)
}
