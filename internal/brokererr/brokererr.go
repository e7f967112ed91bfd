// Package brokererr defines the broker's stable error-code vocabulary.
//
// Every error that crosses a component boundary (orchestrator response,
// HTTP body, event payload) carries a [Code] and a human [Error.Message]
// rather than a bare Go error string, so callers can branch on Code
// without parsing text. An Error may wrap an underlying cause, which
// errors.Is/errors.As still reach through Unwrap — the struct form
// exists for serialization, not to replace Go's error idioms.
package brokererr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

// Spawn errors.
const (
	CodeBinaryNotFound   Code = "binary_not_found"
	CodeBadCWD           Code = "bad_cwd"
	CodeLockHeld         Code = "lock_held"
	CodeStalePID         Code = "stale_pid"
	CodePermissionDenied Code = "permission_denied"
)

// Delivery errors ("delivery" family).
const (
	CodeWorkerNotReady     Code = "worker_not_ready"
	CodeVerificationTimeout Code = "verification_timeout"
	CodeMaxRetriesExceeded Code = "max_retries_exceeded"
	CodeDuplicateEvent     Code = "duplicate_event"
	CodeWorkerExited       Code = "worker_exited"
	CodeQueueFull          Code = "queue_full"
)

// Relay errors ("relay" family).
const (
	CodeRateLimited      Code = "rate_limited"
	CodeNameConflict     Code = "name_conflict"
	CodeTokenRotateFailed Code = "token_rotate_failed"
	CodeConnectionLost   Code = "connection_lost"
	CodeFatalProtocol    Code = "fatal_protocol"
)

// Protocol errors ("protocol" family).
const (
	CodeUnsupportedOperation Code = "unsupported_operation"
	CodeMalformedRequest     Code = "malformed_request"
	CodeTimeout              Code = "timeout"
)

// Error is the broker's serializable error shape.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	// RetryAfterMS is populated on rate_limited errors with a suggested delay.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`

	// wrapped is the underlying cause, kept for errors.Unwrap but never
	// serialized — callers get Code/Message, not Go's internal error chain.
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As continue to work
// for callers that received this error internally (not over the wire).
func (e *Error) Unwrap() error {
	return e.wrapped
}

// New builds a non-retryable Error.
func New(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, wrapped: cause}
}

// NewRetryable builds an Error with Retryable set.
func NewRetryable(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Retryable: true, wrapped: cause}
}

// NewRateLimited builds a retryable rate_limited Error with a suggested delay.
func NewRateLimited(msg string, retryAfterMS int64, cause error) *Error {
	return &Error{
		Code:         CodeRateLimited,
		Message:      msg,
		Retryable:    true,
		RetryAfterMS: retryAfterMS,
		wrapped:      cause,
	}
}

// As reports whether err is (or wraps) a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
