package core

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Stable error codes. Callers and the retry manager key on these codes,
// never on message text (the rate-limit hint in IsRetryable is the one
// documented exception).
const (
	CodeInvalidTask          = "INVALID_TASK"
	CodeInvalidState         = "INVALID_STATE"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeUnknownTask          = "UNKNOWN_TASK"
	CodeUnknownTemplate      = "UNKNOWN_TEMPLATE"
	CodeAdapterIncompatible  = "ADAPTER_INCOMPATIBLE"
	CodeAdapterUnavailable   = "ADAPTER_UNAVAILABLE"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	CodeExternalService      = "EXTERNAL_SERVICE_ERROR"
	CodeCircuitOpen          = "CIRCUIT_OPEN"
	CodeTimeout              = "TASK_TIMEOUT"
	CodeRepository           = "REPOSITORY_ERROR"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrAdapterNotFound    = errors.New("adapter not found")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrExecutionTimeout   = errors.New("task execution timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrConnectionFailed   = errors.New("connection failed")

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// Error is the structured error carried across component boundaries.
// Every user-visible failure has a stable Code, a human message, and a
// timestamp. HTTPStatus is set when the failure originated from an HTTP
// response of a backing assistant. Stack is only populated when the
// surrounding process runs in development mode.
type Error struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Stack      string    `json:"stack,omitempty"`
	Err        error     `json:"-"`
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with a stable code
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now()}
}

// WrapError wraps an underlying error under a stable code
func WrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, Timestamp: time.Now()}
}

// WithStatus attaches the originating HTTP status code
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// CodeOf extracts the stable code from an error chain.
// Returns "" when no structured error is present.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrExecutionTimeout):
		return CodeTimeout
	case errors.Is(err, ErrTaskNotFound):
		return CodeUnknownTask
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidState
	case errors.Is(err, ErrAdapterUnavailable), errors.Is(err, ErrAdapterNotFound):
		return CodeAdapterUnavailable
	}
	return ""
}

// HTTPStatusOf extracts the originating HTTP status, or 0.
func HTTPStatusOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.HTTPStatus
	}
	return 0
}

// IsRetryable classifies an error for the retry manager.
//
// Retry on: network-class errors (connection refused/reset, DNS failure,
// I/O timeout), rate-limit hints, HTTP status >= 500 or in {408, 429}, and
// external-service failures that are not explicitly non-retryable.
// Never retry: authentication failures, invalid request/payload, and the
// engine's own execution timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch CodeOf(err) {
	case CodeAuthenticationFailed, CodeUnauthorized, CodeForbidden,
		CodeInvalidRequest, CodeInvalidPayload, CodeInvalidTask,
		CodeInvalidState, CodeTimeout, CodeCircuitOpen:
		return false
	case CodeRateLimited, CodeExternalService, CodeRepository:
		return true
	}

	if status := HTTPStatusOf(err); status >= 500 || status == 408 || status == 429 {
		return true
	}

	// Network-class failures
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, ErrConnectionFailed) {
		return true
	}

	// The documented exception: providers signal throttling in free text
	if strings.Contains(strings.ToLower(err.Error()), "rate limit") {
		return true
	}

	return false
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrAdapterNotFound) ||
		CodeOf(err) == CodeUnknownTask ||
		CodeOf(err) == CodeUnknownTemplate
}

// IsStateError checks if an error is an invalid lifecycle transition
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || CodeOf(err) == CodeInvalidState
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
