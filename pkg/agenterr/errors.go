// Package agenterr provides structured error classification for the delegation core.
package agenterr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure class. Codes are stable strings so they can be
// attached to user-facing results and log lines without translation.
type Code string

const (
	CodeToolNotFound      Code = "TOOL_NOT_FOUND"
	CodeToolTimeout       Code = "TOOL_TIMEOUT"
	CodeToolExecution     Code = "TOOL_EXECUTION_ERROR"
	CodeDepartment        Code = "DEPARTMENT_ERROR"
	CodeRequestTimeout    Code = "REQUEST_TIMEOUT"
	CodeNoHandler         Code = "NO_HANDLER"
	CodeAgentUnregistered Code = "AGENT_UNREGISTERED"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeManagerCleared    Code = "MANAGER_CLEARED"
)

// String returns the string representation of the code.
func (c Code) String() string {
	return string(c)
}

// Error is a classified error with retry metadata.
type Error struct {
	Err       error // Wrapped underlying error, may be nil
	Code      Code
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error. Retryability follows the code's default
// class: timeouts are retryable, validation/registration failures are not.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, Retryable: defaultRetryable(code)}
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeToolTimeout, CodeRequestTimeout, CodeToolExecution, CodeDepartment:
		return true
	default:
		// Circuit-open and rate-limit are never retried inline; callers fall
		// back instead of busy-waiting. Validation/registration errors are
		// permanent.
		return false
	}
}

// CodeOf extracts the classification code from an error chain, or "" if the
// error carries none.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsRetryable classifies an arbitrary error for the retry helper. Classified
// errors answer for themselves; unclassified ones are matched on message
// substrings the way upstream SDK errors surface them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}

	errStr := strings.ToLower(err.Error())

	// Retry on network/timeout errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") {
		return true
	}

	// Retry on server errors (5xx)
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	// Don't retry on validation/auth failures
	if strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") {
		return false
	}

	return false
}
