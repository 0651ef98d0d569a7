package core

import (
	"errors"
	"fmt"
)

// Error represents a relay error.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"` // seconds; rate limit errors only
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest         ErrorType = "invalid_request_error"
	ErrPermission             ErrorType = "permission_error"
	ErrAPI                    ErrorType = "api_error"
	ErrRateLimit              ErrorType = "rate_limit_error"
	ErrNotFound               ErrorType = "not_found_error"
	ErrCredentialFetchFailed  ErrorType = "credential_fetch_failed"
	ErrUpstreamConnectFailed  ErrorType = "upstream_connect_failed"
	ErrUpstreamSocket         ErrorType = "upstream_socket_error"
	ErrMalformedToolArguments ErrorType = "malformed_tool_arguments"
	ErrToolCallTimeout        ErrorType = "tool_call_timeout"
	ErrNotReady               ErrorType = "client_not_ready"
	ErrOverloaded             ErrorType = "overloaded_error"
)

// ErrClientNotReady is returned when client traffic arrives before the upstream
// session is connected.
var ErrClientNotReady = &Error{Type: ErrNotReady, Message: "upstream session is not connected"}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewCredentialError wraps a failure to obtain an upstream credential.
func NewCredentialError(message string, cause error) *Error {
	return &Error{
		Type:    ErrCredentialFetchFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewConnectError wraps a failure to dial or configure the upstream socket.
func NewConnectError(message string, cause error) *Error {
	return &Error{
		Type:    ErrUpstreamConnectFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewSocketError wraps a read or write failure on an established upstream socket.
func NewSocketError(message string, cause error) *Error {
	return &Error{
		Type:    ErrUpstreamSocket,
		Message: message,
		Cause:   cause,
	}
}

// NewMalformedToolArgumentsError reports tool arguments that are not a JSON object.
func NewMalformedToolArgumentsError(callID string, cause error) *Error {
	return &Error{
		Type:    ErrMalformedToolArguments,
		Message: "tool call arguments are not a valid JSON object",
		Param:   callID,
		Cause:   cause,
	}
}

// NewToolCallTimeoutError reports a tool call that received no result in time.
func NewToolCallTimeoutError(callID string) *Error {
	return &Error{
		Type:    ErrToolCallTimeout,
		Message: "tool call timed out waiting for a result",
		Param:   callID,
	}
}

// NewRateLimitError creates a rate limit error. retryAfter <= 0 omits the hint.
func NewRateLimitError(message string, retryAfter int) *Error {
	e := &Error{Type: ErrRateLimit, Message: message}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{
		Type:    ErrOverloaded,
		Message: message,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrCredentialFetchFailed, ErrUpstreamConnectFailed, ErrUpstreamSocket, ErrOverloaded:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on error type so callers can write errors.Is(err, core.ErrClientNotReady).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// TypeOf returns the ErrorType of err, or "" when err is not a relay error.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
