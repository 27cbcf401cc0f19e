package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Fault error codes, produced by ClassifyFault.
const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrNetwork            ErrorCode = "NETWORK_ERROR"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrAuthentication     ErrorCode = "AUTHENTICATION_ERROR"
	ErrValidation         ErrorCode = "VALIDATION_ERROR"
	ErrUnknown            ErrorCode = "UNKNOWN"
)

// Orchestration error codes
const (
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrNoFallback        ErrorCode = "DEGRADATION_NO_FALLBACK"
	ErrInvalidState      ErrorCode = "INVALID_STATE"
	ErrWorkflowNotFound  ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrStepFunctionUnset ErrorCode = "STEP_FUNCTION_UNSET"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Service    string    `json:"service,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithService sets the target service name.
func (e *Error) WithService(service string) *Error {
	e.Service = service
	return e
}

// AsError unwraps err until a *Error is found.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HTTPStatusFor maps an error code to the HTTP status the REST layer reports.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest, ErrValidation:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrWorkflowNotFound:
		return http.StatusNotFound
	case ErrInvalidState:
		return http.StatusConflict
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrCircuitOpen, ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
