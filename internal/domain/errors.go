// Package domain provides canonical error types for the interview gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeBadRequest indicates a malformed request, payload or missing correlation header.
	ErrorTypeBadRequest ErrorType = "bad_request"

	// ErrorTypeInvalidState indicates the operation is not legal for the current session status.
	ErrorTypeInvalidState ErrorType = "invalid_state"

	// ErrorTypeConflict indicates a duplicate of a uniquely constrained entity.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeNotFound indicates an unresolvable session, project or question reference.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUpstream indicates the agent was unreachable, answered non-2xx or timed out.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeUnavailable indicates the agent failed its health check.
	// It is a specialization of ErrorTypeUpstream.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeInternal indicates an unexpected persistence or programming failure.
	ErrorTypeInternal ErrorType = "internal"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeMissingRequestID     ErrorCode = "missing_request_id"
	ErrorCodeMalformedPayload     ErrorCode = "malformed_payload"
	ErrorCodeSessionNotWaiting    ErrorCode = "session_not_waiting"
	ErrorCodeSessionTerminal      ErrorCode = "session_terminal"
	ErrorCodeRequirementExists    ErrorCode = "requirement_exists"
	ErrorCodeExternalIDMismatch   ErrorCode = "external_id_mismatch"
	ErrorCodeProjectNotRegistered ErrorCode = "project_not_registered"
	ErrorCodeUpstreamTimeout      ErrorCode = "upstream_timeout"
)

// APIError is the canonical error carried across the core and rendered at the boundary.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Detail carries the upstream body or other diagnostic text
	Detail string `json:"detail,omitempty"`

	// UpstreamStatus is the HTTP status the agent answered with (0 for transport failures)
	UpstreamStatus int `json:"upstream_status,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	if e.UpstreamStatus != 0 {
		msg += fmt.Sprintf(" (upstream status %d)", e.UpstreamStatus)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeBadRequest:
		return http.StatusBadRequest
	case ErrorTypeInvalidState, ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithDetail attaches diagnostic detail.
func (e *APIError) WithDetail(detail string) *APIError {
	e.Detail = detail
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the error that triggered this one.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// Convenience constructors

// ErrBadRequest creates a bad request error.
func ErrBadRequest(message string) *APIError {
	return NewAPIError(ErrorTypeBadRequest, message)
}

// ErrInvalidState creates an invalid state error.
func ErrInvalidState(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidState, message)
}

// ErrConflict creates a conflict error.
func ErrConflict(message string) *APIError {
	return NewAPIError(ErrorTypeConflict, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrUpstream creates an upstream error carrying the agent's status and body.
func ErrUpstream(message string, status int, detail string) *APIError {
	e := NewAPIError(ErrorTypeUpstream, message)
	e.UpstreamStatus = status
	e.Detail = detail
	return e
}

// ErrUnavailable creates a service unavailable error.
func ErrUnavailable(message string) *APIError {
	return NewAPIError(ErrorTypeUnavailable, message)
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(message string, cause error) *APIError {
	e := NewAPIError(ErrorTypeInternal, message).WithCause(cause)
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// AsAPIError converts any error to an *APIError.
// Errors that are not already API errors become internal errors.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal("unexpected error", err)
}

// IsType reports whether err is an *APIError of the given type.
// ErrorTypeUpstream also matches ErrorTypeUnavailable.
func IsType(err error, t ErrorType) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Type == t {
		return true
	}
	return t == ErrorTypeUpstream && apiErr.Type == ErrorTypeUnavailable
}
