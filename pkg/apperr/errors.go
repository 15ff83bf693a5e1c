// Package apperr provides the standardized error taxonomy for the route
// optimization service: a small set of machine-readable codes, each bound to
// an HTTP status and a WebSocket error code.
package apperr

import (
	"fmt"
	"net/http"
)

// AppError is a standardized application error with an HTTP status code and
// a machine-readable code. internal/optimize, internal/matrix and
// internal/ingest return it for the failures they classify; internal/solver
// reports infeasibility with its own InfeasibleError instead.
type AppError struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Status      int                    `json:"-"`
	InternalErr error                  `json:"-"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.InternalErr != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.InternalErr)
	}
	return e.Message
}

// Unwrap returns the internal error for error wrapping.
func (e *AppError) Unwrap() error {
	return e.InternalErr
}

// WithDetails attaches additional structured detail to the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithInternal records the underlying error without exposing it to the caller.
func (e *AppError) WithInternal(err error) *AppError {
	e.InternalErr = err
	return e
}

// Taxonomy codes, shared between HTTP error bodies and WebSocket `error` frames.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidGPS          = "INVALID_GPS"
	CodeInvalidStopID       = "INVALID_STOP_ID"
	CodeDriverNotFound      = "DRIVER_NOT_FOUND"
	CodeNoFeasibleRoute     = "OPTIMIZATION_FAILED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeInvalidWindowAnchor = "INVALID_WINDOW_ANCHOR"
)

// NewValidationError creates a 422 validation error (bad coordinates, bad
// window, too many stops, past departure time).
func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Status: http.StatusUnprocessableEntity}
}

// NewInvalidWindowAnchorError creates a 422 error for a stop window that,
// read literally against the departure instant's wall-clock time, would
// require the route to cross midnight without ever saying so explicitly.
func NewInvalidWindowAnchorError(message string) *AppError {
	return &AppError{Code: CodeInvalidWindowAnchor, Message: message, Status: http.StatusUnprocessableEntity}
}

// NewInvalidGPSError creates an INVALID_GPS error for a malformed GPS frame.
func NewInvalidGPSError(message string) *AppError {
	return &AppError{Code: CodeInvalidGPS, Message: message, Status: http.StatusUnprocessableEntity}
}

// NewInvalidStopIDError creates an INVALID_STOP_ID error for an unknown
// completion event. The session is preserved; only this event is rejected.
func NewInvalidStopIDError(message string) *AppError {
	return &AppError{Code: CodeInvalidStopID, Message: message, Status: http.StatusUnprocessableEntity}
}

// NewDriverNotFoundError creates a DRIVER_NOT_FOUND error.
func NewDriverNotFoundError(driverID string) *AppError {
	return &AppError{
		Code:    CodeDriverNotFound,
		Message: fmt.Sprintf("no session for driver %q", driverID),
		Status:  http.StatusNotFound,
	}
}

// NewNoFeasibleRouteError creates a 422 OPTIMIZATION_FAILED error, used when
// the solver cannot find any assignment honoring every time window.
func NewNoFeasibleRouteError(message string) *AppError {
	return &AppError{Code: CodeNoFeasibleRoute, Message: message, Status: http.StatusUnprocessableEntity}
}

// NewUpstreamUnavailableError creates a 502 error for a failed or
// structurally invalid traffic-provider response.
func NewUpstreamUnavailableError(message string) *AppError {
	return &AppError{Code: CodeUpstreamUnavailable, Message: message, Status: http.StatusBadGateway}
}

// NewRateLimitedError creates a 429 / RATE_LIMITED error.
func NewRateLimitedError(message string) *AppError {
	if message == "" {
		message = "too many requests"
	}
	return &AppError{Code: CodeRateLimited, Message: message, Status: http.StatusTooManyRequests}
}

// NewInternalError creates a generic 500 error.
func NewInternalError(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError}
}

// IsAppError reports whether err is an *AppError.
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// As extracts an *AppError from err, wrapping unknown errors as an internal
// error so callers never need a type switch at the boundary.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return &AppError{Code: CodeInternal, Message: "internal server error", Status: http.StatusInternalServerError, InternalErr: err}
}
