// Package apperr defines the client-visible error taxonomy of the gateway.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code returned to clients
type Code string

const (
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeNoCapacity          Code = "NO_CAPACITY"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeProviderError       Code = "PROVIDER_ERROR"
	CodeInvalidResponse     Code = "INVALID_RESPONSE"
	CodeParseError          Code = "PARSE_ERROR"
	CodeCostLimit           Code = "COST_LIMIT"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeTokenRevoked        Code = "TOKEN_REVOKED"
	CodeDeviceBlocked       Code = "DEVICE_BLOCKED"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL"
)

// Error carries a taxonomy code, a human-readable message and optional
// structured details for the response envelope.
type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code around a cause
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of e carrying details
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf extracts the taxonomy code from err, INTERNAL when absent
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to its HTTP status
func HTTPStatus(code Code) int {
	switch code {
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeNoCapacity, CodeProviderUnavailable, CodeCostLimit:
		return http.StatusServiceUnavailable
	case CodeProviderError, CodeInvalidResponse, CodeParseError:
		return http.StatusBadGateway
	case CodeTokenExpired, CodeInvalidToken, CodeTokenRevoked, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeDeviceBlocked:
		return http.StatusForbidden
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
