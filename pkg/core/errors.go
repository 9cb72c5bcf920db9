package core

import (
	"fmt"
)

// CancellationReason tells a caller why an in-flight operation was canceled.
type CancellationReason string

const (
	// CancellationError indicates the operation was canceled because of a failure.
	CancellationError CancellationReason = "Error"
	// CancellationEndOfStream indicates the audio source ran out of data.
	CancellationEndOfStream CancellationReason = "EndOfStream"
)

// CancellationErrorCode categorizes cancellation failures.
type CancellationErrorCode string

const (
	ErrNone                  CancellationErrorCode = "NoError"
	ErrAuthenticationFailure CancellationErrorCode = "AuthenticationFailure"
	ErrBadRequestParameters  CancellationErrorCode = "BadRequestParameters"
	ErrTooManyRequests       CancellationErrorCode = "TooManyRequests"
	ErrConnectionFailure     CancellationErrorCode = "ConnectionFailure"
	ErrServiceTimeout        CancellationErrorCode = "ServiceTimeout"
	ErrServiceError          CancellationErrorCode = "ServiceError"
	ErrRuntimeError          CancellationErrorCode = "RuntimeError"
	ErrForbidden             CancellationErrorCode = "Forbidden"
)

// Error is the canonical error surfaced by the speechwire engines.
type Error struct {
	Code    CancellationErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewConnectionError creates a connection failure error.
func NewConnectionError(message string) *Error {
	return &Error{Code: ErrConnectionFailure, Message: message}
}

// NewAuthenticationError creates an authentication failure error.
func NewAuthenticationError(message string) *Error {
	return &Error{Code: ErrAuthenticationFailure, Message: message}
}

// NewRuntimeError wraps an unexpected failure.
func NewRuntimeError(err error) *Error {
	return &Error{Code: ErrRuntimeError, Err: err}
}

// ErrorCodeForStatus maps a connection status/close code to a cancellation
// error code. Codes follow the wire contract: 200 ok, 403 terminal forbidden,
// 401/1006 unauthorized, 1007 bad request parameters.
func ErrorCodeForStatus(statusCode int) CancellationErrorCode {
	switch statusCode {
	case 200:
		return ErrNone
	case 401, 1006:
		return ErrAuthenticationFailure
	case 403:
		return ErrForbidden
	case 429:
		return ErrTooManyRequests
	case 1007:
		return ErrBadRequestParameters
	case 408, 504:
		return ErrServiceTimeout
	case 500, 1011:
		return ErrServiceError
	default:
		return ErrConnectionFailure
	}
}

// ConnectionErrorName renders a status code as the short error name used in
// telemetry payloads.
func ConnectionErrorName(statusCode int) string {
	switch statusCode {
	case 400, 1002, 1003, 1005, 1007, 1008, 1009:
		return "BadRequest"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 503, 1001:
		return "ServerUnavailable"
	case 500, 1011:
		return "ServerError"
	case 408, 504:
		return "Timeout"
	default:
		return fmt.Sprintf("statuscode:%d", statusCode)
	}
}
