package types

import (
	"errors"
)

// Health represents the health of a subsystem
type Health string

const (
	HealthUnknown Health = "unknown"
	Healthy       Health = "healthy"
	Unhealthy     Health = "unhealthy"
)

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode reports whether err, or any error it wraps, carries code.
func IsErrCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetErrorCode returns the outermost error code carried by err
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
)

// Gateway error codes
const (
	// ErrCodeUnauthorized covers both a failed permission check and a
	// client identity that is unknown or owned by another principal.
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeInvalidConfiguration is the InvalidArgument sub-kind raised for a
	// connect configuration that fails validation.
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	// ErrCodePeerUnreachable is raised when a liveness watcher cannot attach.
	ErrCodePeerUnreachable = "PEER_UNREACHABLE"
	// ErrCodeInternalConsistency marks a registry state that should be
	// impossible, such as a duplicate client identity.
	ErrCodeInternalConsistency = "INTERNAL_CONSISTENCY"
)

// IsInvalidArgument reports whether err was caused by malformed input,
// including an invalid connect configuration.
func IsInvalidArgument(err error) bool {
	return IsErrCode(err, ErrCodeInvalidArgument) || IsErrCode(err, ErrCodeInvalidConfiguration)
}
