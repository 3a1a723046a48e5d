// Package errors provides the coded error type shared by every layer of the
// service. Repositories and services return *Error values; handlers translate
// the code into an HTTP status or gRPC code.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for callers and transports.
type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeDownstream        ErrorCode = "DOWNSTREAM_FAILURE"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// Sentinels for errors.Is checks. Any *Error with the same code matches.
var (
	ErrNotFound          = &Error{Code: ErrCodeNotFound}
	ErrForbidden         = &Error{Code: ErrCodeForbidden}
	ErrConflict          = &Error{Code: ErrCodeConflict}
	ErrInvalidTransition = &Error{Code: ErrCodeInvalidTransition}
	ErrInvalidInput      = &Error{Code: ErrCodeInvalidInput}
	ErrDownstream        = &Error{Code: ErrCodeDownstream}
)

// Error is a coded application error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a rejected field value.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("invalid %s: %s", field, message)}
}

// Forbidden reports an actor acting outside their authority.
func Forbidden(message string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message}
}

// Conflict reports a lost race or a stale precondition.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// InvalidTransition reports an action that is not legal for the current step.
func InvalidTransition(message string) *Error {
	return &Error{Code: ErrCodeInvalidTransition, Message: message}
}

// Downstream wraps a collaborator failure.
func Downstream(err error, message string) *Error {
	return &Error{Code: ErrCodeDownstream, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is errors.As from the standard library.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join is errors.Join from the standard library.
func Join(errs ...error) error { return stderrors.Join(errs...) }
