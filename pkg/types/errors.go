package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure. Codes are stable and part of the API.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "validation"
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeDuplicate         ErrorCode = "duplicate"
	CodeConflict          ErrorCode = "conflict"
	CodeLockUnavailable   ErrorCode = "lock_unavailable"
	CodeTransient         ErrorCode = "transient"
	CodePersist           ErrorCode = "persist"
	CodeFatal             ErrorCode = "fatal"
)

// Error is the user-visible failure surface. It carries a stable code, a
// message, and whether the caller may retry.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with the retryability implied by its code
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: code == CodeTransient || code == CodePersist}
}

// WrapError attaches a cause to a coded error
func WrapError(code ErrorCode, msg string, cause error) *Error {
	e := NewError(code, msg)
	e.cause = cause
	return e
}

// Errorf builds a coded error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Code extracts the error code, or empty when err carries none
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return Code(err) == code
}

// IsRetryable reports whether the caller may retry the failed operation.
// Errors outside the taxonomy are treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
