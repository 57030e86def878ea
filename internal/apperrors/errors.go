// Package apperrors provides structured application errors classified via
// errors.Is sentinels.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Error carries a sentinel for classification plus a human-readable message.
type Error struct {
	Sentinel error
	Message  string
	Cause    error
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the sentinel so errors.Is can classify the error. The
// cause, if any, is folded into the message instead.
func (e *Error) Unwrap() error { return e.Sentinel }

// Validation creates an error for an illegal request or state transition.
func Validation(format string, args ...any) error {
	return &Error{Sentinel: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates an error for a missing entity.
func NotFound(resource string, id any) error {
	return &Error{Sentinel: ErrNotFound, Message: fmt.Sprintf("%s %v not found", resource, id)}
}

// Conflict creates an error for a uniqueness violation.
func Conflict(format string, args ...any) error {
	return &Error{Sentinel: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(op string, cause error) error {
	return &Error{Sentinel: ErrInternal, Message: fmt.Sprintf("%s: %v", op, cause), Cause: cause}
}
