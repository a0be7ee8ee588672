// Package apperr defines the error taxonomy surfaced by the inspection engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeValidation          Code = "VALIDATION"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodePersistenceFailure  Code = "PERSISTENCE_FAILURE"
	CodePartialBatchFailure Code = "PARTIAL_BATCH_FAILURE"
)

// HTTPStatus maps a code to the status used by the HTTP transport.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePartialBatchFailure:
		return http.StatusMultiStatus
	case CodePersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed engine error. Err holds the underlying cause, if any.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation returns a CodeValidation error.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound returns a CodeNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// Conflict returns a CodeConflict error.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// Persistence wraps an infrastructure error as CodePersistenceFailure.
func Persistence(err error, format string, args ...any) *Error {
	return Wrap(err, CodePersistenceFailure, format, args...)
}

// CodeOf extracts the code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns the user-facing message of err. Unknown errors yield the
// generic text so internals do not leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == CodePersistenceFailure && e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return "an unexpected error occurred"
}
