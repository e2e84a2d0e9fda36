// Package apperr defines the error taxonomy shared by the engine packages and the
// mapping from those errors to HTTP status codes used by the API front end.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfiguration signals an unknown analyzer, tokenizer or filter, or a bad parameter.
	ErrConfiguration = errors.New("configuration error")
	// ErrMappingConflict signals an attempt to change the type of an existing field.
	ErrMappingConflict = errors.New("mapping conflict")
	// ErrValidation signals a value that does not match its declared field type.
	ErrValidation = errors.New("validation error")
	// ErrNotFound signals a missing document, index or field.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists signals a duplicate index name.
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict signals an optimistic concurrency failure.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTimeout signals that a caller deadline expired during evaluation.
	ErrTimeout = errors.New("timeout")
)

// Error attaches a human readable message to one of the sentinel kinds.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// New wraps kind with a fixed message.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf wraps kind with a formatted message.
func Newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Configurationf is shorthand for Newf(ErrConfiguration, ...).
func Configurationf(format string, args ...any) *Error {
	return Newf(ErrConfiguration, format, args...)
}

// Validationf is shorthand for Newf(ErrValidation, ...).
func Validationf(format string, args ...any) *Error {
	return Newf(ErrValidation, format, args...)
}

// NotFoundf is shorthand for Newf(ErrNotFound, ...).
func NotFoundf(format string, args ...any) *Error {
	return Newf(ErrNotFound, format, args...)
}

// Kind reports the short type name used in API error bodies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrMappingConflict):
		return "mapping_conflict_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "resource_already_exists"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the status code the front end responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrMappingConflict), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
