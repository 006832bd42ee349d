package service

import (
	"errors"
	"fmt"

	"github.com/cs2-scanner/internal/directory"
	"github.com/cs2-scanner/internal/saved"
)

// Error codes returned to API clients
const (
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeUnauthorized = "unauthorized"
	CodeConflict     = "conflict"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// Error is a user-facing failure. Message never carries upstream details.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError maps any error to a service Error
func AsError(err error) *Error {
	var svcErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &svcErr):
		return svcErr
	case errors.Is(err, saved.ErrNotFound):
		return newError(CodeNotFound, "saved server not found")
	case errors.Is(err, saved.ErrInvalidInput):
		return &Error{Code: CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, directory.ErrUpstreamUnavailable), errors.Is(err, directory.ErrMalformedPayload):
		return newError(CodeUnavailable, "server directory is unavailable")
	default:
		return newError(CodeInternal, "internal error")
	}
}
