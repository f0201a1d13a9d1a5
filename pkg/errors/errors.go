// Package errors defines the typed failures surfaced by the report pipeline.
// Boundary layers map them to status codes with HTTPStatusCode instead of
// matching on error strings.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindGeneration         Kind = "generation_error"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindPersistence        Kind = "persistence_error"
)

// Error is the single error type used across the pipeline.
type Error struct {
	Kind      Kind
	Op        string // component or operation that failed, e.g. "llm.generate"
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same Kind with no Op,
// so errors.Is(err, errors.ErrGeneration) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Timeout reports whether the error was caused by a deadline.
func (e *Error) Timeout() bool {
	return stderrors.Is(e.Err, context.DeadlineExceeded)
}

// HTTPStatusCode returns the status code the HTTP layer should use.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindGeneration:
		if e.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is kind checks.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrGeneration         = &Error{Kind: KindGeneration}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrPersistence        = &Error{Kind: KindPersistence}
)

// NewValidationError reports malformed or missing request fields.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Op: "request.validate", Message: message, Err: err}
}

// NewGenerationError reports a failed generation. Timeouts and transport
// failures are marked retryable; the orchestrator decides whether to retry.
func NewGenerationError(op, message string, err error, retryable bool) *Error {
	return &Error{Kind: KindGeneration, Op: op, Message: message, Err: err, Retryable: retryable}
}

// NewBackendUnavailableError reports that the generation backend could not be acquired.
func NewBackendUnavailableError(op, message string, err error) *Error {
	return &Error{Kind: KindBackendUnavailable, Op: op, Message: message, Err: err}
}

// NewPersistenceError reports a failed write to the persistence sink.
func NewPersistenceError(op, message string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// StatusCode maps any error to an HTTP status code.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
