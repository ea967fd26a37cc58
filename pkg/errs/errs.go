// Package errs defines the stable error vocabulary surfaced to API clients.
// Every error that crosses the API or SSE boundary carries one of these kinds.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindUnprocessableDocument Kind = "UnprocessableDocument"
	KindIDGenerationExhausted Kind = "IDGenerationExhausted"
	KindIndexingFailed        Kind = "IndexingFailed"
	KindRetrievalUnavailable  Kind = "RetrievalUnavailable"
	KindLLMUnavailable        Kind = "LLMUnavailable"
	KindLLMTimeout            Kind = "LLMTimeout"
	KindCacheUnavailable      Kind = "CacheUnavailable"
	KindCancelled             Kind = "Cancelled"
	KindInternal              Kind = "Internal"
)

// Error is a typed error with a stable kind, a human-readable message,
// optional structured details and an optional wrapped cause.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]interface{}
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a ValidationError with optional details.
func Validation(message string, details map[string]interface{}) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Retriable marks the error as safe to retry by the client.
func (e *Error) WithRetriable() *Error {
	e.Retriable = true
	return e
}

// KindOf extracts the Kind from any error. Non-typed errors report
// KindInternal; context cancellation reports KindCancelled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return KindInternal
}

// Message extracts the human-readable message without the kind prefix or the
// wrapped cause chain. Non-typed errors fall back to Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetriable reports whether the error (or a wrapped cause) is retriable.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// ErrCancelled is a sentinel for client-initiated cancellation.
var ErrCancelled = errors.New("request cancelled")
