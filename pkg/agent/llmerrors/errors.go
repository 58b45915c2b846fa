// Package llmerrors classifies provider errors so the resilience
// middleware can decide what to retry. Provider adapters wrap raw HTTP
// and SDK failures into *Error with a Type; the retry layer decides from
// that Type whether to retry and emits ServiceUnavailable once its
// attempts are spent.
package llmerrors

import (
	"errors"
	"fmt"
)

// ErrorType categorizes LLM errors for retry decisions.
type ErrorType int8

const (
	// ErrorTypeRateLimit: 429 or quota exceeded. Retryable.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient: 5xx, EOF, connection reset, timeout. Retryable.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse: HTTP 200 with no content. Retryable.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth: 401/403, bad API key. Not retryable.
	ErrorTypeAuth
	// ErrorTypeBadPrompt: malformed request, too long, policy refusal.
	// Not retryable.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown: unclassified. Retryable, on the benefit of the
	// doubt.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable: emitted by the retry layer after the
	// budget is exhausted. Never retried again.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error is a classified LLM failure.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Error struct {
	Err        error     // wrapped cause
	Message    string    // human-readable message
	BodyStub   string    // first portion of the response body, if captured
	Type       ErrorType // classification
	StatusCode int       // HTTP status, when applicable
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the retry layer should attempt this error
// again. Blocklist semantics: retryable unless explicitly terminal.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// Is reports whether err is a classified *Error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Type == errorType
}

// NewError builds a classified error from a message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus builds a classified error carrying an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause builds a classified error wrapping a cause.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError marks a transient failure as terminal after
// the retry budget ran out.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d retry attempts", attempts),
	}
}
