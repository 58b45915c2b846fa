// Package aurerr defines the error taxonomy shared by every component of
// the Story orchestration engine: a small set of sentinel kinds, each
// wrapped with enough structured context to render the HTTP problem-type
// body without the transport layer re-deriving it.
package aurerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's fixed rows.
type Kind string

const (
	KindInvalidState         Kind = "invalid-state"
	KindMissingField         Kind = "missing-field"
	KindNotFound             Kind = "story-not-found"
	KindNoAgentForCapability Kind = "no-agent-for-capability"
	KindLLMError             Kind = "llm-error"
	KindToolError            Kind = "tool-error"
	KindGateFailed           Kind = "gate-failed"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal-error"
	KindGitError             Kind = "git-error"
)

// HTTPStatus returns the conventional status class for a Kind: 404 for
// not-found, 400 for client-caused invalid input/state, 499 for
// cancellation, 500 for everything else.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return 404
	case KindInvalidState, KindMissingField, KindNoAgentForCapability, KindGateFailed:
		return 400
	case KindCancelled:
		return 499
	case KindLLMError, KindToolError, KindGitError, KindInternal:
		return 500
	default:
		return 500
	}
}

// Error is the structured error type carried across every component
// boundary in this module. It wraps an optional underlying cause and
// exposes the {type, title, status, detail} shape the HTTP transport
// renders directly.
type Error struct {
	Err    error
	Title  string
	Detail string
	Kind   Kind
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given Kind with a human-readable detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Title: defaultTitle(kind), Detail: detail}
}

// Wrap creates an Error of the given Kind wrapping cause, with detail
// defaulting to cause's message when empty.
func Wrap(kind Kind, cause error, detail string) *Error {
	if detail == "" && cause != nil {
		detail = cause.Error()
	}
	return &Error{Kind: kind, Title: defaultTitle(kind), Detail: detail, Err: cause}
}

func defaultTitle(kind Kind) string {
	switch kind {
	case KindInvalidState:
		return "operation not legal for current status"
	case KindMissingField:
		return "missing or malformed field"
	case KindNotFound:
		return "resource not found"
	case KindNoAgentForCapability:
		return "no agent registered for capability"
	case KindLLMError:
		return "language model provider error"
	case KindToolError:
		return "tool invocation error"
	case KindGateFailed:
		return "inter-wave gate failed"
	case KindCancelled:
		return "operation cancelled"
	case KindGitError:
		return "git operation failed"
	default:
		return "internal error"
	}
}

// KindOf extracts the Kind from err, or KindInternal if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ProblemDetails is the wire shape of an error response body.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// ToProblemDetails renders err as the {type, title, status, detail} body
// every error response carries.
func ToProblemDetails(err error) ProblemDetails {
	var e *Error
	if errors.As(err, &e) {
		return ProblemDetails{
			Type:   string(e.Kind),
			Title:  e.Title,
			Detail: e.Detail,
			Status: e.Kind.HTTPStatus(),
		}
	}
	return ProblemDetails{
		Type:   string(KindInternal),
		Title:  defaultTitle(KindInternal),
		Detail: err.Error(),
		Status: KindInternal.HTTPStatus(),
	}
}

// Sentinel errors for errors.Is-style matching independent of Kind
// construction, mirroring llmerrors' classification helpers.
var (
	ErrInvalidState         = errors.New("invalid state")
	ErrMissingField         = errors.New("missing field")
	ErrNotFound             = errors.New("not found")
	ErrNoAgentForCapability = errors.New("no agent for capability")
	ErrCancelled            = errors.New("cancelled")
)
