// Package apperr defines the error taxonomy shared by the trading core.
// Components classify upstream failures into kinds; the HTTP facade maps
// kinds to status codes and retry loops key off IsTransient.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for policy decisions.
type Kind int

const (
	Internal Kind = iota
	ValidationFailed
	NotFound
	ConflictOrDuplicate
	PreconditionFailed
	UpstreamTransient // exchange/LLM 5xx, 429, timeouts, connection resets
	UpstreamPermanent // 4xx other than 401/403/429
	UpstreamAuth      // 401/403
	MalformedUpstream // unparseable or empty upstream response
)

func (k Kind) String() string {
	switch k {
	case ValidationFailed:
		return "validation_failed"
	case NotFound:
		return "not_found"
	case ConflictOrDuplicate:
		return "conflict"
	case PreconditionFailed:
		return "precondition_failed"
	case UpstreamTransient:
		return "upstream_transient"
	case UpstreamPermanent:
		return "upstream_permanent"
	case UpstreamAuth:
		return "upstream_auth"
	case MalformedUpstream:
		return "malformed_upstream"
	default:
		return "internal"
	}
}

// Error carries a kind alongside the message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a formatted error of the given kind.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain; unknown errors are Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == UpstreamTransient
}

// HTTPStatus maps a kind to the facade's response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ValidationFailed:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case ConflictOrDuplicate:
		return http.StatusConflict
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case UpstreamAuth:
		return http.StatusUnauthorized
	case UpstreamPermanent, MalformedUpstream:
		return http.StatusBadGateway
	case UpstreamTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClassifyHTTP maps an upstream HTTP status code to a kind.
func ClassifyHTTP(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return UpstreamTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return UpstreamAuth
	case status >= 500:
		return UpstreamTransient
	case status >= 400:
		return UpstreamPermanent
	default:
		return Internal
	}
}
