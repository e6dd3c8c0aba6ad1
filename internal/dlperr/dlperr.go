// Package dlperr defines the error taxonomy shared by the DLP engine,
// backend registry, and proxy server, and the single translation point
// from those errors to HTTP responses.
package dlperr

import (
	"errors"
	"net/http"
)

// Kind identifies one of the named error categories of the proxy.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally produced.
	KindUnknown Kind = iota
	KindPatternSyntax
	KindRouteNotFound
	KindBackendDisabled
	KindRateLimited
	KindBodyTooLarge
	KindBodyNotJSON
	KindUpstreamConnect
	KindUpstreamTimeout
	KindUpstreamProtocol
	KindClientAborted
	KindStorage
	KindBlocked
	KindPlaceholderCollision
)

func (k Kind) String() string {
	switch k {
	case KindPatternSyntax:
		return "pattern_syntax_error"
	case KindRouteNotFound:
		return "route_not_found"
	case KindBackendDisabled:
		return "backend_disabled"
	case KindRateLimited:
		return "rate_limited"
	case KindBodyTooLarge:
		return "body_too_large"
	case KindBodyNotJSON:
		return "body_not_json"
	case KindUpstreamConnect:
		return "upstream_unreachable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamProtocol:
		return "upstream_protocol_error"
	case KindClientAborted:
		return "client_aborted"
	case KindStorage:
		return "storage_error"
	case KindBlocked:
		return "blocked_by_dlp"
	case KindPlaceholderCollision:
		return "placeholder_collision"
	default:
		return "unknown_error"
	}
}

// Error is a classified, wrappable error carrying an HTTP-facing kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode maps a Kind to the HTTP status the proxy should emit.
func (k Kind) StatusCode() int {
	switch k {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindBackendDisabled:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamConnect:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindBlocked:
		return http.StatusForbidden
	case KindPlaceholderCollision:
		return http.StatusBadRequest
	case KindPatternSyntax:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
