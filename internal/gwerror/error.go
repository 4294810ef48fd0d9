// Package gwerror is the gateway's error taxonomy: a small set of typed
// kinds, mapped to HTTP status and a JSON body only at the façade edge.
// This is the Go-native form of "Exception-to-response mapping becomes
// explicit error-kind enums" (spec §9), and its response envelope
// mirrors the Java Revolver bundle's RevolverExceptionMapper
// (`{"error": ..., "message": ...}`).
package gwerror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is one of the taxonomy entries from spec §7.
type Kind string

const (
	NotFound         Kind = "NOT_FOUND"
	APIDisabled      Kind = "API_DISABLED"
	Auth             Kind = "AUTH"
	CapacityExceeded Kind = "CAPACITY_EXCEEDED"
	CircuitOpen      Kind = "CIRCUIT_OPEN"
	Timeout          Kind = "TIMEOUT"
	UpstreamFailure  Kind = "UPSTREAM_FAILURE"
	BadRequest       Kind = "BAD_REQUEST"
	Internal         Kind = "INTERNAL"
)

// Error carries a Kind, a message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// RetryAfter is the caller-facing hint spec §7 requires alongside a
	// CAPACITY_EXCEEDED or CIRCUIT_OPEN 429 — the breaker's own sleep
	// window, since that's the earliest the caller has any chance of
	// success. Zero means no Retry-After header is written.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// RetryAfterOf reports the retry hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// KindOf extracts the Kind from err, defaulting to Internal for
// anything that isn't one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Status maps a Kind to the HTTP status spec §7 assigns it.
func Status(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case APIDisabled:
		return http.StatusServiceUnavailable
	case Auth:
		return http.StatusUnauthorized
	case CapacityExceeded, CircuitOpen:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case UpstreamFailure:
		return http.StatusBadGateway
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire envelope written for every gateway-authored error
// response.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// BodyFor builds the response envelope for err.
func BodyFor(err error) Body {
	kind := KindOf(err)
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return Body{Error: string(kind), Message: msg}
}
