// Package apperr defines the error kinds that cross from the core to the
// transport. Packages keep their own sentinel errors; the application layer
// converts them into one of these kinds before a handler sees them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers outside the core.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindEntitlementDenied Kind = "entitlement_denied"
	KindConflict          Kind = "conflict"
	KindProvider          Kind = "provider"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error is a classified error. Code and Message are safe to show to API
// clients; Err is kept for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Populated for KindEntitlementDenied.
	Limit string
	Usage int64

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration reports missing or invalid provider credentials.
func Configuration(code, msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: msg, Err: err}
}

// Validation reports malformed input.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Denied reports that a tier limit has been reached.
func Denied(action, limit string, usage int64) *Error {
	return &Error{
		Kind:    KindEntitlementDenied,
		Code:    "limit_reached",
		Message: fmt.Sprintf("tier limit reached for %s", action),
		Limit:   limit,
		Usage:   usage,
	}
}

// Conflict reports a uniqueness violation.
func Conflict(code, msg string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg, Err: err}
}

// Provider reports a failed or timed-out call to an external provider.
func Provider(code, msg string, err error) *Error {
	return &Error{Kind: KindProvider, Code: code, Message: msg, Err: err}
}

// NotFound reports a missing entity, or one owned by another tenant.
func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: err}
}

// As returns the classified error in err's chain, or an internal error
// wrapping err when none is present.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// KindOf returns the kind of err (KindInternal for unclassified errors).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the transport should use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindEntitlementDenied:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
