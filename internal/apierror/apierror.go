// Package apierror implements the error taxonomy described in spec §7 and
// maps each kind to the HTTP status a handler should return.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error categories from spec §7.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindPolicyViolation       Kind = "policy_violation"
	KindFederationUnavailable Kind = "federation_unavailable"
	KindStorageError          Kind = "storage_error"
)

// Error is a taxonomy-tagged error carrying an HTTP-facing message distinct
// from the wrapped cause (which may contain internal detail not meant for
// clients).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status spec §7 assigns it. Unauthorized
// collapses 401/403 by phase at the call site; HTTPStatus returns the more
// common 401 for Unauthorized and leaves the authenticated-but-forbidden
// case to KindForbidden.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindPolicyViolation:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusOK // idempotency hit / reconciled race: success, not an error surface
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindFederationUnavailable:
		return http.StatusBadGateway
	case KindStorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// RetryableHTTPStatus reports whether an outbound-delivery failure with this
// HTTP status should be retried by the outbound worker (C9), per spec §7:
// 5xx, 408, 429 are retryable; other 4xx are not.
func RetryableHTTPStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 {
		return true
	}
	return false
}
