package apierror

import (
	"errors"
	"net/http"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(KindStorageError, "write failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	got, ok := As(err)
	if !ok {
		t.Fatal("expected As to extract an *Error")
	}
	if got.Kind != KindStorageError {
		t.Errorf("Kind = %q, want %q", got.Kind, KindStorageError)
	}
}

func TestAs_NotAnAPIError(t *testing.T) {
	if _, ok := As(errors.New("plain error")); ok {
		t.Error("expected As to fail on a non-apierror error")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindPolicyViolation, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusOK},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindFederationUnavailable, http.StatusBadGateway},
		{KindStorageError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := HTTPStatus(tc.kind); got != tc.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
			}
		})
	}
}

func TestRetryableHTTPStatus(t *testing.T) {
	retryable := []int{http.StatusRequestTimeout, http.StatusTooManyRequests, 500, 502, 503, 599}
	for _, s := range retryable {
		if !RetryableHTTPStatus(s) {
			t.Errorf("expected status %d to be retryable", s)
		}
	}
	notRetryable := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict}
	for _, s := range notRetryable {
		if RetryableHTTPStatus(s) {
			t.Errorf("expected status %d to not be retryable", s)
		}
	}
}
