package outbound

import (
	"net/http"
	"testing"
	"time"
)

// Retry delays for attempts 0..10 equal
// 5, 10, 20, 40, 80, 160, 300, 300, 300, 300, 300 seconds.
func TestBackoff_Schedule(t *testing.T) {
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 300 * time.Second, 300 * time.Second,
		300 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	for n, w := range want {
		if got := backoff(n); got != w {
			t.Errorf("backoff(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestBackoff_CapsAtMaxRetries(t *testing.T) {
	if got := backoff(MaxRetries); got != 300*time.Second {
		t.Errorf("backoff(MaxRetries) = %v, want 300s", got)
	}
}

func TestRetryClassification(t *testing.T) {
	retryable := []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway}
	for _, s := range retryable {
		if !retryableStatus(s) {
			t.Errorf("expected status %d to be retryable", s)
		}
	}
	notRetryable := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound}
	for _, s := range notRetryable {
		if retryableStatus(s) {
			t.Errorf("expected status %d to not be retryable", s)
		}
	}
}
