package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("bad request"), false},
		{"retryable wrapper", Retryable(errors.New("overloaded"), 529), true},
		{"wrapped retryable", fmt.Errorf("call: %w", Retryable(errors.New("x"), 503)), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"string heuristic", errors.New("read tcp: connection reset by peer"), true},
		{"io timeout string", errors.New("Get \"x\": i/o timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !RetryableStatus(code) {
			t.Errorf("expected %d to be retryable", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if RetryableStatus(code) {
			t.Errorf("expected %d to not be retryable", code)
		}
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	re := Retryable(inner, 503)
	if !errors.Is(re, inner) {
		t.Error("expected unwrap to reach inner error")
	}
	if re.Error() != "inner" {
		t.Errorf("unexpected message: %s", re.Error())
	}
	if re.StatusCode != 503 {
		t.Errorf("unexpected status: %d", re.StatusCode)
	}
}
