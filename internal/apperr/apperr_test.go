package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestKindOf verifies kind extraction through wrapping layers.
func TestKindOf(t *testing.T) {
	base := New(KindAuth, "bad token")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tagged", base, KindAuth},
		{"fmt-wrapped", fmt.Errorf("sending: %w", base), KindAuth},
		{"double-wrapped keeps outer", Wrap(KindTransient, base, "retrying"), KindTransient},
		{"untagged", errors.New("plain"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRetryable verifies only transient and untagged errors retry.
func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", New(KindTransient, "429"), true},
		{"untagged", errors.New("mystery"), true},
		{"fatal", New(KindFatal, "revoked"), false},
		{"validation", New(KindValidation, "empty"), false},
		{"auth", New(KindAuth, "forbidden"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestHTTPStatus verifies the kind to status mapping the API handlers use.
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", New(KindValidation, "bad"), http.StatusBadRequest},
		{"auth", New(KindAuth, "no"), http.StatusUnauthorized},
		{"not found", New(KindNotFound, "gone"), http.StatusNotFound},
		{"conflict", New(KindConflict, "busy"), http.StatusConflict},
		{"transient", New(KindTransient, "later"), http.StatusServiceUnavailable},
		{"unknown", errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestWrapNil verifies wrapping a nil cause stays nil so call sites can
// wrap unconditionally.
func TestWrapNil(t *testing.T) {
	if got := Wrap(KindTransient, nil, "ignored"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

// TestErrorMessage verifies message composition with and without a cause.
func TestErrorMessage(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", New(KindFatal, "bot %d disabled", 3), "bot 3 disabled"},
		{"message and cause", Wrap(KindTransient, cause, "send"), "send: dial tcp: refused"},
		{"cause only", Wrap(KindTransient, cause, ""), "dial tcp: refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
