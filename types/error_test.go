package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrServiceUnavailable, "upstream failed").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true).
		WithService("billing")

	if GetErrorCode(err) != ErrServiceUnavailable {
		t.Fatalf("expected code %s, got %s", ErrServiceUnavailable, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestAsError_Wrapped(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrInvalidState, "workflow is completed")
	wrapped := fmt.Errorf("execute: %w", inner)

	got, ok := AsError(wrapped)
	if !ok || got != inner {
		t.Fatalf("expected to unwrap structured error")
	}
	if GetErrorCode(wrapped) != ErrInvalidState {
		t.Fatalf("expected INVALID_STATE, got %s", GetErrorCode(wrapped))
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[ErrorCode]int{
		ErrInvalidRequest:   http.StatusBadRequest,
		ErrWorkflowNotFound: http.StatusNotFound,
		ErrInvalidState:     http.StatusConflict,
		ErrCircuitOpen:      http.StatusServiceUnavailable,
		ErrTimeout:          http.StatusGatewayTimeout,
		ErrUnknown:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatusFor(code); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}
