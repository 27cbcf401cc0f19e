package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want FaultType
	}{
		{"request timeout after 5s", FaultTimeout},
		{"operation Timed Out", FaultTimeout},
		{"dial tcp: connection refused", FaultNetwork},
		{"DNS lookup failed", FaultNetwork},
		{"rate limit exceeded", FaultRateLimit},
		{"HTTP 429 Too Many Requests", FaultRateLimit},
		{"HTTP 503 Service Unavailable", FaultServiceUnavailable},
		{"billing service down", FaultServiceUnavailable},
		{"HTTP 401 Unauthorized", FaultAuthentication},
		{"HTTP 403 Forbidden", FaultAuthentication},
		{"validation failed: name required", FaultValidation},
		{"HTTP 400 Bad Request", FaultValidation},
		{"invalid payload", FaultValidation},
		{"boom", FaultUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFault(errors.New(tt.msg)))
		})
	}
}

func TestClassifyFault_OrderedPrecedence(t *testing.T) {
	t.Parallel()

	// timeout 优先于 network
	assert.Equal(t, FaultTimeout, ClassifyMessage("network timeout"))
	// network 优先于 validation
	assert.Equal(t, FaultNetwork, ClassifyMessage("invalid connection state"))
	assert.Equal(t, FaultType(""), ClassifyFault(nil))
}

func TestFaultType_Retryable(t *testing.T) {
	t.Parallel()

	assert.False(t, FaultValidation.Retryable())
	assert.False(t, FaultAuthentication.Retryable())
	for _, f := range []FaultType{FaultTimeout, FaultNetwork, FaultRateLimit, FaultServiceUnavailable, FaultUnknown} {
		assert.True(t, f.Retryable(), string(f))
	}
}

func TestNewFaultError(t *testing.T) {
	t.Parallel()

	cause := errors.New("HTTP 400 Bad Request")
	err := NewFaultError("inventory", cause)

	assert.Equal(t, ErrValidation, err.Code)
	assert.Equal(t, "inventory", err.Service)
	assert.False(t, err.Retryable)
	assert.ErrorIs(t, err, cause)
}
