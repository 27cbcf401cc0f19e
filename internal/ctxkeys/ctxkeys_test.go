package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := ExecutionID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithExecutionID(ctx, "ex-1")

	v, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", v)
	v, _ = WorkflowID(ctx)
	assert.Equal(t, "wf-1", v)
	v, _ = ExecutionID(ctx)
	assert.Equal(t, "ex-1", v)

	_, ok = WorkflowID(WithWorkflowID(context.Background(), ""))
	assert.False(t, ok, "empty values are treated as absent")
}
