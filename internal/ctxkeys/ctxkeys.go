package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	workflowIDKey  contextKey = "workflow_id"
	executionIDKey contextKey = "execution_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return getString(ctx, requestIDKey)
}

// WithWorkflowID 设置当前工作流 ID
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return withString(ctx, workflowIDKey, id)
}

// WorkflowID 获取当前工作流 ID
func WorkflowID(ctx context.Context) (string, bool) {
	return getString(ctx, workflowIDKey)
}

// WithExecutionID 设置当前执行 ID
func WithExecutionID(ctx context.Context, id string) context.Context {
	return withString(ctx, executionIDKey, id)
}

// ExecutionID 获取当前执行 ID
func ExecutionID(ctx context.Context) (string, bool) {
	return getString(ctx, executionIDKey)
}
