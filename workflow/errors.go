package workflow

import (
	"errors"
	"fmt"

	"github.com/BaSui01/flowguard/types"
)

var (
	// ErrNotFound 存储中不存在对应记录
	ErrNotFound = errors.New("not found")

	// ErrWorkflowNotFound 工作流不存在
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", ErrNotFound)

	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("invalid workflow state")

	// ErrInvalidWorkflow 工作流定义不合法
	ErrInvalidWorkflow = errors.New("invalid workflow definition")
)

// StateError 在终态工作流上执行等非法操作时返回
type StateError struct {
	WorkflowID string
	Status     WorkflowStatus
	Operation  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s workflow %s in status %s", e.Operation, e.WorkflowID, e.Status)
}

// Unwrap 使 errors.Is(err, ErrInvalidState) 成立
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// ErrorCode maps workflow errors onto the shared error codes.
func ErrorCode(err error) types.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return types.ErrInvalidState
	case errors.Is(err, ErrNotFound):
		return types.ErrWorkflowNotFound
	case errors.Is(err, ErrInvalidWorkflow):
		return types.ErrInvalidRequest
	}
	if code := types.GetErrorCode(err); code != "" {
		return code
	}
	return types.ErrInternalError
}
