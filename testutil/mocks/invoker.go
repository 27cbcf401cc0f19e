// MockInvoker 的步骤调用测试模拟实现。
//
// 支持按步骤 ID 预置结果、注入错误序列与调用记录。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/flowguard/workflow"
)

// --- MockInvoker 结构 ---

// InvokeCall 记录单次调用
type InvokeCall struct {
	StepID string
	Params map[string]any
}

// MockInvoker 实现 workflow.StepInvoker
type MockInvoker struct {
	mu sync.Mutex

	results map[string]any
	errs    map[string][]error
	calls   []InvokeCall

	defaultResult any
}

var _ workflow.StepInvoker = (*MockInvoker)(nil)

// NewMockInvoker 创建新的 MockInvoker
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		results: make(map[string]any),
		errs:    make(map[string][]error),
	}
}

// --- Builder 方法 ---

// WithResult 预置步骤成功时的输出
func (m *MockInvoker) WithResult(stepID string, out any) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[stepID] = out
	return m
}

// WithErrors 预置错误序列，每次调用消费一个，耗尽后返回成功
func (m *MockInvoker) WithErrors(stepID string, errs ...error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[stepID] = append(m.errs[stepID], errs...)
	return m
}

// WithDefaultResult 未预置的步骤返回该值
func (m *MockInvoker) WithDefaultResult(out any) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResult = out
	return m
}

// --- StepInvoker 实现 ---

// Invoke 实现 workflow.StepInvoker
func (m *MockInvoker) Invoke(ctx context.Context, step *workflow.Step, params map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, InvokeCall{StepID: step.ID, Params: params})
	if queue := m.errs[step.ID]; len(queue) > 0 {
		m.errs[step.ID] = queue[1:]
		return nil, queue[0]
	}
	if out, ok := m.results[step.ID]; ok {
		return out, nil
	}
	return m.defaultResult, nil
}

// --- 查询方法 ---

// Calls 返回调用记录副本
func (m *MockInvoker) Calls() []InvokeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InvokeCall(nil), m.calls...)
}

// CallCount 返回指定步骤的调用次数
func (m *MockInvoker) CallCount(stepID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.StepID == stepID {
			n++
		}
	}
	return n
}
