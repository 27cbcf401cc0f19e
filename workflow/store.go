package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Store 工作流、步骤与执行记录的持久化接口。
// 找不到记录时返回包装了 ErrNotFound 的错误。
type Store interface {
	// SaveWorkflow 创建或整体替换工作流及其步骤
	SaveWorkflow(ctx context.Context, w *Workflow) error
	// UpdateWorkflow 只更新工作流本身的字段（不含步骤）
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// UpdateStep 持久化步骤状态变化，供并发观察者轮询
	UpdateStep(ctx context.Context, step *Step) error

	CreateExecution(ctx context.Context, e *WorkflowExecution) error
	UpdateExecution(ctx context.Context, e *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	// ListExecutions 按 execution_number 升序返回
	ListExecutions(ctx context.Context, workflowID string) ([]*WorkflowExecution, error)
	// MaxExecutionNumber 无执行记录时返回 0
	MaxExecutionNumber(ctx context.Context, workflowID string) (int, error)

	Close() error
}

// SortWorkflows 列表统一按创建时间倒序，再按 ID
func SortWorkflows(ws []*Workflow) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.After(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}

// SortSteps 按 order 升序，稳定排序保留声明顺序
func SortSteps(steps []*Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

// SortExecutions 按 execution_number 升序
func SortExecutions(es []*WorkflowExecution) {
	sort.Slice(es, func(i, j int) bool { return es[i].ExecutionNumber < es[j].ExecutionNumber })
}

// MemoryStore 进程内存储，读写都做深拷贝，调用方拿到的对象与存储互不影响
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	executions map[string]*WorkflowExecution
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*WorkflowExecution),
	}
}

// deepCopy 通过 JSON 往返复制，NaN/±Inf 等无法编码的值返回错误
func deepCopy[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: deep copy: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("workflow: deep copy: %w", err)
	}
	return &out, nil
}

// SaveWorkflow 实现 Store
func (m *MemoryStore) SaveWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := deepCopy(w)
	if err != nil {
		return err
	}
	m.workflows[w.ID] = cp
	return nil
}

// UpdateWorkflow 实现 Store
func (m *MemoryStore) UpdateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workflows[w.ID]
	if !ok {
		return ErrWorkflowNotFound
	}
	cp, err := deepCopy(w)
	if err != nil {
		return err
	}
	cp.Steps = cur.Steps
	m.workflows[w.ID] = cp
	return nil
}

// GetWorkflow 实现 Store
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return deepCopy(w)
}

// ListWorkflows 实现 Store
func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		if filter.Matches(w) {
			cp, err := deepCopy(w)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	SortWorkflows(out)
	return out, nil
}

// UpdateStep 实现 Store
func (m *MemoryStore) UpdateStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[step.WorkflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	for i, s := range w.Steps {
		if s.ID == step.ID {
			cp, err := deepCopy(step)
			if err != nil {
				return err
			}
			w.Steps[i] = cp
			return nil
		}
	}
	return ErrNotFound
}

// CreateExecution 实现 Store
func (m *MemoryStore) CreateExecution(_ context.Context, e *WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := deepCopy(e)
	if err != nil {
		return err
	}
	m.executions[e.ID] = cp
	return nil
}

// UpdateExecution 实现 Store
func (m *MemoryStore) UpdateExecution(_ context.Context, e *WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return ErrNotFound
	}
	cp, err := deepCopy(e)
	if err != nil {
		return err
	}
	m.executions[e.ID] = cp
	return nil
}

// GetExecution 实现 Store
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(e)
}

// ListExecutions 实现 Store
func (m *MemoryStore) ListExecutions(_ context.Context, workflowID string) ([]*WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowExecution
	for _, e := range m.executions {
		if e.WorkflowID == workflowID {
			cp, err := deepCopy(e)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	SortExecutions(out)
	return out, nil
}

// MaxExecutionNumber 实现 Store
func (m *MemoryStore) MaxExecutionNumber(_ context.Context, workflowID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := 0
	for _, e := range m.executions {
		if e.WorkflowID == workflowID && e.ExecutionNumber > latest {
			latest = e.ExecutionNumber
		}
	}
	return latest, nil
}

// Close 实现 Store
func (m *MemoryStore) Close() error { return nil }
