package workflow

import (
	"time"

	"github.com/BaSui01/flowguard/types"
)

// WorkflowStatus 工作流状态
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowActive    WorkflowStatus = "active"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal 终态不可再执行或暂停
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Executable 只有 DRAFT / ACTIVE 可以发起执行
func (s WorkflowStatus) Executable() bool {
	return s == WorkflowDraft || s == WorkflowActive
}

// ExecutionMode 执行模式
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	// ModeConditional 与 ModeSequential 行为一致，条件判断内嵌在每个步骤的前置检查中
	ModeConditional ExecutionMode = "conditional"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConditional:
		return true
	}
	return false
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped || s == StepCancelled
}

// ExecutionStatus 单次执行记录的状态
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Step types understood by the built-in invokers.
const (
	StepTypeHTTP     = "http"
	StepTypeFunction = "function"
)

// FailureHandling 工作流级失败处理策略
type FailureHandling struct {
	// StopOnFailure 为 nil 时视为 true
	StopOnFailure *bool `json:"stop_on_failure,omitempty" yaml:"stop_on_failure,omitempty"`
}

// ShouldStop 返回生效的 stop_on_failure 值
func (f FailureHandling) ShouldStop() bool {
	if f.StopOnFailure == nil {
		return true
	}
	return *f.StopOnFailure
}

// Workflow 工作流定义与运行状态
type Workflow struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Status           WorkflowStatus  `json:"status"`
	ExecutionMode    ExecutionMode   `json:"execution_mode"`
	Priority         int             `json:"priority"`
	CreatedBy        string          `json:"created_by,omitempty"`
	Steps            []*Step         `json:"steps"`
	GlobalParameters map[string]any  `json:"global_parameters,omitempty"`
	FailureHandling  FailureHandling `json:"failure_handling"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Step 返回指定 ID 的步骤
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Step 工作流中的单个步骤，只属于一个工作流
type Step struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	Name              string         `json:"name"`
	StepType          string         `json:"step_type"`
	ServiceName       string         `json:"service_name,omitempty"`
	Endpoint          string         `json:"endpoint,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	Status            StepStatus     `json:"status"`
	Order             int            `json:"order"`
	Priority          int            `json:"priority"`
	EstimatedDuration float64        `json:"estimated_duration_seconds,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	Conditions        map[string]any `json:"conditions,omitempty"`
	Result            any            `json:"result,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Weight 用于关键路径计算的估计耗时（秒）
func (s *Step) Weight() float64 {
	switch {
	case s.EstimatedDuration > 0:
		return s.EstimatedDuration
	case s.TimeoutSeconds > 0:
		return float64(s.TimeoutSeconds)
	default:
		return 1
	}
}

// StepExecutionResult 单个步骤在一次执行中的结果
type StepExecutionResult struct {
	StepID          string          `json:"step_id"`
	Status          StepStatus      `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Output          any             `json:"output,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	Fault           types.FaultType `json:"fault,omitempty"`
	Degraded        bool            `json:"degraded,omitempty"`
}

// WorkflowExecution 一次执行的追加式历史记录
type WorkflowExecution struct {
	ID               string                          `json:"id"`
	WorkflowID       string                          `json:"workflow_id"`
	ExecutionNumber  int                             `json:"execution_number"`
	Status           ExecutionStatus                 `json:"status"`
	TriggeredBy      string                          `json:"triggered_by,omitempty"`
	ExecutionContext map[string]any                  `json:"execution_context,omitempty"`
	StepResults      map[string]*StepExecutionResult `json:"step_results"`
	TotalSteps       int                             `json:"total_steps"`
	CompletedSteps   int                             `json:"completed_steps"`
	FailedSteps      int                             `json:"failed_steps"`
	SkippedSteps     int                             `json:"skipped_steps"`
	ErrorMessage     string                          `json:"error_message,omitempty"`
	CriticalPath     []string                        `json:"critical_path,omitempty"`
	Warnings         []string                        `json:"warnings,omitempty"`
	StartedAt        time.Time                       `json:"started_at"`
	UpdatedAt        time.Time                       `json:"updated_at"`
	CompletedAt      *time.Time                      `json:"completed_at,omitempty"`
}

// Clone 返回可安全跨 goroutine 读取的浅拷贝（StepResults 独立）
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	cp := *e
	cp.StepResults = make(map[string]*StepExecutionResult, len(e.StepResults))
	for k, v := range e.StepResults {
		r := *v
		cp.StepResults[k] = &r
	}
	return &cp
}

// StepSpec 创建工作流时的步骤描述
type StepSpec struct {
	ID                string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string         `json:"name" yaml:"name"`
	StepType          string         `json:"step_type,omitempty" yaml:"step_type,omitempty"`
	ServiceName       string         `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Endpoint          string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TimeoutSeconds    int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries        int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Order             *int           `json:"order,omitempty" yaml:"order,omitempty"`
	Priority          int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	EstimatedDuration float64        `json:"estimated_duration_seconds,omitempty" yaml:"estimated_duration_seconds,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Conditions        map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// WorkflowSpec 创建工作流的输入
type WorkflowSpec struct {
	Name             string          `json:"name" yaml:"name"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	ExecutionMode    ExecutionMode   `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`
	Priority         int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Steps            []StepSpec      `json:"steps" yaml:"steps"`
	GlobalParameters map[string]any  `json:"global_parameters,omitempty" yaml:"global_parameters,omitempty"`
	FailureHandling  FailureHandling `json:"failure_handling,omitempty" yaml:"failure_handling,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// WorkflowFilter 列表查询条件，零值字段不参与过滤
type WorkflowFilter struct {
	Status    WorkflowStatus
	CreatedBy string
}

// Matches reports whether w satisfies the filter.
func (f WorkflowFilter) Matches(w *Workflow) bool {
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.CreatedBy != "" && w.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}
