package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/flowguard/internal/ctxkeys"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EngineConfig 工作流引擎配置
type EngineConfig struct {
	// MaxParallelSteps 并行模式下同一批次的并发上限
	MaxParallelSteps int
	// PausePollInterval 暂停期间轮询状态的间隔
	PausePollInterval time.Duration
	// DefaultTimeoutSeconds 创建步骤时未指定超时的默认值
	DefaultTimeoutSeconds int
}

// DefaultEngineConfig 返回默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelSteps:      10,
		PausePollInterval:     500 * time.Millisecond,
		DefaultTimeoutSeconds: 30,
	}
}

// Engine 工作流引擎：持久化工作流、按执行模式调度步骤、汇总最终状态
type Engine struct {
	config     EngineConfig
	store      Store
	executor   *StepExecutor
	analyzer   *Analyzer
	conditions *ConditionEvaluator
	events     *EventBus
	metrics    MetricsRecorder
	tracer     trace.Tracer
	logger     *zap.Logger

	// statusMu 串行化工作流状态转换（执行、暂停、恢复、取消、终结）
	statusMu sync.Mutex
	// numberMu 串行化 execution_number 分配
	numberMu sync.Mutex

	runningMu sync.Mutex
	running   map[string]map[string]context.CancelFunc // workflowID -> executionID -> cancel
	wg        sync.WaitGroup
}

// EngineOption 配置 Engine
type EngineOption func(*Engine)

// WithEngineConfig 覆盖引擎配置
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.config = cfg }
}

// WithEventBus 进度事件
func WithEventBus(b *EventBus) EngineOption {
	return func(e *Engine) { e.events = b }
}

// WithMetrics 指标上报
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger 日志
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine 创建工作流引擎
func NewEngine(store Store, executor *StepExecutor, opts ...EngineOption) *Engine {
	e := &Engine{
		config:     DefaultEngineConfig(),
		store:      store,
		executor:   executor,
		conditions: NewConditionEvaluator(),
		logger:     zap.NewNop(),
		running:    make(map[string]map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	def := DefaultEngineConfig()
	if e.config.MaxParallelSteps <= 0 {
		e.config.MaxParallelSteps = def.MaxParallelSteps
	}
	if e.config.PausePollInterval <= 0 {
		e.config.PausePollInterval = def.PausePollInterval
	}
	if e.config.DefaultTimeoutSeconds <= 0 {
		e.config.DefaultTimeoutSeconds = def.DefaultTimeoutSeconds
	}

	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	e.analyzer = NewAnalyzer(e.logger)
	e.tracer = otel.Tracer(tracerName)
	if e.executor == nil {
		e.executor = NewStepExecutor(DefaultExecutorConfig(), WithExecutorLogger(e.logger))
	}
	if e.executor.store == nil {
		e.executor.store = store
	}
	if e.executor.events == nil {
		e.executor.events = e.events
	}
	return e
}

// Events 返回事件总线（可能为 nil）
func (e *Engine) Events() *EventBus { return e.events }

// Executor 返回步骤执行器
func (e *Engine) Executor() *StepExecutor { return e.executor }

// =============================================================================
// 工作流管理
// =============================================================================

// CreateWorkflow 校验并持久化工作流，初始状态为 DRAFT
func (e *Engine) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (*Workflow, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	mode := spec.ExecutionMode
	if mode == "" {
		mode = ModeSequential
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown execution mode %q", ErrInvalidWorkflow, mode)
	}

	now := time.Now().UTC()
	w := &Workflow{
		ID:               uuid.NewString(),
		Name:             spec.Name,
		Description:      spec.Description,
		Status:           WorkflowDraft,
		ExecutionMode:    mode,
		Priority:         spec.Priority,
		CreatedBy:        spec.CreatedBy,
		GlobalParameters: spec.GlobalParameters,
		FailureHandling:  spec.FailureHandling,
		Metadata:         spec.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	seen := make(map[string]bool, len(spec.Steps))
	for i, ss := range spec.Steps {
		if strings.TrimSpace(ss.Name) == "" {
			return nil, fmt.Errorf("%w: step %d has no name", ErrInvalidWorkflow, i)
		}
		id := ss.ID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, id)
		}
		seen[id] = true
		if ss.MaxRetries < 0 || ss.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("%w: step %q has negative limits", ErrInvalidWorkflow, ss.Name)
		}

		order := i
		if ss.Order != nil {
			order = *ss.Order
		}
		stepType := ss.StepType
		if stepType == "" {
			stepType = StepTypeHTTP
		}
		timeout := ss.TimeoutSeconds
		if timeout == 0 {
			timeout = e.config.DefaultTimeoutSeconds
		}
		w.Steps = append(w.Steps, &Step{
			ID:                id,
			WorkflowID:        w.ID,
			Name:              ss.Name,
			StepType:          stepType,
			ServiceName:       ss.ServiceName,
			Endpoint:          ss.Endpoint,
			Parameters:        ss.Parameters,
			TimeoutSeconds:    timeout,
			MaxRetries:        ss.MaxRetries,
			Status:            StepPending,
			Order:             order,
			Priority:          ss.Priority,
			EstimatedDuration: ss.EstimatedDuration,
			DependsOn:         ss.DependsOn,
			Conditions:        ss.Conditions,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}
	SortSteps(w.Steps)

	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	e.logger.Info("workflow created",
		zap.String("workflow_id", w.ID),
		zap.String("name", w.Name),
		zap.String("mode", string(w.ExecutionMode)),
		zap.Int("steps", len(w.Steps)),
	)
	return w, nil
}

// GetWorkflow 查询工作流
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// ListWorkflows 按状态 / 创建人过滤
func (e *Engine) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// GetWorkflowExecutions 返回工作流的全部执行记录，按编号升序
func (e *Engine) GetWorkflowExecutions(ctx context.Context, workflowID string) ([]*WorkflowExecution, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.store.ListExecutions(ctx, workflowID)
}

// GetExecution 查询单次执行
func (e *Engine) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	return e.store.GetExecution(ctx, id)
}

// Analysis 依赖图分析结果
type Analysis struct {
	WorkflowID        string   `json:"workflow_id"`
	TopologicalOrder  []string `json:"topological_order"`
	CriticalPath      []string `json:"critical_path"`
	EstimatedDuration float64  `json:"estimated_duration_seconds"`
	Edges             []Edge   `json:"edges"`
	RemovedEdges      []Edge   `json:"removed_edges,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// AnalyzeWorkflow 计算拓扑序、关键路径与断环告警
func (e *Engine) AnalyzeWorkflow(ctx context.Context, id string) (*Analysis, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	g := e.analyzer.Build(w.Steps)
	path, total := g.CriticalPath()
	return &Analysis{
		WorkflowID:        w.ID,
		TopologicalOrder:  g.TopologicalOrder(),
		CriticalPath:      path,
		EstimatedDuration: total,
		Edges:             g.Edges(),
		RemovedEdges:      g.RemovedEdges(),
		Warnings:          g.Warnings(),
	}, nil
}

// =============================================================================
// 生命周期控制
// =============================================================================

// PauseWorkflow ACTIVE -> PAUSED，其他状态返回 false
func (e *Engine) PauseWorkflow(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, EventWorkflowPaused, func(s WorkflowStatus) (WorkflowStatus, bool) {
		return WorkflowPaused, s == WorkflowActive
	})
}

// ResumeWorkflow PAUSED -> ACTIVE，其他状态返回 false
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, EventWorkflowResumed, func(s WorkflowStatus) (WorkflowStatus, bool) {
		return WorkflowActive, s == WorkflowPaused
	})
}

// CancelWorkflow 任意非终态 -> CANCELLED，并取消运行中的步骤调用
func (e *Engine) CancelWorkflow(ctx context.Context, id string) (bool, error) {
	ok, err := e.transition(ctx, id, EventWorkflowCancelled, func(s WorkflowStatus) (WorkflowStatus, bool) {
		return WorkflowCancelled, !s.IsTerminal()
	})
	if ok {
		// 同一工作流可能有多个重叠执行，全部取消
		e.runningMu.Lock()
		cancels := make([]context.CancelFunc, 0, len(e.running[id]))
		for _, cancel := range e.running[id] {
			cancels = append(cancels, cancel)
		}
		e.runningMu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
	}
	return ok, err
}

func (e *Engine) transition(ctx context.Context, id string, ev EventType, next func(WorkflowStatus) (WorkflowStatus, bool)) (bool, error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, err
	}
	to, ok := next(w.Status)
	if !ok {
		return false, nil
	}
	from := w.Status
	w.Status = to
	w.UpdatedAt = time.Now().UTC()
	if to == WorkflowCancelled {
		w.CompletedAt = &w.UpdatedAt
	}
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return false, fmt.Errorf("update workflow status: %w", err)
	}

	e.logger.Info("workflow status changed",
		zap.String("workflow_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	e.events.Publish(Event{Type: ev, WorkflowID: id, Status: string(to)})
	return true, nil
}

// Wait 等待所有后台执行结束
func (e *Engine) Wait() { e.wg.Wait() }

// =============================================================================
// 执行
// =============================================================================

// ExecuteWorkflow 同步执行工作流直至终态，返回最终的执行记录。
// 终态工作流返回 ErrInvalidState。
func (e *Engine) ExecuteWorkflow(ctx context.Context, id, triggeredBy string, execCtx map[string]any) (*WorkflowExecution, error) {
	run, err := e.prepare(ctx, id, triggeredBy, execCtx)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, run), nil
}

// StartWorkflow 创建执行记录后在后台运行，立即返回初始记录供调用方轮询。
// 后台运行使用独立于 ctx 的上下文，只能通过 CancelWorkflow 取消。
func (e *Engine) StartWorkflow(ctx context.Context, id, triggeredBy string, execCtx map[string]any) (*WorkflowExecution, error) {
	run, err := e.prepare(ctx, id, triggeredBy, execCtx)
	if err != nil {
		return nil, err
	}
	snapshot := run.exec.Clone()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(context.WithoutCancel(ctx), run)
	}()
	return snapshot, nil
}

// workflowRun 一次执行的内存状态，step_results 只在引擎 goroutine 中修改
type workflowRun struct {
	workflow *Workflow
	exec     *WorkflowExecution
	graph    *Graph
	mu       sync.Mutex
}

func (e *Engine) prepare(ctx context.Context, id, triggeredBy string, execCtx map[string]any) (*workflowRun, error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Status.Executable() {
		return nil, &StateError{WorkflowID: id, Status: w.Status, Operation: "execute"}
	}

	number, err := e.nextExecutionNumber(ctx, id)
	if err != nil {
		return nil, err
	}

	g := e.analyzer.Build(w.Steps)
	path, _ := g.CriticalPath()
	now := time.Now().UTC()
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	exec := &WorkflowExecution{
		ID:               uuid.NewString(),
		WorkflowID:       id,
		ExecutionNumber:  number,
		Status:           ExecutionRunning,
		TriggeredBy:      triggeredBy,
		ExecutionContext: execCtx,
		StepResults:      make(map[string]*StepExecutionResult),
		TotalSteps:       len(w.Steps),
		CriticalPath:     path,
		Warnings:         g.Warnings(),
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	w.Status = WorkflowActive
	w.StartedAt = &now
	w.CompletedAt = nil
	w.UpdatedAt = now
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("update workflow status: %w", err)
	}
	return &workflowRun{workflow: w, exec: exec, graph: g}, nil
}

// nextExecutionNumber 当前最大编号 + 1，无记录时为 1
func (e *Engine) nextExecutionNumber(ctx context.Context, workflowID string) (int, error) {
	e.numberMu.Lock()
	defer e.numberMu.Unlock()
	latest, err := e.store.MaxExecutionNumber(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("read execution number: %w", err)
	}
	return latest + 1, nil
}

func (e *Engine) run(parent context.Context, r *workflowRun) *WorkflowExecution {
	w, exec := r.workflow, r.exec
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx = ctxkeys.WithWorkflowID(ctx, w.ID)
	ctx = ctxkeys.WithExecutionID(ctx, exec.ID)
	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", w.ID),
			attribute.String("workflow.mode", string(w.ExecutionMode)),
			attribute.Int("workflow.execution_number", exec.ExecutionNumber),
		),
	)
	defer span.End()

	e.runningMu.Lock()
	if e.running[w.ID] == nil {
		e.running[w.ID] = make(map[string]context.CancelFunc)
	}
	e.running[w.ID][exec.ID] = cancel
	e.runningMu.Unlock()
	defer func() {
		e.runningMu.Lock()
		delete(e.running[w.ID], exec.ID)
		if len(e.running[w.ID]) == 0 {
			delete(e.running, w.ID)
		}
		e.runningMu.Unlock()
	}()

	logger := e.logger.With(zap.String("workflow_id", w.ID), zap.String("execution_id", exec.ID))
	logger.Info("workflow execution started",
		zap.Int("execution_number", exec.ExecutionNumber),
		zap.String("mode", string(w.ExecutionMode)),
		zap.String("triggered_by", exec.TriggeredBy),
	)
	e.events.Publish(Event{Type: EventWorkflowStarted, WorkflowID: w.ID, ExecutionID: exec.ID, Status: string(ExecutionRunning)})

	var cancelled bool
	switch w.ExecutionMode {
	case ModeParallel:
		cancelled = e.runParallel(ctx, r, logger)
	default:
		// conditional 与 sequential 共用同一循环
		cancelled = e.runSequential(ctx, r, logger)
	}

	final := e.finalize(ctx, r, cancelled, logger)
	if final.Status == ExecutionCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(final.Status))
	}
	return final
}

// checkpoint 在每个步骤 / 批次开始前检查持久化状态：
// CANCELLED 或上下文结束返回 false；PAUSED 时阻塞轮询直到恢复。
func (e *Engine) checkpoint(ctx context.Context, workflowID string, logger *zap.Logger) bool {
	paused := false
	for {
		if ctx.Err() != nil {
			return false
		}
		w, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			logger.Error("failed to reload workflow status", zap.Error(err))
			return ctx.Err() == nil
		}
		switch w.Status {
		case WorkflowCancelled:
			return false
		case WorkflowPaused:
			if !paused {
				logger.Info("workflow paused, waiting for resume")
				paused = true
			}
			timer := time.NewTimer(e.config.PausePollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		default:
			if paused {
				logger.Info("workflow resumed")
			}
			return true
		}
	}
}

// gate 检查依赖与条件，不满足时返回跳过原因
func (e *Engine) gate(step *Step, r *workflowRun) (string, error) {
	for _, dep := range step.DependsOn {
		res, ok := r.exec.StepResults[dep]
		if !ok || res.Status != StepCompleted {
			return fmt.Sprintf("dependency %s not completed", dep), nil
		}
	}
	if len(step.Conditions) > 0 {
		ok, err := e.conditions.Evaluate(step.Conditions, r.exec.ExecutionContext, r.exec.StepResults)
		if err != nil {
			return "", err
		}
		if !ok {
			return "conditions not met", nil
		}
	}
	return "", nil
}

func (e *Engine) runSequential(ctx context.Context, r *workflowRun, logger *zap.Logger) bool {
	steps := append([]*Step(nil), r.workflow.Steps...)
	SortSteps(steps)

	for _, step := range steps {
		if !e.checkpoint(ctx, r.workflow.ID, logger) {
			return true
		}

		reason, err := e.gate(step, r)
		if err != nil {
			// 条件表达式本身出错按步骤失败处理
			e.record(ctx, r, e.failStep(ctx, step, err))
			if r.workflow.FailureHandling.ShouldStop() {
				return false
			}
			continue
		}
		if reason != "" {
			e.record(ctx, r, e.skipStep(ctx, step, reason))
			continue
		}

		res := e.executor.ExecuteStep(ctx, step, r.exec.ExecutionContext, r.workflow.GlobalParameters)
		e.record(ctx, r, res)
		switch res.Status {
		case StepCancelled:
			return true
		case StepFailed:
			if r.workflow.FailureHandling.ShouldStop() {
				logger.Info("stopping after step failure", zap.String("step_id", step.ID))
				return false
			}
		}
	}
	return false
}

func (e *Engine) runParallel(ctx context.Context, r *workflowRun, logger *zap.Logger) bool {
	attempted := make(map[string]bool, len(r.workflow.Steps))
	position := make(map[string]int, len(r.workflow.Steps))
	for i, id := range r.graph.TopologicalOrder() {
		position[id] = i
	}

	halted := false
	for wave := 1; ; wave++ {
		if !e.checkpoint(ctx, r.workflow.ID, logger) {
			return true
		}

		var ready []*Step
		for _, step := range r.workflow.Steps {
			if attempted[step.ID] {
				continue
			}
			reason, err := e.gate(step, r)
			if err != nil {
				attempted[step.ID] = true
				e.record(ctx, r, e.failStep(ctx, step, err))
				continue
			}
			if reason == "" {
				ready = append(ready, step)
			}
		}
		if len(ready) == 0 {
			break
		}
		sort.SliceStable(ready, func(i, j int) bool { return position[ready[i].ID] < position[ready[j].ID] })

		logger.Debug("dispatching wave", zap.Int("wave", wave), zap.Int("steps", len(ready)))
		results := make([]*StepExecutionResult, len(ready))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.MaxParallelSteps)
		for i, step := range ready {
			attempted[step.ID] = true
			g.Go(func() error {
				// 单个步骤失败只记录结果，不中断同批次其他步骤
				results[i] = e.executor.ExecuteStep(gctx, step, r.exec.ExecutionContext, r.workflow.GlobalParameters)
				return nil
			})
		}
		_ = g.Wait()

		failed, cancelled := false, false
		for _, res := range results {
			e.record(ctx, r, res)
			failed = failed || res.Status == StepFailed
			cancelled = cancelled || res.Status == StepCancelled
		}
		if cancelled {
			return true
		}
		if failed && r.workflow.FailureHandling.ShouldStop() {
			logger.Info("stopping after failed wave", zap.Int("wave", wave))
			halted = true
			break
		}
	}

	// 永远无法就绪的步骤计为跳过
	for _, step := range r.workflow.Steps {
		if attempted[step.ID] {
			continue
		}
		reason := "never became ready"
		if halted {
			reason = "halted after step failure"
		} else if rsn, _ := e.gate(step, r); rsn != "" {
			reason = rsn
		}
		e.record(ctx, r, e.skipStep(ctx, step, reason))
	}
	return false
}

func (e *Engine) skipStep(ctx context.Context, step *Step, reason string) *StepExecutionResult {
	return e.terminalWithoutRun(ctx, step, StepSkipped, reason)
}

func (e *Engine) failStep(ctx context.Context, step *Step, err error) *StepExecutionResult {
	return e.terminalWithoutRun(ctx, step, StepFailed, err.Error())
}

// terminalWithoutRun 步骤未进入 RUNNING 就直接落到终态
func (e *Engine) terminalWithoutRun(ctx context.Context, step *Step, status StepStatus, msg string) *StepExecutionResult {
	now := time.Now()
	step.Status = status
	step.ErrorMessage = msg
	step.CompletedAt = &now
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error("failed to persist step state", zap.String("step_id", step.ID), zap.Error(err))
	}
	e.events.Publish(Event{Type: EventStepFinished, WorkflowID: step.WorkflowID, StepID: step.ID, Status: string(status), Message: msg})
	return &StepExecutionResult{StepID: step.ID, Status: status, StartedAt: now, CompletedAt: now, ErrorMessage: msg}
}

// record 把步骤结果并入执行记录并持久化计数
func (e *Engine) record(ctx context.Context, r *workflowRun, res *StepExecutionResult) {
	r.mu.Lock()
	r.exec.StepResults[res.StepID] = res
	switch res.Status {
	case StepCompleted:
		r.exec.CompletedSteps++
	case StepFailed:
		r.exec.FailedSteps++
	case StepSkipped:
		r.exec.SkippedSteps++
	}
	r.exec.UpdatedAt = time.Now().UTC()
	snapshot := r.exec.Clone()
	r.mu.Unlock()

	if err := e.store.UpdateExecution(context.WithoutCancel(ctx), snapshot); err != nil {
		e.logger.Error("failed to persist execution progress", zap.String("execution_id", snapshot.ID), zap.Error(err))
	}
}

// finalize 决定最终状态：取消优先，其次有失败步骤为 FAILED，否则 COMPLETED
func (e *Engine) finalize(ctx context.Context, r *workflowRun, cancelled bool, logger *zap.Logger) *WorkflowExecution {
	ctx = context.WithoutCancel(ctx)

	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	w, err := e.store.GetWorkflow(ctx, r.workflow.ID)
	if err != nil {
		logger.Error("failed to reload workflow for finalization", zap.Error(err))
		w = r.workflow
	}
	if w.Status == WorkflowCancelled {
		cancelled = true
	}

	r.mu.Lock()
	exec := r.exec
	now := time.Now().UTC()
	switch {
	case cancelled:
		exec.Status = ExecutionCancelled
		exec.ErrorMessage = "workflow cancelled"
	case exec.FailedSteps > 0:
		exec.Status = ExecutionFailed
	default:
		exec.Status = ExecutionCompleted
	}
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	final := exec.Clone()
	r.mu.Unlock()

	if err := e.store.UpdateExecution(ctx, final); err != nil {
		logger.Error("failed to persist execution result", zap.Error(err))
	}

	switch final.Status {
	case ExecutionCancelled:
		w.Status = WorkflowCancelled
	case ExecutionFailed:
		w.Status = WorkflowFailed
	default:
		w.Status = WorkflowCompleted
	}
	w.CompletedAt = &now
	w.UpdatedAt = now
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		logger.Error("failed to persist workflow status", zap.Error(err))
	}

	duration := now.Sub(final.StartedAt)
	logger.Info("workflow execution finished",
		zap.String("status", string(final.Status)),
		zap.Int("completed_steps", final.CompletedSteps),
		zap.Int("failed_steps", final.FailedSteps),
		zap.Int("skipped_steps", final.SkippedSteps),
		zap.Duration("duration", duration),
	)
	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(string(r.workflow.ExecutionMode), string(final.Status), duration)
	}
	e.events.Publish(Event{Type: EventWorkflowFinished, WorkflowID: w.ID, ExecutionID: final.ID, Status: string(final.Status)})
	return final
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
