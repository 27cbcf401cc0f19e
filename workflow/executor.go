package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/flowguard/internal/ctxkeys"
	"github.com/BaSui01/flowguard/resilience/circuitbreaker"
	"github.com/BaSui01/flowguard/resilience/degradation"
	"github.com/BaSui01/flowguard/resilience/retry"
	"github.com/BaSui01/flowguard/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/BaSui01/flowguard/workflow"

// MetricsRecorder 执行指标上报，由 internal/metrics.Collector 实现
type MetricsRecorder interface {
	RecordWorkflowExecution(mode, status string, duration time.Duration)
	RecordStepExecution(service, stepType, status string, duration time.Duration)
	RecordStepRetry(service, fault string)
}

// StepStore 执行器持久化步骤状态所需的最小接口
type StepStore interface {
	UpdateStep(ctx context.Context, step *Step) error
}

// ExecutorConfig 步骤执行器配置
type ExecutorConfig struct {
	// DefaultTimeout 步骤未设置 timeout_seconds 时使用
	DefaultTimeout time.Duration
	// BackoffUnit 步骤级重试等待 2^retry_count 个单位
	BackoffUnit time.Duration
	// MaxBackoff 步骤级退避上限
	MaxBackoff time.Duration
	// Retry 通用重试层配置，包在熔断器内部
	Retry retry.Config
}

// DefaultExecutorConfig 返回默认配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		BackoffUnit:    time.Second,
		MaxBackoff:     5 * time.Minute,
		Retry:          retry.Config{MaxAttempts: 1, Strategy: retry.StrategyExponential, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2, Jitter: true},
	}
}

// StepExecutor 执行单个步骤：参数合并、超时、重试、熔断与降级
type StepExecutor struct {
	config      ExecutorConfig
	invokers    map[string]StepInvoker
	fallback    StepInvoker
	breakers    *circuitbreaker.Registry
	retry       *retry.Handler
	degradation *degradation.Manager
	store       StepStore
	events      *EventBus
	metrics     MetricsRecorder
	tracer      trace.Tracer
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// ExecutorOption 配置 StepExecutor
type ExecutorOption func(*StepExecutor)

// WithInvoker 为指定 step_type 注册调用器
func WithInvoker(stepType string, inv StepInvoker) ExecutorOption {
	return func(e *StepExecutor) { e.invokers[stepType] = inv }
}

// WithDefaultInvoker 未知 step_type 使用的调用器
func WithDefaultInvoker(inv StepInvoker) ExecutorOption {
	return func(e *StepExecutor) { e.fallback = inv }
}

// WithBreakers 共享熔断器注册表
func WithBreakers(r *circuitbreaker.Registry) ExecutorOption {
	return func(e *StepExecutor) { e.breakers = r }
}

// WithRetryHandler 替换通用重试处理器
func WithRetryHandler(h *retry.Handler) ExecutorOption {
	return func(e *StepExecutor) { e.retry = h }
}

// WithDegradation 共享降级管理器
func WithDegradation(m *degradation.Manager) ExecutorOption {
	return func(e *StepExecutor) { e.degradation = m }
}

// WithStepStore 步骤状态持久化
func WithStepStore(s StepStore) ExecutorOption {
	return func(e *StepExecutor) { e.store = s }
}

// WithExecutorEvents 进度事件
func WithExecutorEvents(b *EventBus) ExecutorOption {
	return func(e *StepExecutor) { e.events = b }
}

// WithExecutorMetrics 指标上报
func WithExecutorMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *StepExecutor) { e.metrics = m }
}

// WithExecutorLogger 日志
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *StepExecutor) { e.logger = l }
}

// WithBackoffSleeper 替换步骤级退避等待（测试用）
func WithBackoffSleeper(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *StepExecutor) { e.sleep = sleep }
}

// NewStepExecutor 创建步骤执行器
func NewStepExecutor(config ExecutorConfig, opts ...ExecutorOption) *StepExecutor {
	def := DefaultExecutorConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.BackoffUnit <= 0 {
		config.BackoffUnit = def.BackoffUnit
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}

	e := &StepExecutor{
		config:   config,
		invokers: make(map[string]StepInvoker),
		logger:   zap.NewNop(),
		sleep:    retry.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With(zap.String("component", "step_executor"))
	if e.breakers == nil {
		e.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), e.logger)
	}
	if e.retry == nil {
		var onRetry retry.Option = func(*retry.Handler) {}
		if e.metrics != nil {
			onRetry = retry.WithOnRetry(func(_ int, fault types.FaultType, _ time.Duration) {
				e.metrics.RecordStepRetry("generic", string(fault))
			})
		}
		e.retry = retry.NewHandler(e.logger, onRetry)
	}
	e.tracer = otel.Tracer(tracerName)
	return e
}

// Breakers 返回共享熔断器注册表
func (e *StepExecutor) Breakers() *circuitbreaker.Registry { return e.breakers }

// MergeParameters 合并参数，优先级 global < step < context
func MergeParameters(global, step, execCtx map[string]any) map[string]any {
	out := make(map[string]any, len(global)+len(step)+len(execCtx))
	for _, m := range []map[string]any{global, step, execCtx} {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// breakerKey 熔断器按目标服务划分；函数步骤没有服务名时按函数名
func breakerKey(step *Step) string {
	if step.ServiceName != "" {
		return step.ServiceName
	}
	name := step.Endpoint
	if name == "" {
		name = step.Name
	}
	return step.StepType + ":" + name
}

// ExecuteStep 执行步骤直到成功、失败不可重试或重试次数耗尽。
// 每次状态变化（RUNNING、retry_count 递增、终态）都会立即持久化。
func (e *StepExecutor) ExecuteStep(ctx context.Context, step *Step, execCtx, globalParams map[string]any) *StepExecutionResult {
	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.type", step.StepType),
			attribute.String("step.service", step.ServiceName),
		),
	)
	defer span.End()

	logger := e.logger.With(zap.String("step_id", step.ID), zap.String("service", step.ServiceName))
	if execID, ok := ctxkeys.ExecutionID(ctx); ok {
		logger = logger.With(zap.String("execution_id", execID))
	}

	params := MergeParameters(globalParams, step.Parameters, execCtx)
	started := time.Now()
	step.Status = StepRunning
	step.RetryCount = 0
	step.Result = nil
	step.ErrorMessage = ""
	step.StartedAt = &started
	step.CompletedAt = nil
	e.persist(ctx, step, logger)
	e.publish(ctx, Event{Type: EventStepStarted, WorkflowID: step.WorkflowID, StepID: step.ID, Status: string(StepRunning)})
	logger.Debug("step started")

	result := &StepExecutionResult{StepID: step.ID, StartedAt: started}
	for {
		out, degraded, err := e.attempt(ctx, step, params)
		if err == nil {
			// 输出必须能持久化，NaN/±Inf 之类的值按校验失败处理，不重试
			if _, merr := json.Marshal(out); merr != nil {
				result.Status = StepFailed
				result.Fault = types.FaultValidation
				result.ErrorMessage = fmt.Sprintf("step output is not serializable: %v", merr)
				break
			}
			result.Status = StepCompleted
			result.Output = out
			result.Degraded = degraded
			break
		}

		if ctx.Err() != nil {
			result.Status = StepCancelled
			result.ErrorMessage = err.Error()
			break
		}

		fault := types.ClassifyFault(err)
		result.Fault = fault
		result.ErrorMessage = err.Error()

		if !e.shouldRetry(step, err, fault) {
			result.Status = StepFailed
			break
		}

		step.RetryCount++
		e.persist(ctx, step, logger)
		if e.metrics != nil {
			e.metrics.RecordStepRetry(step.ServiceName, string(fault))
		}

		delay := e.backoff(step.RetryCount)
		logger.Info("retrying step",
			zap.Int("retry_count", step.RetryCount),
			zap.Int("max_retries", step.MaxRetries),
			zap.String("fault", string(fault)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		e.publish(ctx, Event{Type: EventStepRetrying, WorkflowID: step.WorkflowID, StepID: step.ID, Attempt: step.RetryCount, Message: err.Error()})

		if serr := e.sleep(ctx, delay); serr != nil {
			result.Status = StepCancelled
			result.ErrorMessage = fmt.Sprintf("cancelled during retry backoff: %v", serr)
			break
		}
	}

	finished := time.Now()
	result.CompletedAt = finished
	result.ExecutionTimeMs = finished.Sub(started).Milliseconds()
	result.RetryCount = step.RetryCount

	step.Status = result.Status
	step.Result = result.Output
	step.ErrorMessage = result.ErrorMessage
	step.CompletedAt = &finished
	e.persist(context.WithoutCancel(ctx), step, logger)

	if result.Status == StepCompleted {
		span.SetStatus(codes.Ok, "")
		logger.Debug("step completed", zap.Int64("execution_time_ms", result.ExecutionTimeMs), zap.Bool("degraded", result.Degraded))
	} else {
		span.SetStatus(codes.Error, result.ErrorMessage)
		logger.Warn("step did not complete",
			zap.String("status", string(result.Status)),
			zap.String("fault", string(result.Fault)),
			zap.String("error", result.ErrorMessage),
		)
	}
	if e.metrics != nil {
		e.metrics.RecordStepExecution(step.ServiceName, step.StepType, string(result.Status), finished.Sub(started))
	}
	e.publish(ctx, Event{Type: EventStepFinished, WorkflowID: step.WorkflowID, StepID: step.ID, Status: string(result.Status), Message: result.ErrorMessage})
	return result
}

// backoff 第 n 次重试前等待 2^n 个单位，按 MaxBackoff 截断
func (e *StepExecutor) backoff(retryCount int) time.Duration {
	return retry.Config{
		Strategy:          retry.StrategyExponential,
		BaseDelay:         2 * e.config.BackoffUnit,
		MaxDelay:          e.config.MaxBackoff,
		BackoffMultiplier: 2,
	}.BaseDelayFor(retryCount)
}

// shouldRetry 熔断拒绝、缺少降级函数与 validation/auth 故障都不做步骤级重试
func (e *StepExecutor) shouldRetry(step *Step, err error, fault types.FaultType) bool {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return false
	case errors.Is(err, degradation.ErrNoFallback):
		return false
	case !fault.Retryable():
		return false
	}
	return step.RetryCount < step.MaxRetries
}

// attempt 单次步骤尝试：降级（若注册了降级函数）-> 熔断 -> 通用重试 -> 超时调用
func (e *StepExecutor) attempt(ctx context.Context, step *Step, params map[string]any) (any, bool, error) {
	invoker, err := e.invokerFor(step)
	if err != nil {
		return nil, false, err
	}

	timeout := e.config.DefaultTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	breaker := e.breakers.Get(breakerKey(step))

	primary := func(ctx context.Context, args map[string]any) (any, error) {
		return circuitbreaker.CallWithResult(ctx, breaker, func(ctx context.Context) (any, error) {
			return retry.ExecuteWithResult(ctx, e.retry, e.config.Retry, func(ctx context.Context) (any, error) {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				out, err := invoker.Invoke(callCtx, step, args)
				if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					return nil, fmt.Errorf("step %s timed out after %s: %w", step.ID, timeout, err)
				}
				return out, err
			})
		})
	}

	if e.degradation == nil || !e.degradation.HasFallback(step.ServiceName) {
		out, err := primary(ctx, params)
		return out, false, err
	}

	usedPrimary := false
	var primaryErr error
	out, err := e.degradation.Execute(ctx, step.ServiceName, func(ctx context.Context, args map[string]any) (any, error) {
		usedPrimary = true
		out, err := primary(ctx, args)
		primaryErr = err
		return out, err
	}, params)
	if err != nil {
		return nil, false, err
	}
	return out, !usedPrimary || primaryErr != nil, nil
}

func (e *StepExecutor) invokerFor(step *Step) (StepInvoker, error) {
	if inv, ok := e.invokers[step.StepType]; ok {
		return inv, nil
	}
	if e.fallback != nil {
		return e.fallback, nil
	}
	return nil, fmt.Errorf("invalid step type %q: no invoker registered", step.StepType)
}

func (e *StepExecutor) persist(ctx context.Context, step *Step, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	step.UpdatedAt = time.Now()
	if err := e.store.UpdateStep(ctx, step); err != nil {
		logger.Error("failed to persist step state", zap.String("status", string(step.Status)), zap.Error(err))
	}
}

func (e *StepExecutor) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	if execID, ok := ctxkeys.ExecutionID(ctx); ok {
		ev.ExecutionID = execID
	}
	e.events.Publish(ev)
}
