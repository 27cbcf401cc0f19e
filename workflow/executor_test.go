package workflow

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/flowguard/resilience/circuitbreaker"
	"github.com/BaSui01/flowguard/resilience/degradation"
	"github.com/BaSui01/flowguard/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stepRecorder 记录每次持久化的步骤快照
type stepRecorder struct {
	mu      sync.Mutex
	history []Step
}

func (r *stepRecorder) UpdateStep(_ context.Context, s *Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, *s)
	return nil
}

func (r *stepRecorder) statuses() []StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepStatus, len(r.history))
	for i, s := range r.history {
		out[i] = s.Status
	}
	return out
}

// delayRecorder 记录退避时长，不真正等待
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) Sleep(ctx context.Context, dur time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, dur)
	d.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(funcs *FuncInvoker, opts ...ExecutorOption) (*StepExecutor, *stepRecorder, *delayRecorder) {
	rec := &stepRecorder{}
	delays := &delayRecorder{}
	base := []ExecutorOption{
		WithInvoker(StepTypeFunction, funcs),
		WithStepStore(rec),
		WithBackoffSleeper(delays.Sleep),
		WithExecutorLogger(zap.NewNop()),
	}
	ex := NewStepExecutor(ExecutorConfig{BackoffUnit: time.Millisecond}, append(base, opts...)...)
	return ex, rec, delays
}

func funcStep(id, fn string, maxRetries int) *Step {
	return &Step{ID: id, WorkflowID: "wf", Name: id, StepType: StepTypeFunction, Endpoint: fn, MaxRetries: maxRetries, TimeoutSeconds: 5, Status: StepPending}
}

func TestMergeParameters_ContextWins(t *testing.T) {
	got := MergeParameters(
		map[string]any{"a": 1, "b": 1, "c": 1},
		map[string]any{"b": 2, "c": 2},
		map[string]any{"c": 3},
	)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, got)
}

func TestStepExecutor_Success(t *testing.T) {
	funcs := NewFuncInvoker()
	var seen map[string]any
	funcs.Register("echo", func(_ context.Context, p map[string]any) (any, error) {
		seen = p
		return map[string]any{"ok": true}, nil
	})
	ex, rec, _ := newTestExecutor(funcs)

	step := funcStep("s1", "echo", 0)
	step.Parameters = map[string]any{"k": "step"}
	res := ex.ExecuteStep(context.Background(), step, map[string]any{"k": "ctx"}, map[string]any{"g": 1})

	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
	assert.Equal(t, map[string]any{"k": "ctx", "g": 1}, seen)
	assert.Equal(t, []StepStatus{StepRunning, StepCompleted}, rec.statuses())
	assert.Equal(t, StepCompleted, step.Status)
	assert.NotNil(t, step.CompletedAt)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
}

func TestStepExecutor_RetriesWithExponentialBackoff(t *testing.T) {
	funcs := NewFuncInvoker()
	var calls atomic.Int32
	funcs.Register("flaky", func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return "done", nil
	})
	ex, rec, delays := newTestExecutor(funcs)

	step := funcStep("s1", "flaky", 3)
	res := ex.ExecuteStep(context.Background(), step, nil, nil)

	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}, delays.delays)
	assert.Equal(t, []StepStatus{StepRunning, StepRunning, StepRunning, StepCompleted}, rec.statuses())
}

func TestStepExecutor_ExhaustsRetries(t *testing.T) {
	funcs := NewFuncInvoker()
	var calls atomic.Int32
	funcs.Register("down", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("HTTP 503 Service Unavailable")
	})
	ex, _, _ := newTestExecutor(funcs)

	res := ex.ExecuteStep(context.Background(), funcStep("s1", "down", 2), nil, nil)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, types.FaultServiceUnavailable, res.Fault)
	assert.Equal(t, "HTTP 503 Service Unavailable", res.ErrorMessage)
}

func TestStepExecutor_BackoffCappedForLargeRetryCounts(t *testing.T) {
	ex := NewStepExecutor(ExecutorConfig{BackoffUnit: time.Second, MaxBackoff: time.Minute})

	assert.Equal(t, 2*time.Second, ex.backoff(1))
	assert.Equal(t, 32*time.Second, ex.backoff(5))
	for _, n := range []int{6, 34, 63, 64, 1000} {
		d := ex.backoff(n)
		assert.Equal(t, time.Minute, d, "retry_count=%d", n)
	}
}

func TestStepExecutor_ManyRetriesNeverSleepNegative(t *testing.T) {
	funcs := NewFuncInvoker()
	funcs.Register("down", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("HTTP 503 Service Unavailable")
	})
	ex, _, delays := newTestExecutor(funcs, func(e *StepExecutor) { e.config.MaxBackoff = 50 * time.Millisecond })

	res := ex.ExecuteStep(context.Background(), funcStep("s1", "down", 40), nil, nil)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, 40, res.RetryCount)
	require.Len(t, delays.delays, 40)
	for _, d := range delays.delays {
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestStepExecutor_UnserializableOutputFails(t *testing.T) {
	funcs := NewFuncInvoker()
	var calls atomic.Int32
	funcs.Register("nan", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return map[string]any{"score": math.NaN()}, nil
	})
	ex, rec, _ := newTestExecutor(funcs)

	step := funcStep("s1", "nan", 3)
	res := ex.ExecuteStep(context.Background(), step, nil, nil)

	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, types.FaultValidation, res.Fault)
	assert.Contains(t, res.ErrorMessage, "not serializable")
	assert.Nil(t, res.Output)
	assert.Nil(t, step.Result)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []StepStatus{StepRunning, StepFailed}, rec.statuses())
}

func TestStepExecutor_ValidationFaultNotRetried(t *testing.T) {
	funcs := NewFuncInvoker()
	var calls atomic.Int32
	funcs.Register("bad", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("validation failed: sku is required")
	})
	ex, _, delays := newTestExecutor(funcs)

	res := ex.ExecuteStep(context.Background(), funcStep("s1", "bad", 5), nil, nil)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, delays.delays)
	assert.Equal(t, "validation failed: sku is required", res.ErrorMessage, "message preserved verbatim")
}

func TestStepExecutor_TimeoutClassified(t *testing.T) {
	funcs := NewFuncInvoker()
	funcs.Register("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex := NewStepExecutor(ExecutorConfig{DefaultTimeout: 20 * time.Millisecond, BackoffUnit: time.Millisecond}, WithInvoker(StepTypeFunction, funcs))

	step := funcStep("s1", "slow", 0)
	step.TimeoutSeconds = 0
	res := ex.ExecuteStep(context.Background(), step, nil, nil)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, types.FaultTimeout, res.Fault)
}

func TestStepExecutor_OpenBreakerNotRetried(t *testing.T) {
	funcs := NewFuncInvoker()
	var calls atomic.Int32
	funcs.Register("down", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("network unreachable")
	})
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 2}, nil)
	ex, _, _ := newTestExecutor(funcs, WithBreakers(breakers))

	step := funcStep("s1", "down", 5)
	step.ServiceName = "inventory"
	res := ex.ExecuteStep(context.Background(), step, nil, nil)

	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, int32(2), calls.Load(), "third attempt rejected by open breaker")
	assert.Equal(t, 2, res.RetryCount)
	assert.Contains(t, res.ErrorMessage, "circuit breaker open")
	assert.Equal(t, circuitbreaker.StateOpen, breakers.Get("inventory").State())
}

func TestStepExecutor_DegradationFallback(t *testing.T) {
	funcs := NewFuncInvoker()
	funcs.Register("primary", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("service down")
	})
	deg := degradation.NewManager(nil)
	deg.RegisterFallback("recs", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"source": "fallback", "user": args["user"]}, nil
	})
	ex, _, _ := newTestExecutor(funcs, WithDegradation(deg))

	step := funcStep("s1", "primary", 0)
	step.ServiceName = "recs"
	res := ex.ExecuteStep(context.Background(), step, map[string]any{"user": "u1"}, nil)

	require.Equal(t, StepCompleted, res.Status)
	assert.True(t, res.Degraded)
	assert.Equal(t, map[string]any{"source": "fallback", "user": "u1"}, res.Output)
	assert.Equal(t, 1, deg.Level("recs"))
}

func TestStepExecutor_UnknownStepType(t *testing.T) {
	ex := NewStepExecutor(ExecutorConfig{})
	res := ex.ExecuteStep(context.Background(), &Step{ID: "s", StepType: "grpc", MaxRetries: 3}, nil, nil)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, 0, res.RetryCount)
}

func TestStepExecutor_CancelledDuringCall(t *testing.T) {
	funcs := NewFuncInvoker()
	ctx, cancel := context.WithCancel(context.Background())
	funcs.Register("block", func(ctx context.Context, _ map[string]any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex, _, _ := newTestExecutor(funcs)

	res := ex.ExecuteStep(ctx, funcStep("s1", "block", 3), nil, nil)
	assert.Equal(t, StepCancelled, res.Status)
}

func TestBreakerKey(t *testing.T) {
	assert.Equal(t, "billing", breakerKey(&Step{ServiceName: "billing", StepType: "http"}))
	assert.Equal(t, "function:echo", breakerKey(&Step{StepType: "function", Endpoint: "echo"}))
	assert.Equal(t, "function:named", breakerKey(&Step{StepType: "function", Name: "named"}))
}
