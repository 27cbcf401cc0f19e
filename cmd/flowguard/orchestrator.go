package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/internal/metrics"
	"github.com/BaSui01/flowguard/resilience/circuitbreaker"
	"github.com/BaSui01/flowguard/resilience/degradation"
	"github.com/BaSui01/flowguard/resilience/retry"
	"github.com/BaSui01/flowguard/workflow"
)

// orchestrator 持有引擎及其容错组件，供 serve 与 run 共用
type orchestrator struct {
	engine      *workflow.Engine
	events      *workflow.EventBus
	breakers    *circuitbreaker.Registry
	degradation *degradation.Manager
}

// newOrchestrator 按配置装配熔断器、降级、重试、调用器与引擎。
// collector 可为 nil（run 子命令不暴露指标）。
func newOrchestrator(cfg config.OrchestratorConfig, store workflow.Store, recorder workflow.MetricsRecorder, collector *metrics.Collector, logger *zap.Logger) *orchestrator {
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}
	dm := degradation.NewManager(logger)
	if collector != nil {
		breakerCfg.OnStateChange = collector.RecordBreakerTransition
		dm.OnLevelChange(collector.RecordDegradationLevel)
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, logger)

	retryHandler := retry.NewHandler(logger)
	events := workflow.NewEventBus(logger)

	executor := workflow.NewStepExecutor(
		workflow.ExecutorConfig{
			DefaultTimeout: cfg.DefaultStepTimeout,
			BackoffUnit:    cfg.StepRetryBackoffUnit,
			MaxBackoff:     cfg.StepRetryMaxBackoff,
			Retry:          retryConfig(cfg.Retry),
		},
		workflow.WithInvoker(workflow.StepTypeHTTP, workflow.NewHTTPInvoker(workflow.StaticResolver(cfg.Services), nil, logger)),
		workflow.WithInvoker(workflow.StepTypeFunction, builtinFunctions()),
		workflow.WithBreakers(breakers),
		workflow.WithRetryHandler(retryHandler),
		workflow.WithDegradation(dm),
		workflow.WithStepStore(store),
		workflow.WithExecutorEvents(events),
		workflow.WithExecutorMetrics(recorder),
		workflow.WithExecutorLogger(logger),
	)

	defaultTimeout := int(cfg.DefaultStepTimeout / time.Second)
	engine := workflow.NewEngine(store, executor,
		workflow.WithEngineConfig(workflow.EngineConfig{
			MaxParallelSteps:      cfg.MaxParallelSteps,
			PausePollInterval:     cfg.PausePollInterval,
			DefaultTimeoutSeconds: defaultTimeout,
		}),
		workflow.WithEventBus(events),
		workflow.WithMetrics(recorder),
		workflow.WithLogger(logger),
	)

	return &orchestrator{
		engine:      engine,
		events:      events,
		breakers:    breakers,
		degradation: dm,
	}
}

func retryConfig(c config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:       c.MaxAttempts,
		Strategy:          retry.Strategy(c.Strategy),
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            c.Jitter,
	}
}

// =============================================================================
// 内置函数步骤
// =============================================================================

// builtinFunctions 注册 step_type=function 可直接引用的内置函数：
//
//	echo   原样返回合并后的参数
//	sleep  等待 seconds 秒（可被取消）
//	fail   返回 message 参数作为错误文本，便于演练故障分类
func builtinFunctions() *workflow.FuncInvoker {
	f := workflow.NewFuncInvoker()
	f.Register("echo", func(_ context.Context, params map[string]any) (any, error) {
		return params, nil
	})
	f.Register("sleep", func(ctx context.Context, params map[string]any) (any, error) {
		d := durationParam(params["seconds"])
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[string]any{"slept_seconds": d.Seconds()}, nil
		}
	})
	f.Register("fail", func(_ context.Context, params map[string]any) (any, error) {
		msg, _ := params["message"].(string)
		if msg == "" {
			msg = http.StatusText(http.StatusServiceUnavailable)
		}
		return nil, errors.New(msg)
	})
	return f
}

func durationParam(v any) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(n); err == nil {
			return d
		}
	}
	return 0
}

// describeServices 日志用，列出已配置的服务
func describeServices(services map[string]string) []string {
	out := make([]string, 0, len(services))
	for name, url := range services {
		out = append(out, fmt.Sprintf("%s=%s", name, url))
	}
	return out
}
