package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/BaSui01/flowguard/types"
	"go.uber.org/zap"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyExponential Strategy = "exponential_backoff"
	StrategyLinear      Strategy = "linear_backoff"
	StrategyFixed       Strategy = "fixed_delay"
	StrategyImmediate   Strategy = "immediate"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExponential, StrategyLinear, StrategyFixed, StrategyImmediate:
		return true
	}
	return false
}

// Config 重试配置
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"` // 总尝试次数（含首次）
	Strategy          Strategy      `json:"strategy" yaml:"strategy"`
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" yaml:"jitter"`
}

// DefaultConfig 返回默认重试配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		Strategy:          StrategyExponential,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if !c.Strategy.Valid() {
		c.Strategy = StrategyExponential
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	return c
}

// BaseDelayFor 返回第 attempt 次失败后（从 1 开始）的退避时长，已按 MaxDelay 截断，不含抖动。
func (c Config) BaseDelayFor(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch c.Strategy {
	case StrategyExponential:
		delay = float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	case StrategyLinear:
		delay = float64(c.BaseDelay) * float64(attempt)
	case StrategyFixed:
		delay = float64(c.BaseDelay)
	case StrategyImmediate:
		return 0
	}

	if delay > float64(c.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Handler 按故障分类与退避策略重试函数调用
type Handler struct {
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
	onRetry func(attempt int, fault types.FaultType, delay time.Duration)
}

// Option 配置 Handler
type Option func(*Handler)

// WithSleeper 替换等待函数（测试用）
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) { h.sleep = sleep }
}

// WithRandom 替换抖动随机源，返回值须位于 [0,1)
func WithRandom(random func() float64) Option {
	return func(h *Handler) { h.random = random }
}

// WithOnRetry 每次决定重试时回调
func WithOnRetry(fn func(attempt int, fault types.FaultType, delay time.Duration)) Option {
	return func(h *Handler) { h.onRetry = fn }
}

// NewHandler 创建重试处理器
func NewHandler(logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Delay 返回带抖动的实际等待时长，抖动系数在 [0.8, 1.2] 内均匀分布
func (h *Handler) Delay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelayFor(attempt)
	if cfg.Jitter && delay > 0 {
		factor := 0.8 + 0.4*h.random()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// Execute 执行 fn，失败时按 cfg 重试。
// validation / authentication 故障立即返回；次数耗尽后返回最后一次错误。
func (h *Handler) Execute(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				h.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		fault := types.ClassifyFault(lastErr)
		if !fault.Retryable() {
			h.logger.Debug("fault not retryable",
				zap.String("fault", string(fault)),
				zap.Error(lastErr),
			)
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := h.Delay(cfg, attempt)
		h.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.String("fault", string(fault)),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if h.onRetry != nil {
			h.onRetry(attempt, fault, delay)
		}
		if err := h.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	if cfg.MaxAttempts > 1 {
		h.logger.Warn("retry attempts exhausted",
			zap.Int("attempts", cfg.MaxAttempts),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

// sleepContext 等待 d，同时监听 context 取消
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep 是供其他组件复用的可取消等待
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepContext(ctx, d)
}
