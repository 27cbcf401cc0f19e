package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常放行）
	StateClosed State = iota
	// StateOpen 打开状态（直接拒绝）
	StateOpen
	// StateHalfOpen 半开状态（限量试探）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText 让 State 在 JSON 中以字符串形式出现
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值，达到后 CLOSED -> OPEN
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// Timeout 最后一次失败后多久允许进入半开
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// SuccessThreshold 半开状态下连续成功多少次后恢复 CLOSED
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// HalfOpenMaxCalls 半开窗口内最多放行的试探调用数
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`

	// OnStateChange 状态变更回调（异步触发）
	OnStateChange func(name string, from, to State) `json:"-" yaml:"-"`

	// Clock 时间源，测试时可替换
	Clock func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 3,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	// 试探名额不足以凑够成功阈值时，半开窗口永远无法闭合
	if c.HalfOpenMaxCalls < c.SuccessThreshold {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// ErrCircuitOpen 熔断器拒绝调用（OPEN，或半开名额已满）
var ErrCircuitOpen = errors.New("circuit breaker open")

// Snapshot 熔断器状态快照
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// Breaker 单个目标服务的熔断器。
// 并发调用方共享同一实例，状态转换在 mu 下串行化。
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// New 创建熔断器
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		config: config.normalized(),
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("service", name)),
		state:  StateClosed,
	}
}

// Name 返回受保护的目标名
func (b *Breaker) Name() string { return b.name }

// Call 仅在当前状态允许时执行 fn。fn 的错误原样返回，熔断器只负责准入与健康统计。
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.afterCall(outcomeSuccess)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// 调用方主动取消，不代表下游不健康
		b.afterCall(outcomeAbandoned)
	default:
		b.afterCall(outcomeFailure)
	}
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeAbandoned
)

// beforeCall 准入检查，OPEN -> HALF_OPEN 在此惰性完成
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.config.Clock().Sub(b.lastFailureTime) >= b.config.Timeout {
			b.setState(StateHalfOpen, "timeout elapsed")
			b.successCount = 0
			b.halfOpenCalls = 1
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return fmt.Errorf("%w: %s (half-open trial limit %d reached)", ErrCircuitOpen, b.name, b.config.HalfOpenMaxCalls)
		}
		b.halfOpenCalls++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", b.state)
	}
}

func (b *Breaker) afterCall(o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch o {
	case outcomeSuccess:
		b.onSuccess()
	case outcomeFailure:
		b.onFailure()
	case outcomeAbandoned:
		if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(StateClosed, "success threshold reached")
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
		}

	case StateOpen:
		// 打开期间放行的调用晚到，忽略
	}
}

func (b *Breaker) onFailure() {
	b.lastFailureTime = b.config.Clock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.setState(StateOpen, "failure threshold reached")
		}

	case StateHalfOpen:
		b.failureCount++
		b.successCount = 0
		b.halfOpenCalls = 0
		b.setState(StateOpen, "trial call failed")

	case StateOpen:
		b.failureCount++
	}
}

// setState 需持有 mu
func (b *Breaker) setState(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failure_count", b.failureCount),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, to)
	}
}

// State 返回当前状态（不触发惰性转换）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回当前计数与状态
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Reset 手动恢复到 CLOSED
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, "manual reset")
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.lastFailureTime = time.Time{}
}
