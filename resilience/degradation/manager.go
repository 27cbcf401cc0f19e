package degradation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	// LevelNormal 正常，走主路径
	LevelNormal = 0
	// LevelMax 最高降级等级
	LevelMax = 5
)

// ErrNoFallback 需要降级但服务没有注册降级函数，属于配置错误
var ErrNoFallback = errors.New("no fallback registered")

// ErrInvalidLevel 等级越界
var ErrInvalidLevel = errors.New("degradation level out of range")

// Func 主路径与降级路径共享的调用签名
type Func func(ctx context.Context, args map[string]any) (any, error)

// Manager 维护每个服务的降级等级与降级函数，进程内共享。
// 等级只会被自动升高（主路径失败时升到 1），回落由外部健康检查调用 SetLevel 完成。
type Manager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	levels    map[string]int
	fallbacks map[string]Func

	onLevelChange func(service string, level int)
}

// NewManager 创建降级管理器
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger.With(zap.String("component", "degradation")),
		levels:    make(map[string]int),
		fallbacks: make(map[string]Func),
	}
}

// OnLevelChange 注册等级变化回调（同步调用）
func (m *Manager) OnLevelChange(fn func(service string, level int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// RegisterFallback 注册服务的降级函数，重复注册覆盖旧值
func (m *Manager) RegisterFallback(service string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[service] = fn
}

// HasFallback 查询服务是否注册了降级函数
func (m *Manager) HasFallback(service string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.fallbacks[service]
	return ok
}

// SetLevel 设置降级等级（0-5）
func (m *Manager) SetLevel(service string, level int) error {
	if level < LevelNormal || level > LevelMax {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	m.setLevel(service, level, "manual")
	return nil
}

// Level 返回服务当前降级等级，未知服务为 0
func (m *Manager) Level(service string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levels[service]
}

// Levels 返回所有非零等级的服务
func (m *Manager) Levels() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.levels))
	for svc, lvl := range m.levels {
		if lvl > LevelNormal {
			out[svc] = lvl
		}
	}
	return out
}

// Services 返回已注册降级函数的服务名（排序）
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.fallbacks))
	for svc := range m.fallbacks {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// Execute 按当前等级选择路径。
// 等级为 0 时先走 primary，失败则升到 1 并以相同参数调用降级函数；
// 等级大于 0 时直接调用降级函数。
func (m *Manager) Execute(ctx context.Context, service string, primary Func, args map[string]any) (any, error) {
	level := m.Level(service)
	if level == LevelNormal {
		result, err := primary(ctx, args)
		if err == nil {
			return result, nil
		}

		m.logger.Warn("primary path failed, degrading",
			zap.String("service", service),
			zap.Error(err),
		)
		m.escalate(service)

		fallback, ok := m.fallback(service)
		if !ok {
			return nil, fmt.Errorf("%w for service %s: %w", ErrNoFallback, service, err)
		}
		return fallback(ctx, args)
	}

	fallback, ok := m.fallback(service)
	if !ok {
		return nil, fmt.Errorf("%w for service %s (level %d)", ErrNoFallback, service, level)
	}
	return fallback(ctx, args)
}

func (m *Manager) fallback(service string) (Func, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.fallbacks[service]
	return fn, ok
}

// escalate 仅在等级为 0 时升到 1
func (m *Manager) escalate(service string) {
	m.mu.Lock()
	if m.levels[service] != LevelNormal {
		m.mu.Unlock()
		return
	}
	m.levels[service] = 1
	cb := m.onLevelChange
	m.mu.Unlock()

	m.logger.Warn("degradation level changed",
		zap.String("service", service),
		zap.Int("level", 1),
		zap.String("reason", "primary failure"),
	)
	if cb != nil {
		cb(service, 1)
	}
}

func (m *Manager) setLevel(service string, level int, reason string) {
	m.mu.Lock()
	prev := m.levels[service]
	if level == LevelNormal {
		delete(m.levels, service)
	} else {
		m.levels[service] = level
	}
	cb := m.onLevelChange
	m.mu.Unlock()

	if prev == level {
		return
	}
	m.logger.Info("degradation level changed",
		zap.String("service", service),
		zap.Int("from", prev),
		zap.Int("level", level),
		zap.String("reason", reason),
	)
	if cb != nil {
		cb(service, level)
	}
}
