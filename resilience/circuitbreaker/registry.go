package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 按目标服务名管理熔断器，进程内共享。
// 熔断器在首次引用时惰性创建，直到 Reset/Remove 之前一直存活。
type Registry struct {
	config   Config
	logger   *zap.Logger
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get 获取或创建指定服务的熔断器
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.config, r.logger)
	r.breakers[name] = b
	return b
}

// Lookup 查询已存在的熔断器
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots 返回所有熔断器快照，按名称排序
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset 重置指定熔断器，不存在时返回 false
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll 重置全部熔断器
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
