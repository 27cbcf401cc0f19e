package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType 进度事件类型
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventWorkflowFinished  EventType = "workflow_finished"
	EventStepStarted       EventType = "step_started"
	EventStepRetrying      EventType = "step_retrying"
	EventStepFinished      EventType = "step_finished"
)

// Event 工作流进度事件
type Event struct {
	Type        EventType `json:"type"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type subscription struct {
	workflowID string
	ch         chan Event
}

// EventBus 进程内事件广播。订阅者处理过慢时事件被丢弃，发布方不会阻塞。
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger *zap.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subs:   make(map[int]*subscription),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe 订阅事件，workflowID 为空时接收全部。返回的函数用于取消订阅并关闭通道。
func (b *EventBus) Subscribe(workflowID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{workflowID: workflowID, ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish 广播事件
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.workflowID != "" && sub.workflowID != e.WorkflowID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Debug("event dropped for slow subscriber",
				zap.String("type", string(e.Type)),
				zap.String("workflow_id", e.WorkflowID),
			)
		}
	}
}
