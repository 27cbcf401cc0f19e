// MockMetrics 记录工作流指标调用，用于断言引擎与执行器的上报行为。
package mocks

import (
	"sync"
	"time"

	"github.com/BaSui01/flowguard/workflow"
)

// MetricCall 一次指标上报
type MetricCall struct {
	Kind    string // workflow / step / retry
	Labels  []string
	Elapsed time.Duration
}

// MockMetrics 实现 workflow.MetricsRecorder
type MockMetrics struct {
	mu    sync.Mutex
	calls []MetricCall
}

var _ workflow.MetricsRecorder = (*MockMetrics)(nil)

// NewMockMetrics 创建 MockMetrics
func NewMockMetrics() *MockMetrics { return &MockMetrics{} }

// RecordWorkflowExecution 实现 workflow.MetricsRecorder
func (m *MockMetrics) RecordWorkflowExecution(mode, status string, d time.Duration) {
	m.add(MetricCall{Kind: "workflow", Labels: []string{mode, status}, Elapsed: d})
}

// RecordStepExecution 实现 workflow.MetricsRecorder
func (m *MockMetrics) RecordStepExecution(service, stepType, status string, d time.Duration) {
	m.add(MetricCall{Kind: "step", Labels: []string{service, stepType, status}, Elapsed: d})
}

// RecordStepRetry 实现 workflow.MetricsRecorder
func (m *MockMetrics) RecordStepRetry(service, fault string) {
	m.add(MetricCall{Kind: "retry", Labels: []string{service, fault}})
}

func (m *MockMetrics) add(c MetricCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls 返回指定类型的上报记录
func (m *MockMetrics) Calls(kind string) []MetricCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MetricCall
	for _, c := range m.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
