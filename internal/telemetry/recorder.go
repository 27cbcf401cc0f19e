package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/flowguard/workflow"
)

const meterName = "github.com/BaSui01/flowguard"

// Recorder 把执行指标同时写到 OTel Meter，实现 workflow.MetricsRecorder
type Recorder struct {
	workflowRuns     metric.Int64Counter
	workflowDuration metric.Float64Histogram
	stepRuns         metric.Int64Counter
	stepDuration     metric.Float64Histogram
	stepRetries      metric.Int64Counter
}

// NewRecorder 从 provider 创建 instruments，provider 为 nil 时使用全局 MeterProvider
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	r := &Recorder{}
	var err error
	if r.workflowRuns, err = meter.Int64Counter("flowguard.workflow.executions",
		metric.WithDescription("Finished workflow executions")); err != nil {
		return nil, err
	}
	if r.workflowDuration, err = meter.Float64Histogram("flowguard.workflow.duration",
		metric.WithUnit("s"), metric.WithDescription("Workflow execution duration")); err != nil {
		return nil, err
	}
	if r.stepRuns, err = meter.Int64Counter("flowguard.step.executions",
		metric.WithDescription("Step executions by outcome")); err != nil {
		return nil, err
	}
	if r.stepDuration, err = meter.Float64Histogram("flowguard.step.duration",
		metric.WithUnit("s"), metric.WithDescription("Step execution duration")); err != nil {
		return nil, err
	}
	if r.stepRetries, err = meter.Int64Counter("flowguard.step.retries",
		metric.WithDescription("Step retry attempts by fault type")); err != nil {
		return nil, err
	}
	return r, nil
}

// RecordWorkflowExecution 实现 workflow.MetricsRecorder
func (r *Recorder) RecordWorkflowExecution(mode, status string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("status", status))
	r.workflowRuns.Add(ctx, 1, attrs)
	r.workflowDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepExecution 实现 workflow.MetricsRecorder
func (r *Recorder) RecordStepExecution(service, stepType, status string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("step_type", stepType),
		attribute.String("status", status),
	)
	r.stepRuns.Add(ctx, 1, attrs)
	r.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepRetry 实现 workflow.MetricsRecorder
func (r *Recorder) RecordStepRetry(service, fault string) {
	r.stepRetries.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("service", service), attribute.String("fault", fault)))
}

// Fanout 把同一份指标分发给多个记录器，nil 项被忽略
type Fanout []workflow.MetricsRecorder

// NewFanout 过滤掉 nil
func NewFanout(recorders ...workflow.MetricsRecorder) Fanout {
	out := make(Fanout, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// RecordWorkflowExecution 实现 workflow.MetricsRecorder
func (f Fanout) RecordWorkflowExecution(mode, status string, duration time.Duration) {
	for _, r := range f {
		r.RecordWorkflowExecution(mode, status, duration)
	}
}

// RecordStepExecution 实现 workflow.MetricsRecorder
func (f Fanout) RecordStepExecution(service, stepType, status string, duration time.Duration) {
	for _, r := range f {
		r.RecordStepExecution(service, stepType, status, duration)
	}
}

// RecordStepRetry 实现 workflow.MetricsRecorder
func (f Fanout) RecordStepRetry(service, fault string) {
	for _, r := range f {
		r.RecordStepRetry(service, fault)
	}
}

var (
	_ workflow.MetricsRecorder = (*Recorder)(nil)
	_ workflow.MetricsRecorder = Fanout(nil)
)
