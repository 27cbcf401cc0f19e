package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/resilience/circuitbreaker"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 workflow.MetricsRecorder
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 工作流指标
	workflowExecutionsTotal   *prometheus.CounterVec
	workflowExecutionDuration *prometheus.HistogramVec

	// 步骤指标
	stepExecutionsTotal   *prometheus.CounterVec
	stepExecutionDuration *prometheus.HistogramVec
	stepRetriesTotal      *prometheus.CounterVec

	// 容错指标
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	degradationLevel   *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，指标注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 创建指标收集器并注册到指定 Registerer
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 工作流指标
	c.workflowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of finished workflow executions",
		},
		[]string{"mode", "status"},
	)

	c.workflowExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"mode"},
	)

	// 步骤指标
	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step executions by outcome",
		},
		[]string{"service", "step_type", "status"},
	)

	c.stepExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_execution_duration_seconds",
			Help:      "Step execution duration in seconds, retries included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service", "step_type"},
	)

	c.stepRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts by fault type",
		},
		[]string{"service", "fault"},
	)

	// 容错指标
	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"service"},
	)

	c.degradationLevel = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degradation_level",
			Help:      "Current degradation level per service (0=normal)",
		},
		[]string{"service"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔀 工作流与步骤指标
// =============================================================================

// RecordWorkflowExecution 记录一次执行的最终结果
func (c *Collector) RecordWorkflowExecution(mode, status string, duration time.Duration) {
	c.workflowExecutionsTotal.WithLabelValues(mode, status).Inc()
	c.workflowExecutionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStepExecution 记录步骤结果
func (c *Collector) RecordStepExecution(service, stepType, status string, duration time.Duration) {
	c.stepExecutionsTotal.WithLabelValues(service, stepType, status).Inc()
	c.stepExecutionDuration.WithLabelValues(service, stepType).Observe(duration.Seconds())
}

// RecordStepRetry 记录步骤级重试
func (c *Collector) RecordStepRetry(service, fault string) {
	c.stepRetriesTotal.WithLabelValues(service, fault).Inc()
}

// =============================================================================
// 🛡️ 容错指标
// =============================================================================

// RecordBreakerTransition 可直接作为 circuitbreaker.Config.OnStateChange
func (c *Collector) RecordBreakerTransition(service string, from, to circuitbreaker.State) {
	c.breakerTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
	c.breakerState.WithLabelValues(service).Set(float64(to))
}

// RecordDegradationLevel 可直接作为 degradation.Manager 的等级回调
func (c *Collector) RecordDegradationLevel(service string, level int) {
	c.degradationLevel.WithLabelValues(service).Set(float64(level))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
