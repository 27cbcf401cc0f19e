// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC 导出 trace 与 metric），
// 并提供基于 OTel Meter 的 workflow.MetricsRecorder。禁用时保持 noop。
package telemetry
