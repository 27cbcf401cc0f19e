// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集。

Collector 按 namespace 注册以下指标：

  - HTTP：请求数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx
  - 工作流：按 mode/status 统计的执行次数与耗时
  - 步骤：按 service/step_type/status 统计的执行次数与耗时，按故障类型统计的重试次数
  - 容错：熔断器状态迁移次数与当前状态，各服务的降级等级

Collector 实现 workflow.MetricsRecorder；RecordBreakerTransition 与
RecordDegradationLevel 的签名分别对齐熔断器与降级管理器的回调。
*/
package metrics
