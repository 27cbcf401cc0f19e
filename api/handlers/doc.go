// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 flowguard HTTP API 的请求处理器实现。

# 概述

handlers 把工作流引擎的公开操作（创建、查询、执行、暂停、恢复、取消、
依赖分析）以及熔断器与降级管理暴露为 REST 接口，并通过 WebSocket
推送执行进度事件。所有 Handler 遵循标准 net/http 接口，路由使用
Go 1.22 的 "METHOD /path/{param}" 模式注册到 http.ServeMux。

# 核心类型

  - WorkflowHandler：/api/v1/workflows、/api/v1/executions、
    /api/v1/circuit-breakers、/api/v1/degradation
  - EventsHandler：/api/v1/workflows/{id}/events WebSocket 推送
  - HealthHandler：/health、/ready、/version，支持注册 PingCheck
  - Response / ErrorInfo：统一 JSON 响应结构

# 错误映射

引擎与存储错误经 WriteWorkflowError 转为 types.ErrorCode，
再由 types.HTTPStatusFor 得到状态码：不存在 404，非法状态 409，
定义不合法 400，其余 500（不回显内部错误细节）。
*/
package handlers
