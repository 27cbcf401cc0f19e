// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 flowguard 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 resilience、workflow、
api 等上层模块提供统一的错误契约。

# 核心类型

  - Error / ErrorCode：结构化错误，含 HTTP 状态码、Retryable、Service 标记
  - FaultType：故障分类（timeout / network / rate_limit / ...）

# 主要能力

  - ClassifyFault：按关键字顺序对错误文本做不区分大小写的子串匹配
  - FaultType.Retryable：validation 与 authentication 故障不重试
  - HTTPStatusFor：错误码到 HTTP 状态码的映射
*/
package types
