// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供工作流编排引擎与容错步骤执行器。

# 概述

Engine 负责工作流的创建、执行与生命周期控制（暂停 / 恢复 / 取消），
StepExecutor 负责单个步骤的调用：熔断、降级、超时与指数退避重试。
每次执行都会追加一条 WorkflowExecution 记录，编号为当前最大编号 + 1。

# 执行模式

  - sequential：按 order 升序逐个执行，依赖未完成或条件不满足时跳过
  - conditional：与 sequential 共用同一循环
  - parallel：按依赖分批，每批内并发执行，批次之间串行

# 核心类型

  - Graph / Analyzer：依赖图，断环、拓扑排序与关键路径
  - ConditionEvaluator：条件求值，支持 "$expr" 表达式
  - StepInvoker：步骤调用抽象：HTTPInvoker、FuncInvoker
  - Store：持久化接口，MemoryStore 为内存实现
  - EventBus：进程内进度事件广播

数据库、Redis 与 MongoDB 存储见 workflow/persistence 子包。
*/
package workflow
