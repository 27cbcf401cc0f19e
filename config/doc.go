// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 flowguard 的配置加载。
//
// 加载顺序为 默认值 → YAML 文件 → FLOWGUARD_<SECTION>_<FIELD> 环境变量，
// 最后执行注册的校验器。orchestrator 段控制熔断、重试、并行度与服务地址表。
package config
