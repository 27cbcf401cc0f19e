// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
flowguard 命令行入口。

子命令：

	flowguard serve   [--config path]            启动 REST API、事件推送与 /metrics
	flowguard run     -f wf.yaml [-ctx k=v ...]  用内存存储执行一次工作流并输出 JSON
	flowguard migrate up|down|steps|status|version|info
	flowguard health  [--addr url]
	flowguard version

配置按 默认值 → YAML → FLOWGUARD_ 环境变量 的顺序加载。
*/
package main
