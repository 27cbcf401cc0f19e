// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 flowguard 的 HTTP 服务器生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动，Shutdown 在
ShutdownTimeout 内排空请求，Wait 监听 SIGINT/SIGTERM、上下文取消
与异步服务错误。API 服务器与独立的 metrics 服务器各持有一个 Manager，
配置通过 FromServerConfig 从 config.ServerConfig 派生。
*/
package server
