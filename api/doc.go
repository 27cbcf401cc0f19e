// Package api 内嵌 flowguard HTTP API 的 OpenAPI 3.0 描述。
//
// 路由实现位于 api/handlers；服务器在 /api/openapi.yaml 上原样输出
// 本包的文档，便于客户端生成与人工查阅。
package api
