// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 persistence 提供 workflow.Store 的持久化后端。

  - GormStore：postgres / mysql / sqlite，表结构与 internal/migration 一致
  - RedisStore：JSON + Hash/ZSet 索引，步骤状态更新用 Lua 脚本保证原子性
  - MongoStore：索引字段平铺，完整对象以 JSON 存于 body
  - New：按 config.StoreConfig.Type 选择后端，memory 时返回 workflow.MemoryStore

所有后端返回的对象都是独立副本，找不到记录时返回包装了
workflow.ErrNotFound 的错误。
*/
package persistence
