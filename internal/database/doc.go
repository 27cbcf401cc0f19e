// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database 提供基于 GORM 的数据库连接池管理。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB / Ping / Stats / Close，
    后台定时探活
  - PoolConfig：最大连接数、空闲连接数、生命周期与健康检查间隔
  - OpenDialector / Open：按 database.driver 选择 postgres、mysql 或
    纯 Go 的 sqlite 方言并建立连接池

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化失败、
连接中断等瞬时错误做指数退避重试。
*/
package database
