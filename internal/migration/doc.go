// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理 workflows / workflow_steps / workflow_executions
三张表的版本化 Schema，基于 golang-migrate。

SQL 文件按方言内嵌在 migrations/postgres 与 migrations/mysql 下。
SQLite 只用于本地与测试，表结构由 workflow/persistence 的
GORM AutoMigrate 建立，这里对它返回 ErrManagedByORM。

  - Migrator / DefaultMigrator：Up、Down、Steps、Version、Status、Info
  - CLI：给 `flowguard migrate` 子命令用的格式化输出
  - AvailableMigrations：不连库即可列出内嵌版本
*/
package migration
