package migrations

import "embed"

// Files 暴露失败日志使用的 SQL 迁移文件，MySQL 与 SQLite 共用。
//
//go:embed *.sql
var Files embed.FS
