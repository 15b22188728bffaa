package storage

import (
	"context"
	"fmt"
	"strings"

	"DeFi-Sentry/internal/breaker"
	"DeFi-Sentry/internal/config"
)

// FailureRepository 抽象失败记录的持久化接口。
type FailureRepository interface {
	Save(ctx context.Context, records []breaker.FailureRecord) error
	// ListLatest 返回最近的失败记录，按发生时间倒序排列。
	ListLatest(ctx context.Context, limit int) ([]breaker.FailureRecord, error)
	Close() error
}

// Open 根据配置选择失败日志的存储驱动。
func Open(ctx context.Context, cfg config.JournalConfig) (FailureRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryFailureRepository("")
	case "jsonl":
		return NewMemoryFailureRepository(cfg.Path)
	case "sqlite":
		return NewSQLiteFailureRepository(ctx, cfg.Path)
	case "mysql":
		return NewMySQLFailureRepository(ctx, MySQLConfig{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
