package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"DeFi-Sentry/internal/breaker"
	xerrors "DeFi-Sentry/internal/errors"
)

const insertFailureSQL = `INSERT INTO failures (failure_id, source, reason, tick, occurred_at, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`

const selectFailuresSQL = `SELECT failure_id, source, reason, tick, occurred_at FROM failures ORDER BY occurred_at DESC LIMIT ?`

// SQLFailureRepository 将失败记录写入 MySQL 或 SQLite，两者共用同一套迁移。
type SQLFailureRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLFailureRepository 创建连接池并执行迁移。
func NewMySQLFailureRepository(ctx context.Context, cfg MySQLConfig) (*SQLFailureRepository, error) {
	db, err := openDatabase(ctx, "mysql", cfg)
	if err != nil {
		return nil, err
	}
	return newSQLFailureRepository(ctx, db)
}

// NewSQLiteFailureRepository 打开（必要时创建）本地 SQLite 文件并执行迁移。
func NewSQLiteFailureRepository(ctx context.Context, path string) (*SQLFailureRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	// SQLite 只允许一个写连接。
	db, err := openDatabase(ctx, "sqlite", MySQLConfig{DSN: path, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	return newSQLFailureRepository(ctx, db)
}

func newSQLFailureRepository(ctx context.Context, db *sql.DB) (*SQLFailureRepository, error) {
	repo := &SQLFailureRepository{db: db, now: time.Now}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 在一个事务内写入本轮全部失败记录。
func (s *SQLFailureRepository) Save(ctx context.Context, records []breaker.FailureRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	recordedAt := s.now().UnixMilli()
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, insertFailureSQL,
			record.ID,
			record.Source,
			record.Reason,
			int64(record.Tick),
			record.At.UnixMilli(),
			recordedAt,
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入失败记录失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交失败记录失败")
	}
	return nil
}

// ListLatest 查询最近的若干条失败记录。
func (s *SQLFailureRepository) ListLatest(ctx context.Context, limit int) ([]breaker.FailureRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectFailuresSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询失败记录失败")
	}
	defer rows.Close()

	var records []breaker.FailureRecord
	for rows.Next() {
		var (
			record     breaker.FailureRecord
			tick       int64
			occurredAt int64
		)
		if err := rows.Scan(&record.ID, &record.Source, &record.Reason, &tick, &occurredAt); err != nil {
			return nil, fmt.Errorf("解析失败记录失败: %w", err)
		}
		record.Tick = uint64(tick)
		record.At = time.UnixMilli(occurredAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历失败记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLFailureRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
