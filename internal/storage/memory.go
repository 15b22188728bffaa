package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"DeFi-Sentry/internal/breaker"
	xerrors "DeFi-Sentry/internal/errors"
)

const memoryCapacity = 512

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// MemoryFailureRepository 在内存中保留最近的失败记录；配置了文件路径时同时以 JSON Lines 追加写入。
type MemoryFailureRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []breaker.FailureRecord
}

// NewMemoryFailureRepository 创建内存仓库。path 为空时不落盘。
func NewMemoryFailureRepository(path string) (*MemoryFailureRepository, error) {
	repo := &MemoryFailureRepository{dataFile: path}
	if path == "" {
		return repo, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录失败。
func (m *MemoryFailureRepository) Save(_ context.Context, records []breaker.FailureRecord) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开失败日志失败")
		}
		defer file.Close()

		w := bufio.NewWriter(file)
		for _, record := range records {
			encoded, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("序列化失败记录失败: %w", err)
			}
			w.Write(encoded)
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入失败日志失败")
		}
	}

	for _, record := range records {
		m.records = append([]breaker.FailureRecord{record}, m.records...)
	}
	if len(m.records) > memoryCapacity {
		m.records = m.records[:memoryCapacity]
	}
	return nil
}

// ListLatest 返回最近的失败记录，按时间倒序排列。
func (m *MemoryFailureRepository) ListLatest(_ context.Context, limit int) ([]breaker.FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]breaker.FailureRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 FailureRepository。
func (m *MemoryFailureRepository) Close() error { return nil }

func (m *MemoryFailureRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取失败日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []breaker.FailureRecord
	for scanner.Scan() {
		var record breaker.FailureRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]breaker.FailureRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析失败日志失败: %w", err)
	}

	if len(restored) > memoryCapacity {
		restored = restored[:memoryCapacity]
	}
	m.records = restored
	return nil
}
