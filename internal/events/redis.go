package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "DeFi-Sentry/internal/errors"
)

// RedisConfig 描述 Redis 事件通道的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Channel 用于 PUBLISH 实时推送。
	Channel string
	// ListKey 保存最近 MaxLen 条事件，供离线读取。
	ListKey string
	MaxLen  int64
}

// RedisPublisher 将事件写入 Redis list 并通过 pub/sub 广播。
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	listKey string
	maxLen  int64
}

// NewRedisPublisher 创建 Redis 发布器并检查连接。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "sentry:events"
	}
	listKey := cfg.ListKey
	if listKey == "" {
		listKey = "sentry:events:recent"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisPublisher{client: client, channel: channel, listKey: listKey, maxLen: maxLen}
}

// Publish 在一个事务管道中追加、裁剪并广播事件。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.listKey, payload)
	pipe.LTrim(ctx, p.listKey, 0, p.maxLen-1)
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Recent 读取最近的事件，最新的在前。
func (p *RedisPublisher) Recent(ctx context.Context, limit int64) ([]Event, error) {
	if limit <= 0 || limit > p.maxLen {
		limit = p.maxLen
	}
	values, err := p.client.LRange(ctx, p.listKey, 0, limit-1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 读取事件失败")
	}
	out := make([]Event, 0, len(values))
	for _, v := range values {
		var event Event
		if err := json.Unmarshal([]byte(v), &event); err != nil {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
