package events

import (
	"context"
	"fmt"
	"strings"

	"DeFi-Sentry/internal/config"
)

// Publisher 负责把事件投递到外部通道。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Open 根据配置创建事件发布器。driver 为 none 时返回丢弃所有事件的实现。
func Open(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Discard{}, nil
	case "memory":
		return NewMemoryPublisher(0), nil
	case "redis":
		return NewRedisPublisher(ctx, RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			ListKey:  cfg.Redis.ListKey,
			MaxLen:   cfg.Redis.MaxLen,
		})
	case "rabbitmq":
		return NewRabbitMQPublisher(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}

// Discard 丢弃所有事件。
type Discard struct{}

// Publish 实现 Publisher。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Discard) Close() error { return nil }
