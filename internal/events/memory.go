package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在进程内保留最近的事件并转发给订阅者，主要用于测试与状态接口。
type MemoryPublisher struct {
	mu       sync.Mutex
	capacity int
	recent   []Event
	subs     []chan Event
	closed   bool
}

// NewMemoryPublisher 创建内存发布器，capacity 为保留的事件数。
func NewMemoryPublisher(capacity int) *MemoryPublisher {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryPublisher{capacity: capacity}
}

// Publish 记录事件。订阅者来不及消费时丢弃该事件，不阻塞控制循环。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件通道已关闭")
	}
	p.recent = append(p.recent, event)
	if over := len(p.recent) - p.capacity; over > 0 {
		p.recent = append([]Event(nil), p.recent[over:]...)
	}
	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe 返回新事件的通道，Close 时关闭。
func (p *MemoryPublisher) Subscribe(size int) <-chan Event {
	if size <= 0 {
		size = 16
	}
	ch := make(chan Event, size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

// Recent 返回保留的事件，最早的在前。
func (p *MemoryPublisher) Recent() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.recent...)
}

// Close 关闭所有订阅通道。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		for _, ch := range p.subs {
			close(ch)
		}
		p.subs = nil
		p.closed = true
	}
	return nil
}
