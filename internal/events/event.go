package events

import (
	"time"

	"github.com/google/uuid"
)

// Type 标识运行事件的种类。
type Type string

const (
	TypeTick          Type = "tick"
	TypeHalted        Type = "halted"
	TypeBreakerOpen   Type = "breaker_open"
	TypeBreakerClosed Type = "breaker_closed"
)

// Event 是发布到事件总线的一条消息。
type Event struct {
	ID   string                 `json:"id"`
	Type Type                   `json:"type"`
	Time time.Time              `json:"time"`
	Tick uint64                 `json:"tick"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// New 创建带唯一 ID 的事件。
func New(typ Type, tick uint64, at time.Time, data map[string]interface{}) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: at.UTC(),
		Tick: tick,
		Data: data,
	}
}
