package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"DeFi-Sentry/internal/engine"
	"DeFi-Sentry/pkg/logger"
)

// Emitter 把 tick 报告转换为事件：每个 tick 一条 tick 事件，熔断器状态变化时发布
// breaker_open/breaker_closed，停止开关触发时发布一次 halted。
type Emitter struct {
	publisher Publisher
	timeout   time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	allowed bool
	halted  bool
}

// NewEmitter 创建事件观察者。
func NewEmitter(publisher Publisher) *Emitter {
	if publisher == nil {
		publisher = Discard{}
	}
	return &Emitter{
		publisher: publisher,
		timeout:   3 * time.Second,
		log:       logger.Named("events"),
		allowed:   true,
	}
}

// ObserveTick 实现 engine.Observer。发布失败只记录日志。
func (e *Emitter) ObserveTick(ctx context.Context, report engine.TickReport) {
	for _, event := range e.translate(report) {
		e.publish(ctx, event)
	}
}

func (e *Emitter) translate(report engine.TickReport) []Event {
	at := report.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	fee := ""
	if report.FeeBid != nil {
		fee = report.FeeBid.String()
	}
	out := []Event{New(TypeTick, report.Tick, at, map[string]interface{}{
		"allowed":         report.Allowed,
		"gas_sufficient":  report.GasSufficient,
		"actions":         len(report.Actions),
		"failures":        len(report.Failures),
		"fee_bid_wei":     fee,
		"window_failures": report.Breaker.WindowFailures,
	})}

	e.mu.Lock()
	defer e.mu.Unlock()

	if report.Halted || !report.Breaker.ContinueRunning {
		if !e.halted {
			e.halted = true
			out = append(out, New(TypeHalted, report.Tick, at, map[string]interface{}{
				"reason":                    report.Breaker.HaltReason,
				"window_failures":           report.Breaker.WindowFailures,
				"consecutive_failing_ticks": report.Breaker.ConsecutiveTicks,
			}))
		}
		return out
	}

	switch {
	case e.allowed && !report.Allowed:
		out = append(out, New(TypeBreakerOpen, report.Tick, at, map[string]interface{}{
			"window_failures": report.Breaker.WindowFailures,
		}))
	case !e.allowed && report.Allowed:
		out = append(out, New(TypeBreakerClosed, report.Tick, at, map[string]interface{}{
			"window_failures": report.Breaker.WindowFailures,
		}))
	}
	e.allowed = report.Allowed
	return out
}

func (e *Emitter) publish(ctx context.Context, event Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.publisher.Publish(pctx, event); err != nil {
		e.log.Warn("发布事件失败",
			slog.String("type", string(event.Type)),
			slog.Uint64("tick", event.Tick),
			slog.Any("error", err),
		)
	}
}
