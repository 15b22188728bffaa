package alerting

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"DeFi-Sentry/internal/config"
	"DeFi-Sentry/internal/engine"
	xerrors "DeFi-Sentry/internal/errors"
	"DeFi-Sentry/pkg/logger"
)

// CodeBreakerOpen 表示熔断器开始暂停动作。
const CodeBreakerOpen xerrors.Code = "BREAKER_OPEN"

func init() {
	xerrors.Register(CodeBreakerOpen, xerrors.Attributes{
		Message:  "熔断器暂停动作",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// FromConfig 根据配置组装通知渠道。
func FromConfig(cfg config.AlertingConfig) *FanoutDispatcher {
	var notifiers []Notifier
	if cfg.Log {
		notifiers = append(notifiers, &LogNotifier{})
	}
	for _, hook := range cfg.Webhooks {
		notifiers = append(notifiers, NewWebhookNotifier(hook.Name, hook.URL, time.Duration(hook.TimeoutSeconds)*time.Second))
	}
	return NewFanout(notifiers...)
}

// Observer 在停止开关触发和熔断器开始暂停动作时发送告警。
type Observer struct {
	dispatcher Dispatcher
	timeout    time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	allowed bool
	halted  bool
}

// NewObserver 创建告警观察者。
func NewObserver(dispatcher Dispatcher) *Observer {
	return &Observer{
		dispatcher: dispatcher,
		timeout:    10 * time.Second,
		log:        logger.Named("alerting"),
		allowed:    true,
	}
}

// ObserveTick 实现 engine.Observer。
func (o *Observer) ObserveTick(ctx context.Context, report engine.TickReport) {
	event, ok := o.evaluate(report)
	if !ok || o.dispatcher == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	if err := o.dispatcher.Notify(nctx, event); err != nil {
		o.log.Warn("发送告警失败", slog.String("code", string(event.Code)), slog.Any("error", err))
	}
}

func (o *Observer) evaluate(report engine.TickReport) (Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	at := report.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	opts := []xerrors.Option{
		xerrors.WithMetadata("window_failures", strconv.Itoa(report.Breaker.WindowFailures)),
		xerrors.WithMetadata("consecutive_failing_ticks", strconv.Itoa(report.Breaker.ConsecutiveTicks)),
	}
	if report.FeeBid != nil {
		opts = append(opts, xerrors.WithMetadata("fee_bid_wei", report.FeeBid.String()))
	}

	if report.Halted || !report.Breaker.ContinueRunning {
		if o.halted {
			return Event{}, false
		}
		o.halted = true
		if report.Breaker.HaltReason != "" {
			opts = append(opts, xerrors.WithMetadata("reason", report.Breaker.HaltReason))
		}
		return newEvent(xerrors.New(xerrors.CodeBreakerHalted, "停止开关已触发，代理停止运行", opts...), report.Tick, at)
	}

	opened := o.allowed && !report.Allowed
	o.allowed = report.Allowed
	if !opened {
		return Event{}, false
	}
	return newEvent(xerrors.New(CodeBreakerOpen, "失败过多，熔断器暂停动作", opts...), report.Tick, at)
}

// newEvent 按错误码登记的属性决定是否告警以及告警级别。
func newEvent(err *xerrors.Error, tick uint64, at time.Time) (Event, bool) {
	if !xerrors.ShouldAlert(err) {
		return Event{}, false
	}
	return Event{
		Code:       err.Code(),
		Message:    err.Message(),
		Severity:   xerrors.SeverityOf(err),
		Tick:       tick,
		Metadata:   err.Metadata(),
		OccurredAt: at.UTC(),
	}, true
}
