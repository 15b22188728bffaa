package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"DeFi-Sentry/internal/balance"
	"DeFi-Sentry/internal/breaker"
	xerrors "DeFi-Sentry/internal/errors"
	"DeFi-Sentry/internal/gas"
	"DeFi-Sentry/internal/opportunity"
	"DeFi-Sentry/pkg/logger"
)

// ErrHalted 表示熔断器的停止开关已触发，循环正常退出。
var ErrHalted = xerrors.New(xerrors.CodeBreakerHalted, "熔断器停止开关已触发，代理停止")

// Ledger 是控制循环依赖的余额账本。
type Ledger interface {
	Refresh(ctx context.Context, maxAge time.Duration) error
	HasSufficientGasBalance() bool
	Snapshot() balance.Snapshot
	// Invalidate 让下一次 Refresh 立即重新读取余额。
	Invalidate()
}

// Config 描述控制循环的节奏与阈值。
type Config struct {
	// Threshold 传给 IsAllowingOperations 的失败阈值。
	Threshold      int
	TickInterval   time.Duration
	BalanceMaxAge  time.Duration
	RefreshTimeout time.Duration
	ActionTimeout  time.Duration
}

// Outcome 是单个动作的执行结果。
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// ActionResult 记录一次动作调用。
type ActionResult struct {
	Provider string        `json:"provider"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TickReport 汇总一个 tick 的执行情况，交给观察者与状态接口。
type TickReport struct {
	Tick          uint64                  `json:"tick"`
	StartedAt     time.Time               `json:"started_at"`
	Duration      time.Duration           `json:"duration"`
	RefreshError  string                  `json:"refresh_error,omitempty"`
	Halted        bool                    `json:"halted"`
	Allowed       bool                    `json:"allowed"`
	GasSufficient bool                    `json:"gas_sufficient"`
	Actions       []ActionResult          `json:"actions,omitempty"`
	Failures      []breaker.FailureRecord `json:"failures,omitempty"`
	FeeBid        *big.Int                `json:"fee_bid_wei"`
	Breaker       breaker.Status          `json:"breaker"`
}

// Observer 在每个 tick 结束后收到报告。实现不应长时间阻塞。
type Observer interface {
	ObserveTick(ctx context.Context, report TickReport)
}

// ObserverFunc 将函数适配为 Observer。
type ObserverFunc func(ctx context.Context, report TickReport)

// ObserveTick 实现 Observer。
func (f ObserverFunc) ObserveTick(ctx context.Context, report TickReport) { f(ctx, report) }

// Engine 是唯一知道执行顺序与节奏的顶层驱动。
type Engine struct {
	cfg       Config
	ledger    Ledger
	breaker   *breaker.Breaker
	fees      *gas.Policy
	providers []opportunity.Provider
	observers []Observer
	now       func() time.Time
	log       *slog.Logger

	ticks atomic.Uint64

	mu   sync.RWMutex
	last *TickReport
}

// Option 定义可选配置。
type Option func(*Engine)

// WithObservers 追加 tick 观察者。
func WithObservers(observers ...Observer) Option {
	return func(e *Engine) {
		for _, o := range observers {
			if o != nil {
				e.observers = append(e.observers, o)
			}
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 创建控制循环。
func New(cfg Config, ledger Ledger, br *breaker.Breaker, fees *gas.Policy, set *opportunity.Set, opts ...Option) (*Engine, error) {
	if ledger == nil || br == nil || fees == nil || set == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "控制循环缺少依赖")
	}
	if cfg.Threshold <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "失败阈值必须大于 0")
	}
	if cfg.TickInterval <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tick 间隔必须大于 0")
	}
	e := &Engine{
		cfg:       cfg,
		ledger:    ledger,
		breaker:   br,
		fees:      fees,
		providers: set.Providers(),
		now:       time.Now,
		log:       logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Run 持续执行 tick，直到停止开关触发（返回 ErrHalted）或 ctx 被取消（返回 ctx.Err()）。
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("控制循环启动",
		slog.Int("providers", len(e.providers)),
		slog.Duration("interval", e.cfg.TickInterval),
		slog.Int("threshold", e.cfg.Threshold),
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		report := e.Tick(ctx)
		if report.Halted || !e.breaker.ContinueRunning() {
			e.log.Error("停止开关已触发，控制循环退出", slog.Uint64("tick", report.Tick))
			return ErrHalted
		}
		if err := e.sleep(ctx); err != nil {
			e.log.Info("收到取消信号，控制循环退出", slog.Uint64("tick", report.Tick))
			return err
		}
	}
}

// Tick 执行恰好一个 tick。
func (e *Engine) Tick(ctx context.Context) TickReport {
	report := TickReport{
		Tick:      e.ticks.Add(1),
		StartedAt: e.now(),
	}

	e.refresh(ctx, &report)

	if !e.breaker.ContinueRunning() {
		report.Halted = true
		e.finish(ctx, &report)
		return report
	}

	report.Allowed = e.breaker.IsAllowingOperations(e.cfg.Threshold)
	if report.Allowed {
		report.GasSufficient = e.ledger.HasSufficientGasBalance()
		if report.GasSufficient {
			snapshot := e.ledger.Snapshot()
			moved := false
			for _, p := range e.providers {
				if ctx.Err() != nil {
					break
				}
				result := e.dispatch(ctx, p, snapshot)
				moved = moved || result.Outcome == OutcomeSucceeded
				report.Actions = append(report.Actions, result)
			}
			// 本轮快照保持只读；成交后的余额由下一个 tick 的刷新读取。
			if moved {
				e.ledger.Invalidate()
			}
		} else {
			e.log.Warn("原生资产不足以支付 gas，本轮跳过所有动作",
				slog.Uint64("tick", report.Tick),
				slog.String("code", string(xerrors.CodeInsufficientBalance)),
			)
		}
	} else {
		e.log.Warn("失败过多，熔断器暂停动作", slog.Uint64("tick", report.Tick))
	}

	report.Failures = e.breaker.DrainFailures()
	if len(report.Failures) > 0 {
		e.breaker.Update()
		e.fees.UpdateFailedTransactions(report.Failures)
	} else {
		e.fees.Relax()
	}

	e.finish(ctx, &report)
	return report
}

// LastReport 返回最近一个 tick 的报告。
func (e *Engine) LastReport() (TickReport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return TickReport{}, false
	}
	return *e.last, true
}

// Providers 返回按执行顺序排列的动作名称。
func (e *Engine) Providers() []string {
	names := make([]string, len(e.providers))
	for i, p := range e.providers {
		names[i] = p.Name()
	}
	return names
}

func (e *Engine) refresh(ctx context.Context, report *TickReport) {
	rctx := ctx
	if e.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.cfg.RefreshTimeout)
		defer cancel()
	}
	if err := e.ledger.Refresh(rctx, e.cfg.BalanceMaxAge); err != nil {
		report.RefreshError = err.Error()
		e.log.Warn("刷新余额失败，使用上一次的快照", slog.Any("error", err))
	}
}

func (e *Engine) dispatch(ctx context.Context, p opportunity.Provider, snapshot balance.Snapshot) ActionResult {
	started := e.now()
	err := e.try(ctx, p, snapshot)
	result := ActionResult{Provider: p.Name(), Duration: e.now().Sub(started)}

	switch {
	case err == nil:
		result.Outcome = OutcomeSucceeded
	case opportunity.IsSkip(err):
		result.Outcome = OutcomeSkipped
		result.Detail = err.Error()
		e.log.Debug("动作跳过", slog.String("provider", p.Name()), slog.String("reason", err.Error()))
	case ctx.Err() != nil && stdErrors.Is(err, ctx.Err()):
		result.Outcome = OutcomeSkipped
		result.Detail = "cancelled"
	default:
		result.Outcome = OutcomeFailed
		result.Detail = err.Error()
		e.breaker.RecordFailure(breaker.FailureRecord{
			ID:     failureID(err, p.Name()),
			Source: p.Name(),
			Reason: err.Error(),
		})
		e.log.Warn("动作失败",
			slog.String("provider", p.Name()),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Bool("retryable", xerrors.RetryableError(err)),
			slog.Any("error", err),
		)
	}
	return result
}

// try 调用动作并把 panic 转换为错误，保证一个动作的异常不会中断本轮其它动作。
// 单个动作超出 ActionTimeout 时错误带 CodeTimeout。
func (e *Engine) try(ctx context.Context, p opportunity.Provider, snapshot balance.Snapshot) (err error) {
	actx := ctx
	if e.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("动作 %s panic: %v", p.Name(), r)
		}
	}()
	err = p.Try(actx, snapshot)
	if err != nil && ctx.Err() == nil && stdErrors.Is(actx.Err(), context.DeadlineExceeded) && !opportunity.IsSkip(err) {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("动作 %s 超时", p.Name()))
	}
	return err
}

func (e *Engine) finish(ctx context.Context, report *TickReport) {
	report.FeeBid = e.fees.CurrentFee()
	report.Breaker = e.breaker.Snapshot()
	report.Duration = e.now().Sub(report.StartedAt)

	stored := *report
	e.mu.Lock()
	e.last = &stored
	e.mu.Unlock()

	for _, o := range e.observers {
		o.ObserveTick(ctx, *report)
	}
}

// sleep 在 tick 之间等待；醒来后再次检查 ctx，取消信号不会被吞掉。
func (e *Engine) sleep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(e.cfg.TickInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return ctx.Err()
}

// failureID 优先使用错误携带的交易标识（哈希或 nonce），否则使用动作名称。
func failureID(err error, fallback string) string {
	var identified interface{ FailureID() string }
	if stdErrors.As(err, &identified) {
		if id := identified.FailureID(); id != "" {
			return id
		}
	}
	return fallback
}
