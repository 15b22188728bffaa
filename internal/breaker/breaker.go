package breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "DeFi-Sentry/internal/errors"
	"DeFi-Sentry/pkg/logger"
)

// FailureRecord 记录一次失败的链上操作，创建后不可修改。
type FailureRecord struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Tick   uint64    `json:"tick"`
	Source string    `json:"source,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Config 描述熔断器的阈值，全部来自配置文件。
type Config struct {
	// Window 是统计失败次数的滑动窗口。
	Window time.Duration
	// HaltCeiling 窗口内失败总数达到该值时停止进程。
	HaltCeiling int
	// MaxConsecutiveFailingTicks 连续多少个 tick 出现失败时停止进程。
	MaxConsecutiveFailingTicks int
	// Capacity 窗口历史最多保留的记录数。
	Capacity int
}

// Status 是熔断器对外暴露的只读快照。
type Status struct {
	ContinueRunning  bool      `json:"continue_running"`
	WindowFailures   int       `json:"window_failures"`
	PendingFailures  int       `json:"pending_failures"`
	ConsecutiveTicks int       `json:"consecutive_failing_ticks"`
	Epoch            uint64    `json:"epoch"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	LastFailureAt    time.Time `json:"last_failure_at,omitempty"`
}

// Breaker 跟踪最近的交易失败，决定是否允许执行有风险的操作，并持有进程级的停止开关。
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	history       []FailureRecord
	pending       []FailureRecord
	epoch         uint64
	lastEvaluated uint64
	evaluated     bool
	streak        int
	haltReason    string

	continueRunning atomic.Bool
}

// Option 定义可选配置。
type Option func(*Breaker)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New 校验配置并创建熔断器。
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if cfg.Window <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "熔断窗口必须大于 0")
	}
	if cfg.HaltCeiling <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "停止阈值必须大于 0")
	}
	if cfg.MaxConsecutiveFailingTicks <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "连续失败 tick 上限必须大于 0")
	}
	if cfg.Capacity < cfg.HaltCeiling {
		cfg.Capacity = cfg.HaltCeiling
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.continueRunning.Store(true)
	return b, nil
}

// IsAllowingOperations 当窗口内的失败数严格小于 threshold 时返回 true，不修改状态。
func (b *Breaker) IsAllowingOperations(threshold int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windowCountLocked() < threshold
}

// RecordFailure 追加一条失败记录，永不失败。
func (b *Breaker) RecordFailure(rec FailureRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.At.IsZero() {
		rec.At = b.now()
	}
	rec.Tick = b.epoch
	b.pending = append(b.pending, rec)
	b.history = append(b.history, rec)
	if over := len(b.history) - b.cfg.Capacity; over > 0 {
		b.history = append([]FailureRecord(nil), b.history[over:]...)
	}
}

// DrainFailures 按到达顺序返回自上次调用以来的全部失败记录并清空待处理队列。
// 窗口历史不受影响，它只随时间过期。
func (b *Breaker) DrainFailures() []FailureRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.pending
	b.pending = nil
	b.epoch++
	if drained == nil {
		return []FailureRecord{}
	}
	return drained
}

// Update 重新评估失败压力，超过上限时触发停止开关。仅在本 tick 有失败时调用。
func (b *Breaker) Update() {
	b.mu.Lock()
	inWindow := b.windowCountLocked()

	latest, seen := b.latestTickLocked()
	if seen {
		switch {
		case b.evaluated && latest == b.lastEvaluated:
		case b.evaluated && latest == b.lastEvaluated+1:
			b.streak++
		default:
			b.streak = 1
		}
		b.lastEvaluated = latest
		b.evaluated = true
	}
	streak := b.streak
	b.mu.Unlock()

	switch {
	case inWindow >= b.cfg.HaltCeiling:
		b.Halt("窗口内失败次数超过上限")
	case streak >= b.cfg.MaxConsecutiveFailingTicks:
		b.Halt("连续多个 tick 出现失败")
	}
}

// ContinueRunning 是控制循环的终止条件，可被任意组件读取。
func (b *Breaker) ContinueRunning() bool {
	return b.continueRunning.Load()
}

// Halt 将停止开关置为 false。只能从 true 变为 false，重复调用无副作用。
func (b *Breaker) Halt(reason string) {
	if !b.continueRunning.CompareAndSwap(true, false) {
		return
	}
	b.mu.Lock()
	b.haltReason = reason
	inWindow := b.windowCountLocked()
	streak := b.streak
	b.mu.Unlock()

	logger.L().Error("熔断器停止运行",
		slog.String("reason", reason),
		slog.Int("window_failures", inWindow),
		slog.Int("consecutive_failing_ticks", streak),
	)
}

// Snapshot 返回当前状态的只读副本。
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		ContinueRunning:  b.continueRunning.Load(),
		WindowFailures:   b.windowCountLocked(),
		PendingFailures:  len(b.pending),
		ConsecutiveTicks: b.streak,
		Epoch:            b.epoch,
		HaltReason:       b.haltReason,
	}
	if n := len(b.history); n > 0 {
		status.LastFailureAt = b.history[n-1].At
	}
	return status
}

func (b *Breaker) windowCountLocked() int {
	cutoff := b.now().Add(-b.cfg.Window)
	count := 0
	for _, rec := range b.history {
		if rec.At.After(cutoff) {
			count++
		}
	}
	return count
}

func (b *Breaker) latestTickLocked() (uint64, bool) {
	if len(b.history) == 0 {
		return 0, false
	}
	return b.history[len(b.history)-1].Tick, true
}
