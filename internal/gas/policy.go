package gas

import (
	"log/slog"
	"math/big"
	"sync"

	"DeFi-Sentry/internal/breaker"
	xerrors "DeFi-Sentry/internal/errors"
	"DeFi-Sentry/pkg/logger"
)

// Gwei 是 1 gwei 对应的 wei 数量。
var Gwei = big.NewInt(1_000_000_000)

// Config 描述出价区间与调整步长。
type Config struct {
	Minimum *big.Int
	Maximum *big.Int
	// IncreasePercent 每个失败批次在当前出价上提高的百分比。
	IncreasePercent int64
	// RelaxPercent 每个无失败的 tick 回落的百分比，0 表示不回落。
	RelaxPercent int64
}

// Policy 维护有界、随失败自适应的手续费出价。
type Policy struct {
	minimum  *big.Int
	maximum  *big.Int
	increase int64
	relax    int64

	mu      sync.RWMutex
	current *big.Int
}

// NewPolicy 校验配置并以最低价作为初始出价。
func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.Minimum == nil || cfg.Minimum.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "最低 gas 价格必须大于 0")
	}
	if cfg.Maximum == nil || cfg.Maximum.Cmp(cfg.Minimum) < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "最高 gas 价格不能低于最低价格")
	}
	if cfg.IncreasePercent <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "加价百分比必须大于 0")
	}
	if cfg.RelaxPercent < 0 || cfg.RelaxPercent >= 100 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "回落百分比必须在 [0, 100) 内")
	}
	return &Policy{
		minimum:  new(big.Int).Set(cfg.Minimum),
		maximum:  new(big.Int).Set(cfg.Maximum),
		increase: cfg.IncreasePercent,
		relax:    cfg.RelaxPercent,
		current:  new(big.Int).Set(cfg.Minimum),
	}, nil
}

// CurrentFee 返回当前出价的副本。
func (p *Policy) CurrentFee() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.current)
}

// Minimum 返回配置的最低出价。
func (p *Policy) Minimum() *big.Int { return new(big.Int).Set(p.minimum) }

// Maximum 返回配置的最高出价。
func (p *Policy) Maximum() *big.Int { return new(big.Int).Set(p.maximum) }

// UpdateFailedTransactions 在本 tick 有失败时按比例加价，结果不超过最高价。空批次不做任何事。
func (p *Policy) UpdateFailedTransactions(records []breaker.FailureRecord) {
	if len(records) == 0 {
		return
	}

	p.mu.Lock()
	previous := new(big.Int).Set(p.current)
	step := percentOf(p.current, p.increase)
	if step.Sign() == 0 {
		step.SetInt64(1)
	}
	p.current.Add(p.current, step)
	p.clampLocked()
	next := new(big.Int).Set(p.current)
	p.mu.Unlock()

	if previous.Cmp(next) != 0 {
		logger.L().Info("提高 gas 出价",
			slog.String("previous_wei", previous.String()),
			slog.String("current_wei", next.String()),
			slog.Int("failed", len(records)),
		)
	}
}

// Relax 在没有失败的 tick 之后让出价向最低价回落。
func (p *Policy) Relax() {
	if p.relax == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Cmp(p.minimum) == 0 {
		return
	}
	p.current.Sub(p.current, percentOf(p.current, p.relax))
	p.clampLocked()
}

func (p *Policy) clampLocked() {
	if p.current.Cmp(p.minimum) < 0 {
		p.current.Set(p.minimum)
	}
	if p.current.Cmp(p.maximum) > 0 {
		p.current.Set(p.maximum)
	}
}

func percentOf(value *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(value, big.NewInt(percent))
	return out.Quo(out, big.NewInt(100))
}

// FromGwei 将 gwei 数量换算为 wei。
func FromGwei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), Gwei)
}
