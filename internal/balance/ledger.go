// Package balance aggregates the agent's holdings into immutable snapshots
// refreshed on a throttled cadence.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/pkg/logger"
)

// Snapshot 是某一时刻的持仓快照，读取时总是返回副本。
type Snapshot struct {
	Native        *big.Int
	Stable        *big.Int
	Wrapped       *big.Int
	LendingShares *big.Int
	BlockNumber   uint64
	RefreshedAt   time.Time
}

// Clone 深拷贝快照。
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Native:        cloneInt(s.Native),
		Stable:        cloneInt(s.Stable),
		Wrapped:       cloneInt(s.Wrapped),
		LendingShares: cloneInt(s.LendingShares),
		BlockNumber:   s.BlockNumber,
		RefreshedAt:   s.RefreshedAt,
	}
}

// Format 将余额换算为便于阅读的十进制字符串。
func (s Snapshot) Format(stableDecimals int32) map[string]string {
	return map[string]string{
		"native":         FormatUnits(s.Native, 18),
		"stable":         FormatUnits(s.Stable, stableDecimals),
		"wrapped":        FormatUnits(s.Wrapped, 18),
		"lending_shares": FormatUnits(s.LendingShares, 8),
	}
}

// FormatUnits 按精度格式化整数金额。
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// ParseUnits 将十进制字符串换算为最小单位整数。
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("解析金额 %q 失败: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("金额 %q 不能为负", s)
	}
	return d.Shift(decimals).BigInt(), nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// TokenReader 读取某个地址的代币余额。
type TokenReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// FeeSource 提供当前的 gas 出价。
type FeeSource interface {
	CurrentFee() *big.Int
}

// Config 描述账本需要跟踪的资产。
type Config struct {
	Owner             common.Address
	Stable            TokenReader
	Wrapped           TokenReader
	Lending           TokenReader
	GasLimitPerAction uint64
}

// Ledger 持有最新快照，刷新时整体替换。
type Ledger struct {
	client web3.Client
	cfg    Config
	fees   FeeSource
	now    func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot
	loaded   bool
}

// NewLedger 创建余额账本，首次 Refresh 之前快照为空。
func NewLedger(client web3.Client, fees FeeSource, cfg Config) *Ledger {
	return &Ledger{client: client, cfg: cfg, fees: fees, now: time.Now}
}

// Refresh 在快照早于 maxAge 时重新读取全部持仓。失败时保留旧快照。
func (l *Ledger) Refresh(ctx context.Context, maxAge time.Duration) error {
	l.mu.RLock()
	fresh := l.loaded && l.now().Sub(l.snapshot.RefreshedAt) < maxAge
	l.mu.RUnlock()
	if fresh {
		return nil
	}

	next := Snapshot{}
	var err error
	if next.Native, err = l.client.BalanceAt(ctx, l.cfg.Owner); err != nil {
		return fmt.Errorf("读取原生资产余额失败: %w", err)
	}
	if next.Stable, err = readToken(ctx, l.cfg.Stable, l.cfg.Owner); err != nil {
		return fmt.Errorf("读取稳定币余额失败: %w", err)
	}
	if next.Wrapped, err = readToken(ctx, l.cfg.Wrapped, l.cfg.Owner); err != nil {
		return fmt.Errorf("读取包装资产余额失败: %w", err)
	}
	if next.LendingShares, err = readToken(ctx, l.cfg.Lending, l.cfg.Owner); err != nil {
		return fmt.Errorf("读取借贷份额失败: %w", err)
	}
	if snap, err := l.client.FetchChainSnapshot(ctx); err == nil {
		next.BlockNumber = snap.BlockNumber
	}
	next.RefreshedAt = l.now()

	l.mu.Lock()
	l.snapshot = next
	l.loaded = true
	l.mu.Unlock()

	logger.Named("balance").Debug("余额已刷新",
		slog.String("native_wei", next.Native.String()),
		slog.String("stable", next.Stable.String()),
		slog.String("wrapped", next.Wrapped.String()),
		slog.Uint64("block", next.BlockNumber),
	)
	return nil
}

// Invalidate 标记快照已过期，下一次 Refresh 无视 maxAge 重新读取。
// 旧快照仍可读取，但在重新刷新成功前 HasSufficientGasBalance 返回 false。
func (l *Ledger) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

// Snapshot 返回最新快照的副本。
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot.Clone()
}

// HasSufficientGasBalance 判断原生资产是否足以按当前出价支付至少一个动作的 gas。
// 从未成功刷新时返回 false。
func (l *Ledger) HasSufficientGasBalance() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.loaded || l.snapshot.Native == nil {
		return false
	}
	return l.snapshot.Native.Cmp(l.RequiredGas()) >= 0
}

// RequiredGas 返回一个动作按当前出价所需的最低原生资产。
func (l *Ledger) RequiredGas() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(l.cfg.GasLimitPerAction), l.fees.CurrentFee())
}

func readToken(ctx context.Context, reader TokenReader, owner common.Address) (*big.Int, error) {
	if reader == nil {
		return new(big.Int), nil
	}
	return reader.BalanceOf(ctx, owner)
}
