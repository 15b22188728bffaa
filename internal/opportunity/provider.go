// Package opportunity defines the action providers the control loop invokes
// each tick, and the ordered set that fixes their priority.
package opportunity

import (
	"context"
	"errors"
	"fmt"

	"DeFi-Sentry/internal/balance"
)

// ErrSkipped 表示本次没有可执行的动作，不属于失败。
var ErrSkipped = errors.New("opportunity skipped")

// Skip 返回带原因的跳过错误。
func Skip(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSkipped, fmt.Sprintf(format, args...))
}

// IsSkip 判断错误是否表示跳过。
func IsSkip(err error) bool {
	return errors.Is(err, ErrSkipped)
}

// Provider 是控制循环统一调用的动作。每次调用最多提交一笔交易。
type Provider interface {
	Name() string
	Try(ctx context.Context, snapshot balance.Snapshot) error
}

// Market 是一个可以双向交易的市场。
type Market interface {
	Name() string
	TrySellIfProfitable(ctx context.Context, snapshot balance.Snapshot) error
	TryBuyIfProfitable(ctx context.Context, snapshot balance.Snapshot) error
}

// Lender 是一个可以存入闲置余额的借贷市场。
type Lender interface {
	Name() string
	TryDeposit(ctx context.Context, snapshot balance.Snapshot) error
}

type funcProvider struct {
	name string
	fn   func(ctx context.Context, snapshot balance.Snapshot) error
}

func (p funcProvider) Name() string { return p.name }

func (p funcProvider) Try(ctx context.Context, snapshot balance.Snapshot) error {
	return p.fn(ctx, snapshot)
}

// Func 将函数包装为 Provider。
func Func(name string, fn func(ctx context.Context, snapshot balance.Snapshot) error) Provider {
	return funcProvider{name: name, fn: fn}
}

// Sell 将市场的卖出检查包装为 Provider。
func Sell(m Market) Provider {
	return funcProvider{name: "sell:" + m.Name(), fn: m.TrySellIfProfitable}
}

// Buy 将市场的买入检查包装为 Provider。
func Buy(m Market) Provider {
	return funcProvider{name: "buy:" + m.Name(), fn: m.TryBuyIfProfitable}
}

// Deposit 将借贷存入检查包装为 Provider。
func Deposit(l Lender) Provider {
	return funcProvider{name: "lend:" + l.Name(), fn: l.TryDeposit}
}

// Priority 按固定顺序生成动作列表：每个市场先卖后买，最后是借贷存入。
func Priority(markets []Market, lender Lender) []Provider {
	out := make([]Provider, 0, 2*len(markets)+1)
	for _, m := range markets {
		out = append(out, Sell(m), Buy(m))
	}
	if lender != nil {
		out = append(out, Deposit(lender))
	}
	return out
}

// Set 是显式有序的动作列表，控制循环按此顺序逐个调用。
type Set struct {
	providers []Provider
}

// NewSet 校验并固定动作顺序，名称必须唯一。
func NewSet(providers ...Provider) (*Set, error) {
	seen := make(map[string]struct{}, len(providers))
	list := make([]Provider, 0, len(providers))
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("第 %d 个动作为空", i)
		}
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("动作名称重复: %s", p.Name())
		}
		seen[p.Name()] = struct{}{}
		list = append(list, p)
	}
	return &Set{providers: list}, nil
}

// Providers 返回动作列表的副本。
func (s *Set) Providers() []Provider {
	if s == nil {
		return nil
	}
	return append([]Provider(nil), s.providers...)
}

// Names 返回按执行顺序排列的动作名称。
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// Len 返回动作数量。
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.providers)
}
