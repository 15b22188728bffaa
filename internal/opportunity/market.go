package opportunity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"DeFi-Sentry/internal/balance"
	"DeFi-Sentry/internal/txn"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/pkg/logger"
)

const bpsDenominator = 10_000

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Submitter 发送交易，由 txn.Submitter 实现。
type Submitter interface {
	From() common.Address
	Submit(ctx context.Context, req txn.Request) (txn.Receipt, error)
}

// PriceSource 提供 18 位精度的参考价格（每单位包装资产对应的稳定币）。
type PriceSource interface {
	Price(ctx context.Context) (*big.Int, error)
}

// MarketConfig 描述一个路由市场。
type MarketConfig struct {
	Name           string
	Router         common.Address
	Stable         common.Address
	StableDecimals int32
	Wrapped        common.Address
	// MinEdgeBps 路由报价相对参考价至少要好多少个基点才会交易。
	MinEdgeBps  int64
	SlippageBps int64
	// MaxStableIn/MaxWrappedIn 单笔交易的上限，nil 表示不限。
	MaxStableIn  *big.Int
	MaxWrappedIn *big.Int
	Deadline     time.Duration
}

// RouterMarket 将路由报价与预言机价格比较，差价超过阈值时通过单跳路径交易。
type RouterMarket struct {
	cfg       MarketConfig
	caller    web3.Caller
	submitter Submitter
	oracle    PriceSource
	now       func() time.Time
	log       *slog.Logger
}

// NewRouterMarket 创建路由市场。
func NewRouterMarket(cfg MarketConfig, caller web3.Caller, submitter Submitter, oracle PriceSource) *RouterMarket {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 2 * time.Minute
	}
	return &RouterMarket{
		cfg:       cfg,
		caller:    caller,
		submitter: submitter,
		oracle:    oracle,
		now:       time.Now,
		log:       logger.Named("market").With(slog.String("market", cfg.Name)),
	}
}

// Name 返回市场名称。
func (m *RouterMarket) Name() string { return m.cfg.Name }

// TrySellIfProfitable 当路由对包装资产的报价高于参考价时卖出包装资产换取稳定币。
func (m *RouterMarket) TrySellIfProfitable(ctx context.Context, snapshot balance.Snapshot) error {
	amountIn := capAmount(snapshot.Wrapped, m.cfg.MaxWrappedIn)
	if amountIn.Sign() == 0 {
		return Skip("%s: 没有可卖出的包装资产", m.cfg.Name)
	}
	price, err := m.oracle.Price(ctx)
	if err != nil {
		return err
	}
	path := []common.Address{m.cfg.Wrapped, m.cfg.Stable}
	quoted, err := m.quote(ctx, amountIn, path)
	if err != nil {
		return err
	}

	// 参考价值 = amountIn * price / 1e18，再换算到稳定币精度。
	reference := new(big.Int).Mul(amountIn, price)
	reference.Quo(reference, wad)
	reference = rescale(reference, 18, m.cfg.StableDecimals)

	if !m.beatsReference(quoted, reference) {
		return Skip("%s: 卖出报价 %s 未超过参考值 %s", m.cfg.Name, quoted, reference)
	}
	return m.swap(ctx, "sell:"+m.cfg.Name, amountIn, quoted, path)
}

// TryBuyIfProfitable 当路由对包装资产的报价低于参考价时用稳定币买入包装资产。
func (m *RouterMarket) TryBuyIfProfitable(ctx context.Context, snapshot balance.Snapshot) error {
	amountIn := capAmount(snapshot.Stable, m.cfg.MaxStableIn)
	if amountIn.Sign() == 0 {
		return Skip("%s: 没有可用的稳定币", m.cfg.Name)
	}
	price, err := m.oracle.Price(ctx)
	if err != nil {
		return err
	}
	path := []common.Address{m.cfg.Stable, m.cfg.Wrapped}
	quoted, err := m.quote(ctx, amountIn, path)
	if err != nil {
		return err
	}

	// 参考数量 = amountIn(18 位) * 1e18 / price。
	reference := rescale(amountIn, m.cfg.StableDecimals, 18)
	reference.Mul(reference, wad)
	reference.Quo(reference, price)

	if !m.beatsReference(quoted, reference) {
		return Skip("%s: 买入报价 %s 未超过参考值 %s", m.cfg.Name, quoted, reference)
	}
	return m.swap(ctx, "buy:"+m.cfg.Name, amountIn, quoted, path)
}

func (m *RouterMarket) beatsReference(quoted, reference *big.Int) bool {
	if reference.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Mul(quoted, big.NewInt(bpsDenominator))
	rhs := new(big.Int).Mul(reference, big.NewInt(bpsDenominator+m.cfg.MinEdgeBps))
	return lhs.Cmp(rhs) >= 0
}

func (m *RouterMarket) quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := RouterABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	raw, err := m.caller.CallContract(ctx, gethcore.CallMsg{To: &m.cfg.Router, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s: 获取报价失败: %w", m.cfg.Name, err)
	}
	out, err := RouterABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, fmt.Errorf("%s: 解码报价失败: %w", m.cfg.Name, err)
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("%s: 报价格式异常", m.cfg.Name)
	}
	return amounts[len(amounts)-1], nil
}

func (m *RouterMarket) swap(ctx context.Context, label string, amountIn, quoted *big.Int, path []common.Address) error {
	minOut := new(big.Int).Mul(quoted, big.NewInt(bpsDenominator-m.cfg.SlippageBps))
	minOut.Quo(minOut, big.NewInt(bpsDenominator))
	deadline := big.NewInt(m.now().Add(m.cfg.Deadline).Unix())

	data, err := RouterABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, m.submitter.From(), deadline)
	if err != nil {
		return err
	}
	receipt, err := m.submitter.Submit(ctx, txn.Request{Label: label, To: m.cfg.Router, Data: data})
	if err != nil {
		return declinedAsSkip(err)
	}
	m.log.Info("交易已上链",
		slog.String("action", label),
		slog.String("amount_in", amountIn.String()),
		slog.String("min_out", minOut.String()),
		slog.String("tx", receipt.Hash.Hex()),
	)
	return nil
}

func declinedAsSkip(err error) error {
	if errors.Is(err, txn.ErrDeclined) {
		return Skip("操作员拒绝了交易")
	}
	return err
}

func capAmount(available, limit *big.Int) *big.Int {
	if available == nil || available.Sign() <= 0 {
		return new(big.Int)
	}
	if limit != nil && limit.Sign() > 0 && available.Cmp(limit) > 0 {
		return new(big.Int).Set(limit)
	}
	return new(big.Int).Set(available)
}

func rescale(v *big.Int, from, to int32) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case from > to:
		return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	case from < to:
		return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	default:
		return out
	}
}
