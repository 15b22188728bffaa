package opportunity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"DeFi-Sentry/internal/balance"
	"DeFi-Sentry/internal/txn"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/pkg/logger"
)

// LenderConfig 描述闲置稳定币的存入规则。
type LenderConfig struct {
	Name   string
	Market common.Address
	// Reserve 保留在钱包中、不存入借贷市场的稳定币数量。
	Reserve    *big.Int
	MinDeposit *big.Int
}

// CompoundLender 将超过保留额度的稳定币存入 Compound cToken。
type CompoundLender struct {
	cfg       LenderConfig
	caller    web3.Caller
	submitter Submitter
}

// NewCompoundLender 创建借贷存入动作。
func NewCompoundLender(cfg LenderConfig, caller web3.Caller, submitter Submitter) *CompoundLender {
	if cfg.Name == "" {
		cfg.Name = "compound"
	}
	if cfg.Reserve == nil {
		cfg.Reserve = new(big.Int)
	}
	if cfg.MinDeposit == nil || cfg.MinDeposit.Sign() <= 0 {
		cfg.MinDeposit = big.NewInt(1)
	}
	return &CompoundLender{cfg: cfg, caller: caller, submitter: submitter}
}

// Name 返回借贷市场名称。
func (l *CompoundLender) Name() string { return l.cfg.Name }

// TryDeposit 存入闲置稳定币。mint 在链上以返回码而不是回滚表示失败，
// 因此发送前先用 eth_call 预演。
func (l *CompoundLender) TryDeposit(ctx context.Context, snapshot balance.Snapshot) error {
	idle := new(big.Int)
	if snapshot.Stable != nil {
		idle.Sub(snapshot.Stable, l.cfg.Reserve)
	}
	if idle.Cmp(l.cfg.MinDeposit) < 0 {
		return Skip("%s: 闲置稳定币不足", l.cfg.Name)
	}

	data, err := CTokenABI.Pack("mint", idle)
	if err != nil {
		return err
	}
	raw, err := l.caller.CallContract(ctx, gethcore.CallMsg{From: l.submitter.From(), To: &l.cfg.Market, Data: data})
	if err != nil {
		return fmt.Errorf("%s: 预演 mint 失败: %w", l.cfg.Name, err)
	}
	out, err := CTokenABI.Unpack("mint", raw)
	if err != nil {
		return fmt.Errorf("%s: 解码 mint 结果失败: %w", l.cfg.Name, err)
	}
	if code, ok := out[0].(*big.Int); !ok || code.Sign() != 0 {
		return fmt.Errorf("%s: mint 预演返回错误码 %v", l.cfg.Name, out[0])
	}

	receipt, err := l.submitter.Submit(ctx, txn.Request{Label: "lend:" + l.cfg.Name, To: l.cfg.Market, Data: data})
	if err != nil {
		return declinedAsSkip(err)
	}
	logger.Named("lending").Info("闲置稳定币已存入",
		slog.String("market", l.cfg.Name),
		slog.String("amount", idle.String()),
		slog.String("tx", receipt.Hash.Hex()),
	)
	return nil
}
