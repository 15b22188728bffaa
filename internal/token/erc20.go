// Package token binds the ERC-20 calls the agent needs: balances, allowances
// and one-time router approvals.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"DeFi-Sentry/internal/txn"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/pkg/logger"
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
 {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// ABI 是解析后的 ERC-20 接口定义。
var ABI = mustParse(erc20ABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Submitter 发送交易，由 txn.Submitter 实现。
type Submitter interface {
	Submit(ctx context.Context, req txn.Request) (txn.Receipt, error)
}

// ERC20 是一个只依赖 eth_call 的代币绑定。
type ERC20 struct {
	symbol  string
	address common.Address
	caller  web3.Caller
}

// New 创建代币绑定。
func New(symbol string, address common.Address, caller web3.Caller) *ERC20 {
	return &ERC20{symbol: symbol, address: address, caller: caller}
}

// Symbol 返回配置中的代币名称。
func (t *ERC20) Symbol() string { return t.symbol }

// Address 返回合约地址。
func (t *ERC20) Address() common.Address { return t.address }

// BalanceOf 查询 owner 的余额。
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", owner)
}

// Allowance 查询 owner 授权给 spender 的额度。
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, spender)
}

// Decimals 查询代币精度。
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%s.decimals 返回了意外的类型 %T", t.symbol, out[0])
	}
	return decimals, nil
}

// ApproveRequest 构造 approve 交易。
func (t *ERC20) ApproveRequest(spender common.Address, amount *big.Int) (txn.Request, error) {
	data, err := ABI.Pack("approve", spender, amount)
	if err != nil {
		return txn.Request{}, fmt.Errorf("编码 approve 失败: %w", err)
	}
	return txn.Request{
		Label: fmt.Sprintf("approve:%s", t.symbol),
		To:    t.address,
		Data:  data,
	}, nil
}

// EnsureApproval 在授权额度低于 needed 时授予 spender 无限额度。
// 返回是否发送了授权交易。
func EnsureApproval(ctx context.Context, token *ERC20, owner, spender common.Address, needed *big.Int, submitter Submitter) (bool, error) {
	allowance, err := token.Allowance(ctx, owner, spender)
	if err != nil {
		return false, err
	}
	if needed == nil {
		needed = new(big.Int).Rsh(math.MaxBig256, 1)
	}
	if allowance.Cmp(needed) >= 0 {
		return false, nil
	}

	req, err := token.ApproveRequest(spender, math.MaxBig256)
	if err != nil {
		return false, err
	}
	receipt, err := submitter.Submit(ctx, req)
	if err != nil {
		return false, fmt.Errorf("授权 %s 给 %s 失败: %w", token.symbol, spender.Hex(), err)
	}
	logger.Named("token").Info("已授权代币",
		slog.String("token", token.symbol),
		slog.String("spender", spender.Hex()),
		slog.String("tx", receipt.Hash.Hex()),
	)
	return true, nil
}

func (t *ERC20) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := t.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s.%s 返回了意外的类型 %T", t.symbol, method, out[0])
	}
	return value, nil
}

func (t *ERC20) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 失败: %w", method, err)
	}
	raw, err := t.caller.CallContract(ctx, gethcore.CallMsg{To: &t.address, Data: data})
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", t.symbol, method, err)
	}
	out, err := ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s.%s 失败: %w", t.symbol, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s.%s 没有返回值", t.symbol, method)
	}
	return out, nil
}
