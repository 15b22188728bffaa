// Package oracle reads the reference ETH/USD price from a MakerDAO style
// Medianizer contract.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"DeFi-Sentry/internal/web3"
)

const medianizerABI = `[
 {"constant":true,"inputs":[],"name":"peek","outputs":[{"name":"","type":"bytes32"},{"name":"","type":"bool"}],"type":"function"}
]`

// ABI 是 Medianizer 的接口定义。
var ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(medianizerABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ErrInvalidPrice 表示预言机当前没有有效价格。
var ErrInvalidPrice = errors.New("medianizer price is not valid")

// Medianizer 读取以 1e18 为精度的参考价格。
type Medianizer struct {
	address common.Address
	caller  web3.Caller
}

// NewMedianizer 创建预言机读取器。
func NewMedianizer(address common.Address, caller web3.Caller) *Medianizer {
	return &Medianizer{address: address, caller: caller}
}

// Price 返回每单位原生资产对应的稳定币数量（18 位精度）。
func (m *Medianizer) Price(ctx context.Context) (*big.Int, error) {
	data, err := ABI.Pack("peek")
	if err != nil {
		return nil, err
	}
	raw, err := m.caller.CallContract(ctx, gethcore.CallMsg{To: &m.address, Data: data})
	if err != nil {
		return nil, fmt.Errorf("读取预言机价格失败: %w", err)
	}
	out, err := ABI.Unpack("peek", raw)
	if err != nil {
		return nil, fmt.Errorf("解码预言机价格失败: %w", err)
	}
	value, ok := out[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("预言机返回了意外的类型 %T", out[0])
	}
	valid, _ := out[1].(bool)
	price := new(big.Int).SetBytes(value[:])
	if !valid || price.Sign() == 0 {
		return nil, ErrInvalidPrice
	}
	return price, nil
}
