// Package wallet loads the agent's signing key from an encrypted keystore file.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Wallet 持有解密后的私钥，只用于签名交易。
type Wallet struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

// Load 读取 keystore 文件并使用 passwordEnv 指定的环境变量解密。
func Load(path, passwordEnv string) (*Wallet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("未配置 keystore 文件路径")
	}
	password, ok := os.LookupEnv(passwordEnv)
	if !ok {
		return nil, fmt.Errorf("环境变量 %s 未设置，无法解密 keystore", passwordEnv)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 keystore 失败: %w", err)
	}
	return Decrypt(content, password)
}

// Decrypt 使用口令解密 keystore JSON。
func Decrypt(keyJSON []byte, password string) (*Wallet, error) {
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("解密 keystore 失败: %w", err)
	}
	return &Wallet{address: key.Address, key: key.PrivateKey}, nil
}

// Address 返回钱包地址。
func (w *Wallet) Address() common.Address { return w.address }

// SignTx 使用链 ID 对应的最新签名器签名交易。
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("签名交易需要链 ID")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}
