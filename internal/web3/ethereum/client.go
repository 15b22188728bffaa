package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"DeFi-Sentry/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
	Guard   GuardConfig
}

// backend is the subset of ethclient.Client (and the simulated backend client)
// the agent relies on.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	backend backend
	guard   *guard
	closer  func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:    cfg.Name,
		notes:   cfg.Notes,
		backend: eth,
		guard:   newGuard(cfg.Name, cfg.Guard),
		closer:  eth.Close,
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		eth.Close()
		return nil, fmt.Errorf("链 %s 的 ID 为 %s，与配置的 %d 不一致", cfg.Name, chainID, cfg.ChainID)
	}
	return client, nil
}

// NewBackendClient wraps an already connected backend, such as the
// go-ethereum simulated backend client used in tests.
func NewBackendClient(name string, b backend, guardCfg GuardConfig) *Client {
	return &Client{
		name:    name,
		notes:   "preconnected backend",
		backend: b,
		guard:   newGuard(name, guardCfg),
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// GuardState reports the RPC circuit breaker state.
func (c *Client) GuardState() string { return c.guard.state() }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	var block uint64
	err = c.guard.do(ctx, "eth_blockNumber", func() error {
		var callErr error
		block, callErr = c.backend.BlockNumber(ctx)
		return callErr
	})
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     chainID.String(),
		BlockNumber: block,
		Notes:       c.notes,
	}, nil
}

// ChainID returns the chain id, cached after the first successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	var id *big.Int
	err := c.guard.do(ctx, "eth_chainId", func() error {
		var callErr error
		id, callErr = c.backend.ChainID(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// BalanceAt returns the native balance at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.guard.do(ctx, "eth_getBalance", func() error {
		var callErr error
		balance, callErr = c.backend.BalanceAt(ctx, account, nil)
		return callErr
	})
	return balance, err
}

// CallContract executes a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	var out []byte
	err := c.guard.do(ctx, "eth_call", func() error {
		var callErr error
		out, callErr = c.backend.CallContract(ctx, msg, nil)
		return callErr
	})
	return out, err
}

// PendingNonceAt returns the next nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.guard.do(ctx, "eth_getTransactionCount", func() error {
		var callErr error
		nonce, callErr = c.backend.PendingNonceAt(ctx, account)
		return callErr
	})
	return nonce, err
}

// EstimateGas estimates the gas needed for msg.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	var gas uint64
	err := c.guard.do(ctx, "eth_estimateGas", func() error {
		var callErr error
		gas, callErr = c.backend.EstimateGas(ctx, msg)
		return callErr
	})
	return gas, err
}

// SuggestGasPrice returns the node's legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.guard.do(ctx, "eth_gasPrice", func() error {
		var callErr error
		price, callErr = c.backend.SuggestGasPrice(ctx)
		return callErr
	})
	return price, err
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if tx == nil {
		return errors.New("没有可发送的交易")
	}
	return c.guard.do(ctx, "eth_sendRawTransaction", func() error {
		return c.backend.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt returns the receipt of a mined transaction, or an error
// wrapping ethereum.NotFound while it is pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	var receipt *coretypes.Receipt
	err := c.guard.do(ctx, "eth_getTransactionReceipt", func() error {
		var callErr error
		receipt, callErr = c.backend.TransactionReceipt(ctx, hash)
		return callErr
	})
	return receipt, err
}

// isChainRejection reports errors that came back from a healthy node: JSON-RPC
// errors (nonce too low, reverted, underpriced) and missing receipts.
func isChainRejection(err error) bool {
	if errors.Is(err, gethcore.NotFound) {
		return true
	}
	var rpcErr gethrpc.Error
	return errors.As(err, &rpcErr)
}
