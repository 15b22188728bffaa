// Package web3test provides an in-memory web3.Client for tests that need
// scripted chain responses without a simulated backend.
package web3test

import (
	"context"
	"errors"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"DeFi-Sentry/internal/web3"
)

// CallHandler answers eth_call requests sent to one contract address.
type CallHandler func(data []byte) ([]byte, error)

// Client is a scripted chain. Zero values are usable; exported fields may be
// set before the client is shared with the code under test.
type Client struct {
	ChainIDValue  *big.Int
	BlockNumber   uint64
	GasEstimate   uint64
	GasPrice      *big.Int
	ReceiptStatus uint64
	// PendingPolls is how many receipt lookups report NotFound before the
	// receipt appears.
	PendingPolls int

	BalanceErr  error
	NonceErr    error
	EstimateErr error
	SendErr     error

	mu       sync.Mutex
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	handlers map[common.Address]CallHandler
	sent     []*types.Transaction
	polls    map[common.Hash]int
	calls    int
}

var _ web3.Client = (*Client)(nil)

// New returns a client on chain 1337 whose transactions succeed.
func New() *Client {
	return &Client{
		ChainIDValue:  big.NewInt(1337),
		GasEstimate:   100_000,
		GasPrice:      big.NewInt(1_000_000_000),
		ReceiptStatus: types.ReceiptStatusSuccessful,
	}
}

// SetBalance sets the native balance of account.
func (c *Client) SetBalance(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances == nil {
		c.balances = make(map[common.Address]*big.Int)
	}
	c.balances[account] = new(big.Int).Set(wei)
}

// Handle routes eth_call requests for contract to handler.
func (c *Client) Handle(contract common.Address, handler CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[common.Address]CallHandler)
	}
	c.handlers[contract] = handler
}

// Sent returns the transactions accepted by SendTransaction.
func (c *Client) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Calls returns how many eth_call requests were served.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "web3test", ChainID: c.ChainIDValue.String(), BlockNumber: c.BlockNumber}, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ChainIDValue), nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	if msg.To == nil {
		return nil, errors.New("web3test: call without target")
	}
	c.mu.Lock()
	handler, ok := c.handlers[*msg.To]
	c.calls++
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("web3test: no handler for " + msg.To.Hex())
	}
	return handler(msg.Data)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if c.NonceErr != nil {
		return 0, c.NonceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.GasEstimate, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	signer := types.LatestSignerForChainID(c.ChainIDValue)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonces == nil {
		c.nonces = make(map[common.Address]uint64)
	}
	c.nonces[from] = tx.Nonce() + 1
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, tx := range c.sent {
		if tx.Hash() == hash {
			found = true
			break
		}
	}
	if !found {
		return nil, gethcore.NotFound
	}
	if c.polls == nil {
		c.polls = make(map[common.Hash]int)
	}
	if c.polls[hash] < c.PendingPolls {
		c.polls[hash]++
		return nil, gethcore.NotFound
	}
	c.BlockNumber++
	return &types.Receipt{
		Status:      c.ReceiptStatus,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(c.BlockNumber),
		GasUsed:     21_000,
	}, nil
}

func (c *Client) Close() {}
