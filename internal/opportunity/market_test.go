package opportunity

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/balance"
	"DeFi-Sentry/internal/txn"
	"DeFi-Sentry/internal/web3/web3test"
)

var (
	routerAddr = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	daiAddr    = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	wethAddr   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	cDaiAddr   = common.HexToAddress("0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643")
	agentAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type recordingSubmitter struct {
	requests []txn.Request
	err      error
}

func (s *recordingSubmitter) From() common.Address { return agentAddr }

func (s *recordingSubmitter) Submit(ctx context.Context, req txn.Request) (txn.Receipt, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return txn.Receipt{}, s.err
	}
	return txn.Receipt{Hash: common.HexToHash("0xabc")}, nil
}

type fixedPrice struct{ wad *big.Int }

func (p fixedPrice) Price(ctx context.Context) (*big.Int, error) { return p.wad, nil }

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), wad) }

// scriptRouter quotes every path at rate (output units per input unit, 18 decimals both sides).
func scriptRouter(client *web3test.Client, rate func(in *big.Int, path []common.Address) *big.Int) {
	client.Handle(routerAddr, web3test.ABIHandler(RouterABI, map[string]web3test.Method{
		"getAmountsOut": func(args []interface{}) ([]interface{}, error) {
			in := args[0].(*big.Int)
			path := args[1].([]common.Address)
			return []interface{}{[]*big.Int{in, rate(in, path)}}, nil
		},
	}))
}

func newMarket(client *web3test.Client, sub *recordingSubmitter, price int64) *RouterMarket {
	m := NewRouterMarket(MarketConfig{
		Name:           "uniswap",
		Router:         routerAddr,
		Stable:         daiAddr,
		StableDecimals: 18,
		Wrapped:        wethAddr,
		MinEdgeBps:     50,
		SlippageBps:    30,
		MaxWrappedIn:   ether(2),
	}, client, sub, fixedPrice{wad: ether(price)})
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return m
}

func TestSellWhenRouterBeatsOracle(t *testing.T) {
	client := web3test.New()
	// Router pays 2020 DAI per WETH against an oracle price of 2000 (1% edge).
	scriptRouter(client, func(in *big.Int, _ []common.Address) *big.Int {
		return new(big.Int).Mul(in, big.NewInt(2020))
	})
	sub := &recordingSubmitter{}
	m := newMarket(client, sub, 2000)

	err := m.TrySellIfProfitable(context.Background(), balance.Snapshot{Wrapped: ether(5)})
	require.NoError(t, err)
	require.Len(t, sub.requests, 1)
	assert.Equal(t, "sell:uniswap", sub.requests[0].Label)
	assert.Equal(t, routerAddr, sub.requests[0].To)

	args, err := RouterABI.Methods["swapExactTokensForTokens"].Inputs.Unpack(sub.requests[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, 0, ether(2).Cmp(args[0].(*big.Int)), "amount capped at max_wrapped_in")
	wantMin := new(big.Int).Mul(ether(4040), big.NewInt(9970))
	wantMin.Quo(wantMin, big.NewInt(10_000))
	assert.Equal(t, 0, wantMin.Cmp(args[1].(*big.Int)))
	assert.Equal(t, []common.Address{wethAddr, daiAddr}, args[2].([]common.Address))
	assert.Equal(t, agentAddr, args[3].(common.Address))
	assert.Equal(t, int64(1_700_000_000+120), args[4].(*big.Int).Int64())
}

func TestSellSkipsBelowEdge(t *testing.T) {
	client := web3test.New()
	// 2005 vs 2000 is only 25 bps.
	scriptRouter(client, func(in *big.Int, _ []common.Address) *big.Int {
		return new(big.Int).Mul(in, big.NewInt(2005))
	})
	sub := &recordingSubmitter{}
	err := newMarket(client, sub, 2000).TrySellIfProfitable(context.Background(), balance.Snapshot{Wrapped: ether(1)})
	assert.True(t, IsSkip(err))
	assert.Empty(t, sub.requests)
}

func TestSellSkipsWithoutBalance(t *testing.T) {
	client := web3test.New()
	sub := &recordingSubmitter{}
	err := newMarket(client, sub, 2000).TrySellIfProfitable(context.Background(), balance.Snapshot{})
	assert.True(t, IsSkip(err))
	assert.Zero(t, client.Calls())
}

func TestBuyWhenRouterBeatsOracle(t *testing.T) {
	client := web3test.New()
	// 4000 DAI buys 2.1 WETH against an oracle expectation of 2.
	scriptRouter(client, func(in *big.Int, _ []common.Address) *big.Int {
		out := new(big.Int).Mul(in, big.NewInt(21))
		return out.Quo(out, big.NewInt(40_000))
	})
	sub := &recordingSubmitter{}
	err := newMarket(client, sub, 2000).TryBuyIfProfitable(context.Background(), balance.Snapshot{Stable: ether(4000)})
	require.NoError(t, err)
	require.Len(t, sub.requests, 1)
	assert.Equal(t, "buy:uniswap", sub.requests[0].Label)
}

func TestSubmitFailurePropagates(t *testing.T) {
	client := web3test.New()
	scriptRouter(client, func(in *big.Int, _ []common.Address) *big.Int {
		return new(big.Int).Mul(in, big.NewInt(3000))
	})
	boom := &txn.TxError{Label: "sell:uniswap", Nonce: 3, Err: errors.New("nonce too low")}
	sub := &recordingSubmitter{err: boom}
	err := newMarket(client, sub, 2000).TrySellIfProfitable(context.Background(), balance.Snapshot{Wrapped: ether(1)})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsSkip(err))
}

func TestDeclinedIsSkip(t *testing.T) {
	client := web3test.New()
	scriptRouter(client, func(in *big.Int, _ []common.Address) *big.Int {
		return new(big.Int).Mul(in, big.NewInt(3000))
	})
	sub := &recordingSubmitter{err: txn.ErrDeclined}
	err := newMarket(client, sub, 2000).TrySellIfProfitable(context.Background(), balance.Snapshot{Wrapped: ether(1)})
	assert.True(t, IsSkip(err))
}

func scriptCToken(client *web3test.Client, code int64) {
	client.Handle(cDaiAddr, web3test.ABIHandler(CTokenABI, map[string]web3test.Method{
		"mint": func(args []interface{}) ([]interface{}, error) {
			return []interface{}{big.NewInt(code)}, nil
		},
	}))
}

func TestDepositIdleAboveReserve(t *testing.T) {
	client := web3test.New()
	scriptCToken(client, 0)
	sub := &recordingSubmitter{}
	lender := NewCompoundLender(LenderConfig{Market: cDaiAddr, Reserve: ether(100), MinDeposit: ether(10)}, client, sub)

	require.NoError(t, lender.TryDeposit(context.Background(), balance.Snapshot{Stable: ether(150)}))
	require.Len(t, sub.requests, 1)
	assert.Equal(t, "lend:compound", sub.requests[0].Label)
	args, err := CTokenABI.Methods["mint"].Inputs.Unpack(sub.requests[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, 0, ether(50).Cmp(args[0].(*big.Int)))
}

func TestDepositSkipsBelowMinimum(t *testing.T) {
	client := web3test.New()
	sub := &recordingSubmitter{}
	lender := NewCompoundLender(LenderConfig{Market: cDaiAddr, Reserve: ether(100), MinDeposit: ether(10)}, client, sub)

	err := lender.TryDeposit(context.Background(), balance.Snapshot{Stable: ether(105)})
	assert.True(t, IsSkip(err))
	assert.Empty(t, sub.requests)
}

func TestDepositRejectsMintErrorCode(t *testing.T) {
	client := web3test.New()
	scriptCToken(client, 9)
	sub := &recordingSubmitter{}
	lender := NewCompoundLender(LenderConfig{Market: cDaiAddr}, client, sub)

	err := lender.TryDeposit(context.Background(), balance.Snapshot{Stable: ether(1)})
	require.Error(t, err)
	assert.False(t, IsSkip(err))
	assert.Empty(t, sub.requests)
}
