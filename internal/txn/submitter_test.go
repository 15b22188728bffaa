package txn

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DeFi-Sentry/internal/errors"
	"DeFi-Sentry/internal/web3/web3test"
)

type testSigner struct {
	address common.Address
	sign    func(*types.Transaction, *big.Int) (*types.Transaction, error)
}

func (s testSigner) Address() common.Address { return s.address }

func (s testSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.sign(tx, chainID)
}

func newSigner(t *testing.T) testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return testSigner{
		address: crypto.PubkeyToAddress(key.PublicKey),
		sign: func(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
			return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		},
	}
}

type fixedFee struct{ wei *big.Int }

func (f fixedFee) CurrentFee() *big.Int { return new(big.Int).Set(f.wei) }

type scriptedConfirmer struct {
	answer bool
	err    error
	asked  int
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, summary string) (bool, error) {
	c.asked++
	return c.answer, c.err
}

var router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")

func TestSubmitUsesCurrentFeeAndWaitsForReceipt(t *testing.T) {
	client := web3test.New()
	client.PendingPolls = 2
	signer := newSigner(t)
	fee := big.NewInt(7_000_000_000)

	s := NewSubmitter(client, signer, fixedFee{wei: fee}, WithReceiptPolling(time.Millisecond), WithGasHeadroom(10))
	receipt, err := s.Submit(context.Background(), Request{Label: "sell:uniswap", To: router, Data: []byte{0x01, 0x02}})
	require.NoError(t, err)

	sent := client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, fee, sent[0].GasPrice())
	assert.Equal(t, uint64(110_000), sent[0].Gas())
	assert.Equal(t, router, *sent[0].To())
	assert.Equal(t, sent[0].Hash(), receipt.Hash)
	assert.Equal(t, uint64(0), receipt.Nonce)
	assert.Equal(t, fee, receipt.FeeBid)
}

func TestSubmitIncrementsNonce(t *testing.T) {
	client := web3test.New()
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)}, WithReceiptPolling(time.Millisecond))

	for i := 0; i < 2; i++ {
		_, err := s.Submit(context.Background(), Request{Label: "lend", To: router, GasLimit: 50_000})
		require.NoError(t, err)
	}
	sent := client.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, uint64(1), sent[1].Nonce())
	assert.Equal(t, uint64(50_000), sent[1].Gas())
}

func TestSubmitRejectedCarriesHash(t *testing.T) {
	client := web3test.New()
	client.SendErr = errors.New("replacement transaction underpriced")
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)})

	_, err := s.Submit(context.Background(), Request{Label: "buy:sushi", To: router})
	require.Error(t, err)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.NotEqual(t, common.Hash{}, txErr.Hash)
	assert.Equal(t, txErr.Hash.Hex(), txErr.FailureID())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTxFailure))
}

func TestSubmitEstimateFailureUsesNonce(t *testing.T) {
	client := web3test.New()
	client.EstimateErr = errors.New("execution reverted")
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)})

	_, err := s.Submit(context.Background(), Request{Label: "sell:uniswap", To: router})
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "nonce:0", txErr.FailureID())
	assert.Empty(t, client.Sent())
}

func TestSubmitRevertedReceipt(t *testing.T) {
	client := web3test.New()
	client.ReceiptStatus = types.ReceiptStatusFailed
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)}, WithReceiptPolling(time.Millisecond))

	_, err := s.Submit(context.Background(), Request{Label: "sell:uniswap", To: router})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTxReverted))
}

func TestSubmitStopsWaitingOnCancel(t *testing.T) {
	client := web3test.New()
	client.PendingPolls = 1 << 30
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)}, WithReceiptPolling(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, Request{Label: "sell:uniswap", To: router})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, client.Sent(), 1)
}

func TestSubmitConfirmation(t *testing.T) {
	client := web3test.New()
	declined := &scriptedConfirmer{answer: false}
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)},
		WithPermissions(Permissions{RequireConfirmation: true}),
		WithConfirmer(declined),
	)
	_, err := s.Submit(context.Background(), Request{Label: "lend", To: router})
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Equal(t, 1, declined.asked)
	assert.Empty(t, client.Sent())

	broken := &scriptedConfirmer{err: errors.New("stdin closed")}
	s = NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)},
		WithPermissions(Permissions{RequireConfirmation: true}),
		WithConfirmer(broken),
	)
	_, err = s.Submit(context.Background(), Request{Label: "lend", To: router})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotPermitted))
}

func TestSubmitRingsBell(t *testing.T) {
	client := web3test.New()
	var bell bytes.Buffer
	s := NewSubmitter(client, newSigner(t), fixedFee{wei: big.NewInt(1)},
		WithPermissions(Permissions{PlaySound: true}),
		WithBell(&bell),
		WithReceiptPolling(time.Millisecond),
	)
	_, err := s.Submit(context.Background(), Request{Label: "lend", To: router})
	require.NoError(t, err)
	assert.Equal(t, "\a", bell.String())
}
