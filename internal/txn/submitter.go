// Package txn signs and submits transactions using the current fee bid and
// waits for them to be mined.
package txn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "DeFi-Sentry/internal/errors"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/pkg/logger"
)

// Signer 提供发送地址与交易签名能力。
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// FeeSource 提供当前的 gas 出价。
type FeeSource interface {
	CurrentFee() *big.Int
}

// Request 描述一笔待发送的合约调用。
type Request struct {
	Label    string
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt 是已上链交易的摘要。
type Receipt struct {
	Hash        common.Hash `json:"hash"`
	Nonce       uint64      `json:"nonce"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
	FeeBid      *big.Int    `json:"fee_bid"`
}

// Permissions 对应交易发送前的操作员交互。
type Permissions struct {
	RequireConfirmation bool
	PlaySound           bool
}

// Submitter 串行地签名、发送交易并等待回执。
type Submitter struct {
	client web3.Client
	signer Signer
	fees   FeeSource

	permissions   Permissions
	confirmer     Confirmer
	bell          io.Writer
	pollInterval  time.Duration
	gasHeadroom   int64
	defaultGasCap uint64
}

// Option 定义可选配置。
type Option func(*Submitter)

// WithPermissions 设置确认与提示音。
func WithPermissions(p Permissions) Option {
	return func(s *Submitter) {
		s.permissions = p
	}
}

// WithConfirmer 替换默认的终端确认方式。
func WithConfirmer(c Confirmer) Option {
	return func(s *Submitter) {
		if c != nil {
			s.confirmer = c
		}
	}
}

// WithBell 指定提示音输出位置。
func WithBell(w io.Writer) Option {
	return func(s *Submitter) {
		if w != nil {
			s.bell = w
		}
	}
}

// WithReceiptPolling 设置轮询回执的间隔。
func WithReceiptPolling(interval time.Duration) Option {
	return func(s *Submitter) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithGasHeadroom 在估算的 gas 上增加百分比余量。
func WithGasHeadroom(percent int64) Option {
	return func(s *Submitter) {
		if percent >= 0 {
			s.gasHeadroom = percent
		}
	}
}

// NewSubmitter 创建交易发送器。
func NewSubmitter(client web3.Client, signer Signer, fees FeeSource, opts ...Option) *Submitter {
	s := &Submitter{
		client:       client,
		signer:       signer,
		fees:         fees,
		bell:         os.Stderr,
		pollInterval: 2 * time.Second,
		gasHeadroom:  20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.permissions.RequireConfirmation && s.confirmer == nil {
		s.confirmer = NewTerminalConfirmer(os.Stdin, os.Stderr)
	}
	return s
}

// From 返回发送地址。
func (s *Submitter) From() common.Address { return s.signer.Address() }

// Submit 使用当前出价发送交易并等待上链。失败时返回 *TxError。
func (s *Submitter) Submit(ctx context.Context, req Request) (Receipt, error) {
	from := s.signer.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	if s.permissions.RequireConfirmation {
		summary := fmt.Sprintf("[%s] to=%s value=%s data=%d bytes fee=%s wei",
			req.Label, req.To.Hex(), value, len(req.Data), s.fees.CurrentFee())
		ok, err := s.confirmer.Confirm(ctx, summary)
		if err != nil {
			return Receipt{}, xerrors.Wrap(xerrors.CodeNotPermitted, err, "无法获得交易确认")
		}
		if !ok {
			return Receipt{}, ErrDeclined
		}
	}

	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "获取链 ID 失败")
	}
	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "获取 nonce 失败")
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimated, err := s.client.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return Receipt{}, txFailure(req.Label, nonce, common.Hash{}, xerrors.CodeTxFailure, err, "估算 gas 失败")
		}
		gasLimit = estimated + estimated*uint64(s.gasHeadroom)/100
	}

	fee := s.fees.CurrentFee()
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: fee,
		Data:     req.Data,
	})
	signed, err := s.signer.SignTx(unsigned, chainID)
	if err != nil {
		return Receipt{}, txFailure(req.Label, nonce, common.Hash{}, xerrors.CodeTxFailure, err, "签名交易失败")
	}

	if s.permissions.PlaySound {
		fmt.Fprint(s.bell, "\a")
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		logger.Audit().Warn("transaction rejected",
			slog.String("label", req.Label),
			slog.String("hash", signed.Hash().Hex()),
			slog.Uint64("nonce", nonce),
			slog.String("error", err.Error()),
		)
		return Receipt{}, txFailure(req.Label, nonce, signed.Hash(), xerrors.CodeTxFailure, err, "发送交易失败")
	}
	logger.Audit().Info("transaction submitted",
		slog.String("label", req.Label),
		slog.String("from", from.Hex()),
		slog.String("to", req.To.Hex()),
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gasLimit),
		slog.String("gas_price_wei", fee.String()),
		slog.String("value_wei", value.String()),
	)

	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		return Receipt{}, txFailure(req.Label, nonce, signed.Hash(), xerrors.CodeTxFailure, err, "等待交易回执失败")
	}
	out := Receipt{
		Hash:        signed.Hash(),
		Nonce:       nonce,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		FeeBid:      fee,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.Audit().Warn("transaction reverted",
			slog.String("label", req.Label),
			slog.String("hash", signed.Hash().Hex()),
			slog.Uint64("block", out.BlockNumber),
		)
		return out, txFailure(req.Label, nonce, signed.Hash(), xerrors.CodeTxReverted, nil, "交易执行被回滚")
	}
	logger.Audit().Info("transaction mined",
		slog.String("label", req.Label),
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("block", out.BlockNumber),
		slog.Uint64("gas_used", out.GasUsed),
	)
	return out, nil
}

func (s *Submitter) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		timer.Reset(s.pollInterval)
	}
}
