package txn

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFi-Sentry/internal/errors"
)

// ErrDeclined 表示操作员在确认提示中拒绝了交易，调用方应视为跳过而非失败。
var ErrDeclined = errors.New("operator declined transaction")

// TxError 描述一笔提交或上链失败的交易，携带可用于失败记录的标识。
type TxError struct {
	Label string
	Nonce uint64
	Hash  common.Hash
	Err   error
}

func (e *TxError) Error() string {
	if e.Hash != (common.Hash{}) {
		return fmt.Sprintf("%s: tx %s (nonce %d): %v", e.Label, e.Hash.Hex(), e.Nonce, e.Err)
	}
	return fmt.Sprintf("%s: nonce %d: %v", e.Label, e.Nonce, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// FailureID 优先返回交易哈希，未签名成功时退化为 nonce。
func (e *TxError) FailureID() string {
	if e.Hash != (common.Hash{}) {
		return e.Hash.Hex()
	}
	return fmt.Sprintf("nonce:%d", e.Nonce)
}

func txFailure(label string, nonce uint64, hash common.Hash, code xerrors.Code, cause error, msg string) *TxError {
	return &TxError{
		Label: label,
		Nonce: nonce,
		Hash:  hash,
		Err:   xerrors.Wrap(code, cause, msg),
	}
}
