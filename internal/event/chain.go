package event

import (
	"math/big"
)

// Deposit mirrors an on-chain deposit/depositTo into the off-chain ledger.
// Idempotency key: tx hash + log index.
type Deposit struct {
	TxHash   string
	LogIndex int64
	Trader   Address
	Amount   *big.Int
	Block    int64
}

func (d *Deposit) IdempotencyKey() string {
	return d.TxHash + ":" + big.NewInt(d.LogIndex).String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Market() Address {
	return ZeroAddress
}

// Withdrawal mirrors an on-chain withdraw.
type Withdrawal struct {
	TxHash   string
	LogIndex int64
	Trader   Address
	Amount   *big.Int
	Block    int64
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.TxHash + ":" + big.NewInt(w.LogIndex).String()
}

func (w *Withdrawal) EventType() EventType {
	return EventTypeWithdrawal
}

func (w *Withdrawal) Market() Address {
	return ZeroAddress
}
