// Package chain is the engine's view of the on-chain Settlement contract.
package chain

import (
	"MemePerp/internal/event"
	"MemePerp/internal/settlement"
	"context"
	"errors"
	"math/big"
)

// ErrInsufficientBalance is returned by Withdraw when the custodied balance
// is too small.
var ErrInsufficientBalance = errors.New("insufficient on-chain balance")

// Contract is the subset of the Settlement contract the engine uses.
// Deposit credits trader (depositTo when trader is not the sender).
type Contract interface {
	Deposit(ctx context.Context, trader event.Address, amount *big.Int) (*event.Deposit, error)
	Withdraw(ctx context.Context, trader event.Address, amount *big.Int) (*event.Withdrawal, error)
	GetUserBalance(ctx context.Context, trader event.Address) (*big.Int, error)
	Nonces(ctx context.Context, trader event.Address) (uint64, error)
	SettleBatch(ctx context.Context, b *settlement.Batch) (string, error)
}
