package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginReserve
	JournalTypeMarginRelease
	JournalTypeRealizedPnL
	JournalTypeLiquidationPenalty
	JournalTypeInsuranceCoverage
	JournalTypeFundingCharge
	JournalTypeFundingCredit
	JournalTypeFundingResidual
	JournalTypeInsuranceSeed
	JournalTypeReversal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginReserve:
		return "margin_reserve"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeLiquidationPenalty:
		return "liquidation_penalty"
	case JournalTypeInsuranceCoverage:
		return "insurance_coverage"
	case JournalTypeFundingCharge:
		return "funding_charge"
	case JournalTypeFundingCredit:
		return "funding_credit"
	case JournalTypeFundingResidual:
		return "funding_residual"
	case JournalTypeInsuranceSeed:
		return "insurance_seed"
	case JournalTypeReversal:
		return "reversal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string     // Idempotency key of the source action
	Sequence      int64      // Ledger-wide batch sequence
	DebitAccount  AccountKey // Account receiving debit (balance increases)
	CreditAccount AccountKey // Account receiving credit (balance decreases)
	Amount        *big.Int   // Always positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch represents a balanced set of journal entries applied atomically.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every
// batch is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Net returns the signed effect of the batch on key.
func (b *Batch) Net(key AccountKey) *big.Int {
	net := new(big.Int)
	for _, j := range b.Journals {
		if j.DebitAccount == key {
			net.Add(net, j.Amount)
		}
		if j.CreditAccount == key {
			net.Sub(net, j.Amount)
		}
	}
	return net
}
