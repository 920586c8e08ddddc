package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Urgency orders the liquidation queue. Lower value drains first.
type Urgency int32

const (
	UrgencyCritical Urgency = iota
	UrgencyHigh
)

func (u Urgency) String() string {
	switch u {
	case UrgencyCritical:
		return "CRITICAL"
	case UrgencyHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// PairID names one position: a trader in one market. Liquidation queue
// entries and liquidation records carry it so both sides of the pipeline
// refer to the same position.
func PairID(token, trader Address) string {
	return token.Hex() + ":" + trader.Hex()
}

// Liquidation records a forced close at mark price.
// Shortfall > 0 means collateral did not cover the loss; InsuranceCovered is
// the part the insurance fund paid and Deficit the part it could not.
type Liquidation struct {
	LiquidationID    uuid.UUID
	PairID           string
	Trader           Address
	Token            Address
	Side             Side
	Size             *big.Int
	EntryPrice       *big.Int
	MarkPrice        *big.Int
	Collateral       *big.Int
	RealizedPnL      *big.Int
	Penalty          *big.Int
	Returned         *big.Int // Credited back to the trader
	Shortfall        *big.Int
	InsuranceCovered *big.Int
	Deficit          *big.Int
	Haircut          *big.Int // ADL only: profit withheld to cover another position's deficit
	MarginRatioBps   int64
	Urgency          Urgency
	AutoDeleverage   bool // true when the close was an ADL reduction, not a margin breach
	Timestamp        time.Time
}

func (l *Liquidation) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *Liquidation) EventType() EventType {
	return EventTypeLiquidation
}

func (l *Liquidation) Market() Address {
	return l.Token
}

// HasShortfall reports whether the insurance fund had to step in.
func (l *Liquidation) HasShortfall() bool {
	return l.Shortfall != nil && l.Shortfall.Sign() > 0
}
