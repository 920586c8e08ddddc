package settlement

import (
	"MemePerp/internal/event"
	"time"

	"github.com/google/uuid"
)

// Item is one entry of a settlement batch: either a trade or a liquidation.
type Item struct {
	Trade       *event.Trade
	Liquidation *event.Liquidation
	// Replayed marks an item fed again from storage or another engine
	// instance rather than produced by a live match. Only replayed items are
	// looked up in the settled-items table.
	Replayed bool
}

// Key is the idempotency key of the wrapped event.
func (it Item) Key() string {
	if it.Trade != nil {
		return "trade:" + it.Trade.TradeID.String()
	}
	if it.Liquidation != nil {
		return "liquidation:" + it.Liquidation.LiquidationID.String()
	}
	return ""
}

// Token returns the market of the wrapped event.
func (it Item) Token() event.Address {
	if it.Trade != nil {
		return it.Trade.Token
	}
	if it.Liquidation != nil {
		return it.Liquidation.Token
	}
	return event.ZeroAddress
}

// Status is the lifecycle of a sealed batch.
type Status int32

const (
	StatusPending Status = iota
	StatusSubmitting
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSubmitting:
		return "SUBMITTING"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Batch is a sealed group of items submitted in one chain transaction.
type Batch struct {
	ID       uuid.UUID
	Items    []Item
	Status   Status
	Attempts int
	TxHash   string
	LastErr  string
	SealedAt time.Time
	DoneAt   time.Time
}

// Trades returns the trades of the batch in insertion order.
func (b *Batch) Trades() []*event.Trade {
	out := make([]*event.Trade, 0, len(b.Items))
	for _, it := range b.Items {
		if it.Trade != nil {
			out = append(out, it.Trade)
		}
	}
	return out
}

// Liquidations returns the liquidations of the batch in insertion order.
func (b *Batch) Liquidations() []*event.Liquidation {
	out := make([]*event.Liquidation, 0)
	for _, it := range b.Items {
		if it.Liquidation != nil {
			out = append(out, it.Liquidation)
		}
	}
	return out
}
