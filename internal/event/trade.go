package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Side represents position or order direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

// SideOf maps the wire isLong flag to a Side.
func SideOf(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}

// Opposite returns the other direction. Flat stays flat.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// Trade is the immutable record of one match between a long and a short order.
// Price is always the maker's resting price.
// Idempotency key: trade_id.
type Trade struct {
	TradeID       uuid.UUID
	Token         Address
	LongOrderID   uuid.UUID
	ShortOrderID  uuid.UUID
	LongTrader    Address
	ShortTrader   Address
	LongNonce     uint64
	ShortNonce    uint64
	Price         *big.Int // PricePrecision scale
	Size          *big.Int // token base units
	TakerSide     Side
	MatchSequence int64 // Per-market match counter
	Timestamp     time.Time
}

func (t *Trade) IdempotencyKey() string {
	return t.TradeID.String()
}

func (t *Trade) EventType() EventType {
	return EventTypeTradeMatched
}

func (t *Trade) Market() Address {
	return t.Token
}

// TradeReverted is emitted when a failed settlement batch rolls a trade back.
type TradeReverted struct {
	TradeID uuid.UUID
	Token   Address
	BatchID uuid.UUID
	Reason  string
}

func (t *TradeReverted) IdempotencyKey() string {
	return "revert:" + t.TradeID.String()
}

func (t *TradeReverted) EventType() EventType {
	return EventTypeTradeReverted
}

func (t *TradeReverted) Market() Address {
	return t.Token
}

// OrderClosed is emitted when an order leaves the engine for good
// (filled, cancelled or expired).
type OrderClosed struct {
	OrderID uuid.UUID
	Token   Address
	Trader  Address
	Status  string
	Filled  *big.Int
}

func (o *OrderClosed) IdempotencyKey() string {
	return "closed:" + o.OrderID.String()
}

func (o *OrderClosed) EventType() EventType {
	return EventTypeOrderClosed
}

func (o *OrderClosed) Market() Address {
	return o.Token
}
