package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTradeMatched
	EventTypeOrderClosed
	EventTypeLiquidation
	EventTypeFundingSettled
	EventTypeMarkPriceUpdate
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeBatchSettled
	EventTypeBatchFailed
	EventTypeTradeReverted
	EventTypeRiskParamUpdate
)

// Envelope wraps every event leaving a market worker or a periodic task.
type Envelope struct {
	// Monotonic per-producer sequence
	Sequence int64

	EventType EventType

	// Zero for global events
	Token Address

	// Wall-clock time at which the producer emitted the event
	Timestamp time.Time

	Event Event
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Market returns the token market, or ZeroAddress for global events
	Market() Address
}

// Wrap builds an envelope around e.
func Wrap(seq int64, e Event, ts time.Time) Envelope {
	return Envelope{
		Sequence:  seq,
		EventType: e.EventType(),
		Token:     e.Market(),
		Timestamp: ts,
		Event:     e,
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeTradeMatched:
		return "TradeMatched"
	case EventTypeOrderClosed:
		return "OrderClosed"
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeFundingSettled:
		return "FundingSettled"
	case EventTypeMarkPriceUpdate:
		return "MarkPriceUpdate"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeBatchSettled:
		return "BatchSettled"
	case EventTypeBatchFailed:
		return "BatchFailed"
	case EventTypeTradeReverted:
		return "TradeReverted"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	default:
		return "Unknown"
	}
}
