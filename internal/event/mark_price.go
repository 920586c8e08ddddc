package event

import (
	"fmt"
	"math/big"
)

// MarkPriceUpdate is an oracle mark price for one market.
type MarkPriceUpdate struct {
	Token          Address
	MarkPrice      *big.Int // PricePrecision scale
	Source         string
	PriceSequence  int64 // Monotonic per (source, token)
	PriceTimestamp int64 // Epoch milliseconds at the source
}

func (m *MarkPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:price:%d", m.Source, m.Token.Hex(), m.PriceSequence)
}

func (m *MarkPriceUpdate) EventType() EventType {
	return EventTypeMarkPriceUpdate
}

func (m *MarkPriceUpdate) Market() Address {
	return m.Token
}
