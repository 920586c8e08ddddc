package event

import (
	"fmt"
	"math/big"
	"time"
)

// FundingRateRecord is written once per market per funding epoch and never
// mutated afterwards.
type FundingRateRecord struct {
	Token               Address
	Epoch               int64
	Rate                int64 // RatePrecision scale, signed: > 0 longs pay
	LongSize            *big.Int
	ShortSize           *big.Int
	MarkPrice           *big.Int
	TotalPaid           *big.Int
	TotalReceived       *big.Int
	RoundingResidual    *big.Int // Swept to the insurance fund
	PositionsSettled    int
	PositionsFailed     int
	SettlementTimestamp time.Time
}

func (f *FundingRateRecord) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", f.Token.Hex(), f.Epoch)
}

func (f *FundingRateRecord) EventType() EventType {
	return EventTypeFundingSettled
}

func (f *FundingRateRecord) Market() Address {
	return f.Token
}
