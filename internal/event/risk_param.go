package event

import "fmt"

// RiskParamUpdate changes the risk parameters of one market at runtime.
// Zero fields keep their current value.
type RiskParamUpdate struct {
	Token          Address
	MMRBps         int64
	MaxLeverage    int64 // LeveragePrecision scale
	LiquidationFee int64 // bps of notional
	Active         *bool
	UpdateSequence int64
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:risk:%d", r.Token.Hex(), r.UpdateSequence)
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) Market() Address {
	return r.Token
}
