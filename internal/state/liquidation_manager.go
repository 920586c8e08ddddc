package state

import (
	"fmt"
)

// MarkAtRisk flags a position that is close to maintenance but not yet
// liquidatable. Positions already in liquidation are left alone.
func MarkAtRisk(pos *Position) error {
	switch pos.LiquidationState {
	case LiquidationStateHealthy:
		return pos.Transition(LiquidationStateAtRisk)
	case LiquidationStateAtRisk:
		return nil
	default:
		return fmt.Errorf("position of %s is %s", pos.Trader.Hex(), pos.LiquidationState)
	}
}

// MarkHealthy clears an AtRisk flag once margin has recovered.
func MarkHealthy(pos *Position) error {
	if pos.LiquidationState != LiquidationStateAtRisk {
		return nil
	}
	return pos.Transition(LiquidationStateHealthy)
}

// BeginLiquidation moves a position into InLiquidation.
func BeginLiquidation(pos *Position) error {
	if pos.LiquidationState == LiquidationStateInLiquidation {
		return fmt.Errorf("position of %s already in liquidation", pos.Trader.Hex())
	}
	return pos.Transition(LiquidationStateInLiquidation)
}

// CompleteLiquidation ends a liquidation, Bankrupt when it left a shortfall.
func CompleteLiquidation(pos *Position, shortfall bool) error {
	if shortfall {
		return pos.Transition(LiquidationStateBankrupt)
	}
	return pos.Transition(LiquidationStateClosed)
}
