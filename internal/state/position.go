package state

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"encoding/binary"
	"fmt"
	"math/big"
)

// LiquidationState tracks liquidation progress
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateAtRisk
	LiquidationStateInLiquidation
	LiquidationStateClosed
	LiquidationStateBankrupt
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateAtRisk:
		return "AtRisk"
	case LiquidationStateInLiquidation:
		return "InLiquidation"
	case LiquidationStateClosed:
		return "Closed"
	case LiquidationStateBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

var validTransitions = map[LiquidationState][]LiquidationState{
	LiquidationStateHealthy: {
		LiquidationStateAtRisk,
		LiquidationStateInLiquidation, // Gapped straight through maintenance
	},
	LiquidationStateAtRisk: {
		LiquidationStateHealthy,
		LiquidationStateInLiquidation,
	},
	LiquidationStateInLiquidation: {
		LiquidationStateClosed,
		LiquidationStateBankrupt, // Closed with a shortfall
	},
}

// CanTransitionTo validates state transitions. Closed and Bankrupt are terminal.
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	for _, allowed := range validTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is a trader's isolated-margin position in one market.
type Position struct {
	Trader           event.Address
	Token            event.Address
	Side             event.Side
	Size             *big.Int // token base units
	EntryPrice       *big.Int // size-weighted average entry
	Collateral       *big.Int // margin locked for this position
	Leverage         int64    // effective leverage at entry, LeveragePrecision scale
	RealizedPnL      *big.Int // cumulative
	LiquidationState LiquidationState
	Version          int64
}

func newPosition(trader, token event.Address, side event.Side) *Position {
	return &Position{
		Trader:      trader,
		Token:       token,
		Side:        side,
		Size:        new(big.Int),
		EntryPrice:  new(big.Int),
		Collateral:  new(big.Int),
		RealizedPnL: new(big.Int),
	}
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p == nil || p.Side == event.SideFlat || p.Size.Sign() == 0
}

func (p *Position) IsLong() bool { return p.Side == event.SideLong }

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *Position) SideSign() int64 {
	switch p.Side {
	case event.SideLong:
		return 1
	case event.SideShort:
		return -1
	default:
		return 0
	}
}

// Notional is size × mark in collateral units.
func (p *Position) Notional(mark *big.Int) *big.Int {
	return fpmath.ComputeNotional(p.Size, mark)
}

func (p *Position) UnrealizedPnL(mark *big.Int) *big.Int {
	return fpmath.ComputeUnrealizedPnL(p.SideSign(), mark, p.EntryPrice, p.Size)
}

// Equity is collateral plus unrealized PnL at mark.
func (p *Position) Equity(mark *big.Int) *big.Int {
	return new(big.Int).Add(p.Collateral, p.UnrealizedPnL(mark))
}

// Transition moves the position to next if the table allows it.
func (p *Position) Transition(next LiquidationState) error {
	if p.LiquidationState == next {
		return nil
	}
	if !p.LiquidationState.CanTransitionTo(next) {
		return fmt.Errorf("invalid liquidation transition %s -> %s", p.LiquidationState, next)
	}
	p.LiquidationState = next
	p.Version++
	return nil
}

// recomputeLeverage derives effective leverage from entry notional and
// collateral. Floors at 1x.
func (p *Position) recomputeLeverage() {
	if p.Collateral.Sign() <= 0 || p.Size.Sign() == 0 {
		return
	}
	notional := fpmath.ComputeNotional(p.Size, p.EntryPrice)
	lev := fpmath.MulDiv(notional, big.NewInt(fpmath.LeveragePrecision), p.Collateral, fpmath.RoundDown)
	if !lev.IsInt64() || lev.Int64() < fpmath.LeveragePrecision {
		p.Leverage = fpmath.LeveragePrecision
		return
	}
	p.Leverage = lev.Int64()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *Position) Clone() *Position {
	c := *p
	c.Size = fpmath.Clone(p.Size)
	c.EntryPrice = fpmath.Clone(p.EntryPrice)
	c.Collateral = fpmath.Clone(p.Collateral)
	c.RealizedPnL = fpmath.Clone(p.RealizedPnL)
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)
	buf = append(buf, p.Trader[:]...)
	buf = append(buf, p.Token[:]...)
	buf = append(buf, byte(p.Side))
	buf = appendBig(buf, p.Size)
	buf = appendBig(buf, p.EntryPrice)
	buf = appendBig(buf, p.Collateral)
	buf = appendBig(buf, p.RealizedPnL)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Leverage))
	buf = append(buf, byte(p.LiquidationState))
	return buf
}

// appendBig writes sign, length and magnitude.
func appendBig(buf []byte, v *big.Int) []byte {
	mag := v.Bytes()
	buf = append(buf, byte(v.Sign()+1))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(mag)))
	return append(buf, mag...)
}
