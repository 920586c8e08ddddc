package state

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"fmt"
	"math/big"
	"sort"
)

// PositionManager holds the positions of one market. Owned by the market worker.
type PositionManager struct {
	token     event.Address
	positions map[event.Address]*Position
}

// CloseEffect records what closing part of a position did, for reversal.
type CloseEffect struct {
	Side       event.Side
	Size       *big.Int
	Price      *big.Int
	EntryPrice *big.Int
	Collateral *big.Int // released
	PnL        *big.Int
	Leverage   int64
	Destroyed  bool
	// RealizedBefore lets a destroyed position be recreated with its history.
	RealizedBefore *big.Int
}

// OpenEffect records an increase, for reversal.
type OpenEffect struct {
	Side       event.Side
	Size       *big.Int
	Price      *big.Int
	Collateral *big.Int // added
	Created    bool
}

func NewPositionManager(token event.Address) *PositionManager {
	return &PositionManager{
		token:     token,
		positions: make(map[event.Address]*Position),
	}
}

// Get returns the trader's position or nil.
func (pm *PositionManager) Get(trader event.Address) *Position {
	return pm.positions[trader]
}

// Split divides a fill on side into the part that reduces an existing
// opposite position and the part that opens or increases exposure.
func (pm *PositionManager) Split(trader event.Address, side event.Side, qty *big.Int) (closeQty, openQty *big.Int) {
	pos := pm.positions[trader]
	if pos.IsFlat() || pos.Side == side {
		return new(big.Int), new(big.Int).Set(qty)
	}
	closeQty = fpmath.MinBig(qty, pos.Size)
	return closeQty, new(big.Int).Sub(qty, closeQty)
}

// Close reduces the trader's position by qty at price. Collateral is
// released pro rata; a full close destroys the position.
func (pm *PositionManager) Close(trader event.Address, qty, price *big.Int) (*CloseEffect, error) {
	pos := pm.positions[trader]
	if pos.IsFlat() {
		return nil, fmt.Errorf("no position for %s", trader.Hex())
	}
	if qty.Cmp(pos.Size) > 0 {
		return nil, fmt.Errorf("close %s exceeds position size %s", qty, pos.Size)
	}

	eff := &CloseEffect{
		Side:       pos.Side,
		Size:       new(big.Int).Set(qty),
		Price:      new(big.Int).Set(price),
		EntryPrice: new(big.Int).Set(pos.EntryPrice),
		PnL:        fpmath.ComputePnL(pos.SideSign(), price, pos.EntryPrice, qty),
		Leverage:   pos.Leverage,

		RealizedBefore: new(big.Int).Set(pos.RealizedPnL),
	}
	if qty.Cmp(pos.Size) == 0 {
		eff.Collateral = new(big.Int).Set(pos.Collateral)
	} else {
		eff.Collateral = fpmath.Pro(pos.Collateral, qty, pos.Size)
	}

	pos.Size.Sub(pos.Size, qty)
	pos.Collateral.Sub(pos.Collateral, eff.Collateral)
	pos.RealizedPnL.Add(pos.RealizedPnL, eff.PnL)
	pos.Version++

	if pos.Size.Sign() == 0 {
		eff.Destroyed = true
		delete(pm.positions, trader)
	}
	return eff, nil
}

// Open increases (or creates) the trader's position on side.
func (pm *PositionManager) Open(trader event.Address, side event.Side, qty, price, collateral *big.Int) (*OpenEffect, error) {
	pos := pm.positions[trader]
	eff := &OpenEffect{
		Side:       side,
		Size:       new(big.Int).Set(qty),
		Price:      new(big.Int).Set(price),
		Collateral: new(big.Int).Set(collateral),
	}
	if pos == nil {
		pos = newPosition(trader, pm.token, side)
		pm.positions[trader] = pos
		eff.Created = true
	} else if pos.Side != side {
		return nil, fmt.Errorf("open %s on %s position of %s", side, pos.Side, trader.Hex())
	}

	pos.EntryPrice = fpmath.ComputeAvgEntryPrice(pos.Size, pos.EntryPrice, qty, price)
	pos.Size.Add(pos.Size, qty)
	pos.Collateral.Add(pos.Collateral, collateral)
	pos.recomputeLeverage()
	pos.Version++
	return eff, nil
}

// RevertOpen undoes an OpenEffect.
func (pm *PositionManager) RevertOpen(trader event.Address, eff *OpenEffect) error {
	pos := pm.positions[trader]
	if pos.IsFlat() || pos.Side != eff.Side || pos.Size.Cmp(eff.Size) < 0 {
		return fmt.Errorf("cannot revert open of %s for %s: position changed", eff.Size, trader.Hex())
	}

	pos.EntryPrice = fpmath.ComputeRemovedAvgEntryPrice(pos.Size, pos.EntryPrice, eff.Size, eff.Price)
	pos.Size.Sub(pos.Size, eff.Size)
	pos.Collateral.Sub(pos.Collateral, eff.Collateral)
	if pos.Collateral.Sign() < 0 {
		pos.Collateral.SetInt64(0)
	}
	pos.Version++
	if pos.Size.Sign() == 0 {
		delete(pm.positions, trader)
		return nil
	}
	pos.recomputeLeverage()
	return nil
}

// RevertClose undoes a CloseEffect, recreating the position if needed.
func (pm *PositionManager) RevertClose(trader event.Address, eff *CloseEffect) error {
	pos := pm.positions[trader]
	if pos == nil {
		pos = newPosition(trader, pm.token, eff.Side)
		pos.Leverage = eff.Leverage
		pos.RealizedPnL.Add(eff.RealizedBefore, eff.PnL)
		pm.positions[trader] = pos
	} else if pos.Side != eff.Side {
		return fmt.Errorf("cannot revert close for %s: side changed", trader.Hex())
	}

	pos.EntryPrice = fpmath.ComputeAvgEntryPrice(pos.Size, pos.EntryPrice, eff.Size, eff.EntryPrice)
	pos.Size.Add(pos.Size, eff.Size)
	pos.Collateral.Add(pos.Collateral, eff.Collateral)
	pos.RealizedPnL.Sub(pos.RealizedPnL, eff.PnL)
	pos.Version++
	return nil
}

// AdjustCollateral adds delta (negative for a charge) to the position's collateral.
func (pm *PositionManager) AdjustCollateral(trader event.Address, delta *big.Int) error {
	pos := pm.positions[trader]
	if pos.IsFlat() {
		return fmt.Errorf("no position for %s", trader.Hex())
	}
	next := new(big.Int).Add(pos.Collateral, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("collateral of %s would go negative", trader.Hex())
	}
	pos.Collateral = next
	pos.Version++
	return nil
}

// Remove destroys the trader's position and returns it.
func (pm *PositionManager) Remove(trader event.Address) *Position {
	pos := pm.positions[trader]
	delete(pm.positions, trader)
	return pos
}

// All returns every open position sorted by trader.
func (pm *PositionManager) All() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trader.Hex() < out[j].Trader.Hex() })
	return out
}

// OpenInterest returns total long and short size.
func (pm *PositionManager) OpenInterest() (long, short *big.Int) {
	long, short = new(big.Int), new(big.Int)
	for _, p := range pm.positions {
		switch p.Side {
		case event.SideLong:
			long.Add(long, p.Size)
		case event.SideShort:
			short.Add(short, p.Size)
		}
	}
	return long, short
}

func (pm *PositionManager) Len() int { return len(pm.positions) }
