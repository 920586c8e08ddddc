// Package risk computes margin health, liquidation prices and
// auto-deleveraging rank for positions. All functions are pure.
package risk

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/state"
	"math/big"
	"sort"
)

// Level buckets a position by how close it is to maintenance margin.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// maxRatioBps stands in for an infinite ratio on a zero-value position.
const maxRatioBps = int64(1) << 62

// Assessment is the full risk view of one position at one mark price.
type Assessment struct {
	Trader           event.Address
	Token            event.Address
	IsLong           bool
	Size             *big.Int
	EntryPrice       *big.Int
	MarkPrice        *big.Int
	Collateral       *big.Int
	Leverage         int64
	PositionValue    *big.Int
	UnrealizedPnL    *big.Int
	Equity           *big.Int
	MarginRatioBps   int64
	LiquidationPrice *big.Int
	Level            Level
	ADLScore         *big.Int // LeveragePrecision scaled
}

// Liquidatable reports whether the margin ratio is below maintenance.
func (a *Assessment) Liquidatable(mmrBps int64) bool {
	return a.MarginRatioBps < mmrBps
}

// MarginRatioBps returns equity × 1e4 / positionValue, or 0 when equity is
// not positive.
func MarginRatioBps(equity, positionValue *big.Int) int64 {
	if equity.Sign() <= 0 {
		return 0
	}
	if positionValue.Sign() == 0 {
		return maxRatioBps
	}
	return fpmath.RatioBps(equity, positionValue)
}

// ClassifyLevel maps marginRatio/mmr to a level: critical below 1, high
// below 1.2, medium below 1.5.
func ClassifyLevel(marginRatioBps, mmrBps int64) Level {
	switch {
	case marginRatioBps < mmrBps:
		return LevelCritical
	case marginRatioBps*10 < mmrBps*12:
		return LevelHigh
	case marginRatioBps*10 < mmrBps*15:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ADLScore returns uPnL × leverage / margin. Non-profitable positions and
// positions without margin score zero.
func ADLScore(upnl *big.Int, leverage int64, margin *big.Int) *big.Int {
	if upnl.Sign() <= 0 || margin.Sign() <= 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(upnl, big.NewInt(leverage), margin, fpmath.RoundDown)
}

// Assess evaluates p at mark under the given maintenance margin.
func Assess(p *state.Position, mark *big.Int, mmrBps int64) Assessment {
	value := p.Notional(mark)
	upnl := p.UnrealizedPnL(mark)
	equity := new(big.Int).Add(p.Collateral, upnl)
	ratio := MarginRatioBps(equity, value)

	return Assessment{
		Trader:           p.Trader,
		Token:            p.Token,
		IsLong:           p.IsLong(),
		Size:             fpmath.Clone(p.Size),
		EntryPrice:       fpmath.Clone(p.EntryPrice),
		MarkPrice:        fpmath.Clone(mark),
		Collateral:       fpmath.Clone(p.Collateral),
		Leverage:         p.Leverage,
		PositionValue:    value,
		UnrealizedPnL:    upnl,
		Equity:           equity,
		MarginRatioBps:   ratio,
		LiquidationPrice: fpmath.ComputeLiquidationPrice(p.EntryPrice, p.Leverage, mmrBps, p.IsLong()),
		Level:            ClassifyLevel(ratio, mmrBps),
		ADLScore:         ADLScore(upnl, p.Leverage, p.Collateral),
	}
}

// RankADL returns the profitable assessments on the given side ordered by
// descending ADL score; the first entry is deleveraged first. Ties break on
// trader address so the order is deterministic.
func RankADL(all []Assessment, isLong bool) []Assessment {
	out := make([]Assessment, 0, len(all))
	for _, a := range all {
		if a.IsLong == isLong && a.ADLScore.Sign() > 0 {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].ADLScore.Cmp(out[j].ADLScore); c != 0 {
			return c > 0
		}
		return out[i].Trader.Hex() < out[j].Trader.Hex()
	})
	return out
}
