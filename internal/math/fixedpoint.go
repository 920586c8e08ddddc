package math

import (
	"math/big"
)

// Precision constants. Sizes are token base units (1e18 per token), prices
// are collateral wei per whole token scaled by PricePrecision.
const (
	BpsScale          = 10_000
	LeveragePrecision = 10_000
	RatePrecision     = 100_000_000
)

var (
	PricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	bigBps      = big.NewInt(BpsScale)
	bigRate     = big.NewInt(RatePrecision)
	bigLevPrec  = big.NewInt(LeveragePrecision)
	bigOne      = big.NewInt(1)
	bigTwo      = big.NewInt(2)
	levBpsScale = big.NewInt(LeveragePrecision * BpsScale) // 1/leverage in bps numerator
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // Toward zero
	RoundUp                           // Away from zero
)

// Div performs numerator / denominator with rounding. Signs are handled on
// magnitudes so that rounding is symmetric around zero.
func Div(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		panic("math: division by zero")
	}
	neg := numerator.Sign()*denominator.Sign() < 0
	n := new(big.Int).Abs(numerator)
	d := new(big.Int).Abs(denominator)

	quotient, remainder := new(big.Int).QuoRem(n, d, new(big.Int))

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, bigOne)
		case RoundHalfEven:
			twice := new(big.Int).Mul(remainder, bigTwo)
			cmp := twice.Cmp(d)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, bigOne)
			}
		}
	}

	if neg {
		quotient.Neg(quotient)
	}
	return quotient
}

// MulDiv computes a * b / denominator with a single rounding step.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	return Div(new(big.Int).Mul(a, b), denominator, mode)
}

// ComputeNotional returns size * price in collateral units.
func ComputeNotional(size, price *big.Int) *big.Int {
	return MulDiv(size, price, PricePrecision, RoundHalfEven)
}

// ComputeRequiredMargin returns the initial margin for size at price and the
// given leverage (LeveragePrecision scale). Rounded up so a reservation never
// undershoots.
func ComputeRequiredMargin(size, price *big.Int, leverage int64) *big.Int {
	num := new(big.Int).Mul(size, price)
	num.Mul(num, bigLevPrec)
	den := new(big.Int).Mul(PricePrecision, big.NewInt(leverage))
	return Div(num, den, RoundUp)
}

// ComputeAvgEntryPrice calculates the size-weighted average entry price
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, fillSize, fillPrice *big.Int) *big.Int {
	if oldSize.Sign() == 0 {
		return new(big.Int).Set(fillPrice)
	}

	// numerator = oldSize * oldAvgEntry + fillSize * fillPrice
	numerator := new(big.Int).Mul(oldSize, oldAvgEntry)
	numerator.Add(numerator, new(big.Int).Mul(fillSize, fillPrice))

	denominator := new(big.Int).Add(oldSize, fillSize)

	return Div(numerator, denominator, RoundHalfEven)
}

// ComputeRemovedAvgEntryPrice inverts ComputeAvgEntryPrice: given the current
// size and entry after a fill was added, it returns the entry before it.
func ComputeRemovedAvgEntryPrice(size, avgEntry, fillSize, fillPrice *big.Int) *big.Int {
	remaining := new(big.Int).Sub(size, fillSize)
	if remaining.Sign() <= 0 {
		return new(big.Int)
	}
	numerator := new(big.Int).Mul(size, avgEntry)
	numerator.Sub(numerator, new(big.Int).Mul(fillSize, fillPrice))
	return Div(numerator, remaining, RoundHalfEven)
}

// ComputePnL calculates profit or loss of closing size at exitPrice.
// sideSign is +1 for long, -1 for short.
func ComputePnL(sideSign int64, exitPrice, entryPrice, size *big.Int) *big.Int {
	diff := new(big.Int).Sub(exitPrice, entryPrice)
	diff.Mul(diff, big.NewInt(sideSign))
	return MulDiv(diff, size, PricePrecision, RoundHalfEven)
}

// ComputeUnrealizedPnL is ComputePnL at the mark price.
func ComputeUnrealizedPnL(sideSign int64, markPrice, entryPrice, size *big.Int) *big.Int {
	return ComputePnL(sideSign, markPrice, entryPrice, size)
}

// ApplyBps returns amount * bps / 10_000, rounded down.
func ApplyBps(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(bps), bigBps, RoundDown)
}

// Pro returns amount * part / whole rounded down, the share of amount that
// belongs to part. whole must be positive.
func Pro(amount, part, whole *big.Int) *big.Int {
	return MulDiv(amount, part, whole, RoundDown)
}

// RatioBps returns numerator * 10_000 / denominator rounded down.
// A zero denominator yields zero.
func RatioBps(numerator, denominator *big.Int) int64 {
	if denominator.Sign() == 0 {
		return 0
	}
	r := MulDiv(numerator, bigBps, denominator, RoundDown)
	if !r.IsInt64() {
		if r.Sign() < 0 {
			return -1 << 62
		}
		return 1 << 62
	}
	return r.Int64()
}

// ComputeLiquidationPrice returns entry * (1 - 1/lev + mmr) for longs and
// entry * (1 + 1/lev - mmr) for shorts. leverage is LeveragePrecision scaled,
// mmrBps in basis points. The factor is evaluated exactly before the single
// rounding step.
func ComputeLiquidationPrice(entryPrice *big.Int, leverage, mmrBps int64, isLong bool) *big.Int {
	lev := big.NewInt(leverage)
	den := new(big.Int).Mul(lev, bigBps)

	factor := new(big.Int)
	if isLong {
		// lev * (1e4 + mmr) - 1e8
		factor.Mul(lev, big.NewInt(BpsScale+mmrBps))
		factor.Sub(factor, levBpsScale)
	} else {
		// lev * (1e4 - mmr) + 1e8
		factor.Mul(lev, big.NewInt(BpsScale-mmrBps))
		factor.Add(factor, levBpsScale)
	}
	if factor.Sign() < 0 {
		return new(big.Int)
	}
	return MulDiv(entryPrice, factor, den, RoundHalfEven)
}

// MinBig returns the smaller of a and b (a copy).
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clone copies x, treating nil as zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
