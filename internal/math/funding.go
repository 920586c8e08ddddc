package math

import (
	"math/big"
	"sort"
)

// ComputeFundingRate derives the per-interval funding rate from open interest
// imbalance: rate = (long - short) / (long + short) * maxRate.
// Returns a RatePrecision-scaled signed rate; positive means longs pay.
func ComputeFundingRate(longSize, shortSize *big.Int, maxRate int64) int64 {
	total := new(big.Int).Add(longSize, shortSize)
	if total.Sign() == 0 {
		return 0
	}
	imbalance := new(big.Int).Sub(longSize, shortSize)
	rate := MulDiv(imbalance, big.NewInt(maxRate), total, RoundHalfEven)
	return rate.Int64()
}

// ComputeFundingPayment calculates the funding owed by one position.
// Returns: payment amount (positive = position pays, negative = receives)
func ComputeFundingPayment(fundingRate int64, size, markPrice *big.Int, sideSign int64) *big.Int {
	notional := ComputeNotional(size, markPrice)
	payment := MulDiv(notional, big.NewInt(fundingRate), bigRate, RoundHalfEven)
	// Long + positive rate = pays; short + positive rate = receives
	return payment.Mul(payment, big.NewInt(sideSign))
}

type PositionForFunding struct {
	Key      string // Trader address, used for deterministic ordering
	Size     *big.Int
	SideSign int64
}

type UserPayment struct {
	Key     string
	Payment *big.Int // Always positive; direction is given by the slice it sits in
}

// FundingPlan is the computed funding for all positions in a market.
// Charges are collected first; Credits distribute what was actually collected.
type FundingPlan struct {
	FundingRate int64
	MarkPrice   *big.Int
	Charges     []UserPayment
	Receivers   []PositionForFunding
}

// PlanFunding splits positions into payers and receivers and computes each
// payer's charge. With no receivers nothing is charged.
func PlanFunding(fundingRate int64, markPrice *big.Int, positions []PositionForFunding) *FundingPlan {
	sorted := make([]PositionForFunding, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	plan := &FundingPlan{FundingRate: fundingRate, MarkPrice: Clone(markPrice)}
	if fundingRate == 0 {
		return plan
	}

	for _, pos := range sorted {
		if pos.Size == nil || pos.Size.Sign() == 0 {
			continue // Skip flat positions
		}
		if pos.SideSign*fundingRate < 0 {
			plan.Receivers = append(plan.Receivers, pos)
			continue
		}
		payment := ComputeFundingPayment(fundingRate, pos.Size, markPrice, pos.SideSign)
		if payment.Sign() > 0 {
			plan.Charges = append(plan.Charges, UserPayment{Key: pos.Key, Payment: payment})
		}
	}

	if len(plan.Receivers) == 0 {
		plan.Charges = nil
	}
	return plan
}

// DistributeFunding splits collected pro-rata by size across receivers.
// The returned residual (collected minus credits) is what rounding left over.
func DistributeFunding(collected *big.Int, receivers []PositionForFunding) ([]UserPayment, *big.Int) {
	totalSize := new(big.Int)
	for _, r := range receivers {
		totalSize.Add(totalSize, r.Size)
	}

	residual := new(big.Int).Set(collected)
	if totalSize.Sign() == 0 || collected.Sign() == 0 {
		return nil, residual
	}

	credits := make([]UserPayment, 0, len(receivers))
	for _, r := range receivers {
		share := Pro(collected, r.Size, totalSize)
		if share.Sign() == 0 {
			continue
		}
		credits = append(credits, UserPayment{Key: r.Key, Payment: share})
		residual.Sub(residual, share)
	}
	return credits, residual
}
