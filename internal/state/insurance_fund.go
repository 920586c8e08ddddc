package state

import (
	"math/big"
	"sync"
)

// InsuranceFund tracks what the fund could not cover. The balance itself
// lives in the ledger (system:insurance_fund); this struct keeps the
// explicit deficit that triggers auto-deleveraging, shared across markets.
type InsuranceFund struct {
	mu         sync.Mutex
	deficit    *big.Int
	covered    *big.Int
	shortfalls int64
}

func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{deficit: new(big.Int), covered: new(big.Int)}
}

// ComputeCoverage returns how much the fund can cover out of a shortfall
// and what remains uncovered.
func ComputeCoverage(fundBalance, shortfall *big.Int) (covered, remaining *big.Int) {
	if fundBalance.Sign() <= 0 {
		return new(big.Int), new(big.Int).Set(shortfall)
	}
	if fundBalance.Cmp(shortfall) >= 0 {
		return new(big.Int).Set(shortfall), new(big.Int)
	}
	return new(big.Int).Set(fundBalance), new(big.Int).Sub(shortfall, fundBalance)
}

// RecordShortfall registers a liquidation shortfall and how it was covered.
func (f *InsuranceFund) RecordShortfall(covered, deficit *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shortfalls++
	f.covered.Add(f.covered, covered)
	f.deficit.Add(f.deficit, deficit)
}

// ReduceDeficit records that amount of the deficit was recovered by ADL.
func (f *InsuranceFund) ReduceDeficit(amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deficit.Sub(f.deficit, amount)
	if f.deficit.Sign() < 0 {
		f.deficit.SetInt64(0)
	}
}

func (f *InsuranceFund) Deficit() *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.deficit)
}

// Stats returns totals for metrics and the ops endpoint.
func (f *InsuranceFund) Stats() (shortfalls int64, covered, deficit *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shortfalls, new(big.Int).Set(f.covered), new(big.Int).Set(f.deficit)
}
