package ledger

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"fmt"
	"math/big"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	b.Add(b, delta)
}

// ApplyBatch validates a batch and applies it only if no user account would
// go negative. Either every journal is applied or none is.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	touched := make(map[AccountKey]*big.Int)
	for _, j := range batch.Journals {
		for _, k := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := touched[k]; !ok && k.IsUser() {
				touched[k] = batch.Net(k)
			}
		}
	}
	for k, net := range touched {
		after := new(big.Int).Add(bt.GetBalance(k), net)
		if after.Sign() < 0 {
			return apperr.New(apperr.CodeInsufficientMargin,
				"account %s would go negative: have=%s, delta=%s", k.AccountPath(), bt.GetBalance(k), net)
		}
	}

	for _, j := range batch.Journals {
		bt.add(j.DebitAccount, j.Amount)
		bt.add(j.CreditAccount, new(big.Int).Neg(j.Amount))
	}
	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// === User balance queries: total = available + locked ===

func (bt *BalanceTracker) GetUserAvailable(trader event.Address) *big.Int {
	return bt.GetBalance(UserAccount(trader, SubTypeAvailable))
}

func (bt *BalanceTracker) GetUserLocked(trader event.Address) *big.Int {
	return bt.GetBalance(UserAccount(trader, SubTypeLocked))
}

func (bt *BalanceTracker) GetUserTotal(trader event.Address) *big.Int {
	return new(big.Int).Add(bt.GetUserAvailable(trader), bt.GetUserLocked(trader))
}

// ValidateSufficientAvailable checks if user has enough available balance
func (bt *BalanceTracker) ValidateSufficientAvailable(trader event.Address, required *big.Int) error {
	available := bt.GetUserAvailable(trader)
	if available.Cmp(required) < 0 {
		return apperr.New(apperr.CodeInsufficientMargin,
			"insufficient available balance: have=%s, need=%s", available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() *big.Int {
	total := new(big.Int)
	for _, balance := range bt.balances {
		total.Add(total, balance)
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Traders returns every trader holding a user account, sorted by address.
func (bt *BalanceTracker) Traders() []event.Address {
	seen := make(map[event.Address]struct{})
	for k := range bt.balances {
		if k.IsUser() {
			seen[k.Owner] = struct{}{}
		}
	}
	out := make([]event.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
