package ledger

import (
	"MemePerp/internal/event"
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateFundingPoolZero verifies a market's funding pool is empty after an epoch.
func (v *InvariantValidator) ValidateFundingPoolZero(token event.Address) error {
	balance := v.tracker.GetBalance(MarketAccount(token, SubTypeFundingPool))
	if balance.Sign() != 0 {
		return fmt.Errorf("funding pool for %s has non-zero balance: %s", token.Hex(), balance)
	}
	return nil
}

// ValidateUserNonNegative checks both user accounts are >= 0.
func (v *InvariantValidator) ValidateUserNonNegative(trader event.Address) error {
	if err := v.tracker.ValidateNonNegative(UserAccount(trader, SubTypeAvailable)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(UserAccount(trader, SubTypeLocked))
}

// ValidateGlobalBalance verifies the ledger is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total.Sign() != 0 {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}

// ValidateAll runs every invariant over every known account.
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateGlobalBalance(); err != nil {
		return err
	}
	for _, trader := range v.tracker.Traders() {
		if err := v.ValidateUserNonNegative(trader); err != nil {
			return err
		}
	}
	return v.tracker.ValidateNonNegative(SystemAccount(SubTypeInsuranceFund))
}
