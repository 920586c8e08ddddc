package ledger

import (
	"MemePerp/internal/event"
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeLocked

	// System sub-types
	SubTypeInsuranceFund
	SubTypeFundingPool
	SubTypeClearing

	// External sub-types
	SubTypeDeposits
	SubTypeWithdrawals
)

// AccountKey is the in-memory key for balance tracking. Owner is the trader
// for user accounts and the market token for per-market system accounts.
type AccountKey struct {
	Scope   AccountScope
	Owner   event.Address
	SubType AccountSubType
}

// UserAccount creates a key for a trader's available or locked collateral.
func UserAccount(trader event.Address, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: trader, SubType: subType}
}

// SystemAccount creates a process-wide system account key.
func SystemAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// MarketAccount creates a system account scoped to one market.
func MarketAccount(token event.Address, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Owner: token, SubType: subType}
}

// ExternalAccount creates a key for the on-chain boundary accounts.
func ExternalAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner.Hex(), k.subTypeName())
	case AccountScopeSystem:
		if k.Owner.IsZero() {
			return fmt.Sprintf("system:%s", k.subTypeName())
		}
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Owner.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) IsUser() bool { return k.Scope == AccountScopeUser }

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeLocked:
		return "locked"
	case SubTypeInsuranceFund:
		return "insurance_fund"
	case SubTypeFundingPool:
		return "funding_pool"
	case SubTypeClearing:
		return "clearing"
	case SubTypeDeposits:
		return "deposits"
	case SubTypeWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
