package ledger

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrDuplicateRef is returned when an external event was already applied.
var ErrDuplicateRef = errors.New("ledger: duplicate event reference")

// JournalSink receives every applied batch, in application order.
type JournalSink interface {
	AppendBatch(b *Batch)
}

// Balance is the trader view of their custodied collateral.
type Balance struct {
	Available *big.Int
	Locked    *big.Int
}

func (b Balance) Total() *big.Int { return new(big.Int).Add(b.Available, b.Locked) }

// AccountLedger is the only writer of balances. All methods are safe for
// concurrent use; market workers share one ledger.
type AccountLedger struct {
	mu        sync.Mutex
	tracker   *BalanceTracker
	generator *JournalGenerator
	validator *InvariantValidator
	sink      JournalSink
	external  map[string]struct{}
	now       func() time.Time
}

type Option func(*AccountLedger)

// WithSink forwards applied batches to s.
func WithSink(s JournalSink) Option { return func(l *AccountLedger) { l.sink = s } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *AccountLedger) { l.now = now } }

func NewAccountLedger(opts ...Option) *AccountLedger {
	tracker := NewBalanceTracker()
	l := &AccountLedger{
		tracker:   tracker,
		generator: NewJournalGenerator(0, tracker),
		validator: NewInvariantValidator(tracker),
		external:  make(map[string]struct{}),
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *AccountLedger) ts() int64 { return l.now().UnixMicro() }

// apply must be called with l.mu held.
func (l *AccountLedger) apply(b *Batch) error {
	if len(b.Journals) == 0 {
		return nil
	}
	if err := l.tracker.ApplyBatch(b); err != nil {
		return err
	}
	if l.sink != nil {
		l.sink.AppendBatch(b)
	}
	return nil
}

func requirePositive(amount *big.Int, what string) error {
	if amount == nil || amount.Sign() <= 0 {
		return apperr.New(apperr.CodeInvalidOrderParameters, "%s amount must be positive", what)
	}
	return nil
}

// Deposit credits a confirmed on-chain deposit. ref identifies the chain
// event (tx hash and log index); a repeated ref returns ErrDuplicateRef.
func (l *AccountLedger) Deposit(trader event.Address, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "deposit"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.external[ref]; seen && ref != "" {
		return ErrDuplicateRef
	}
	if err := l.apply(l.generator.GenerateDeposit(trader, amount, ref, l.ts())); err != nil {
		return err
	}
	if ref != "" {
		l.external[ref] = struct{}{}
	}
	return nil
}

// Withdraw debits available collateral for an on-chain withdrawal.
func (l *AccountLedger) Withdraw(trader event.Address, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "withdrawal"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.external[ref]; seen && ref != "" {
		return ErrDuplicateRef
	}
	b, err := l.generator.GenerateWithdrawal(trader, amount, ref, l.ts())
	if err != nil {
		return err
	}
	if err := l.apply(b); err != nil {
		return err
	}
	if ref != "" {
		l.external[ref] = struct{}{}
	}
	return nil
}

// Reserve locks amount of available collateral. It fails with
// InsufficientMargin and leaves balances untouched when available < amount.
func (l *AccountLedger) Reserve(trader event.Address, amount *big.Int, ref string) (*Batch, error) {
	if amount.Sign() == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.generator.GenerateMarginReserve(trader, amount, ref, l.ts())
	if err != nil {
		return nil, err
	}
	if err := l.apply(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Release unlocks amount back to available.
func (l *AccountLedger) Release(trader event.Address, amount *big.Int, ref string) (*Batch, error) {
	if amount.Sign() == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.generator.GenerateMarginRelease(trader, amount, ref, l.ts())
	if err := l.apply(b); err != nil {
		return nil, fmt.Errorf("release %s for %s: %w", amount, trader.Hex(), err)
	}
	return b, nil
}

// ClosePortion realizes pnl on a reduced position and returns its collateral.
func (l *AccountLedger) ClosePortion(trader event.Address, collateral, pnl *big.Int, ref string) (*Batch, SettlementResult, error) {
	return l.settle(trader, collateral, pnl, nil, ref)
}

// Liquidate closes a position's collateral with a penalty to the insurance fund.
func (l *AccountLedger) Liquidate(trader event.Address, collateral, pnl, penalty *big.Int, ref string) (*Batch, SettlementResult, error) {
	return l.settle(trader, collateral, pnl, penalty, ref)
}

func (l *AccountLedger) settle(trader event.Address, collateral, pnl, penalty *big.Int, ref string) (*Batch, SettlementResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, res := l.generator.GeneratePositionSettlement(trader, collateral, pnl, penalty, ref, l.ts())
	if err := l.apply(b); err != nil {
		return nil, SettlementResult{}, fmt.Errorf("settle position of %s: %w", trader.Hex(), err)
	}
	return b, res, nil
}

// FundingCharge takes a funding payment out of the trader's position
// collateral. collateral bounds what the position can pay.
func (l *AccountLedger) FundingCharge(trader, token event.Address, amount, collateral *big.Int, ref string) error {
	if amount.Sign() == 0 {
		return nil
	}
	if collateral.Cmp(amount) < 0 {
		return apperr.New(apperr.CodeInsufficientMargin,
			"funding charge %s exceeds position collateral %s", amount, collateral)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(l.generator.GenerateFundingCharge(trader, token, amount, ref, l.ts()))
}

// FundingCredit pays a receiver out of the market's funding pool.
func (l *AccountLedger) FundingCredit(trader, token event.Address, amount *big.Int, ref string) error {
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pool := l.tracker.GetBalance(MarketAccount(token, SubTypeFundingPool))
	if pool.Cmp(amount) < 0 {
		return fmt.Errorf("funding pool %s holds %s, cannot pay %s", token.Hex(), pool, amount)
	}
	return l.apply(l.generator.GenerateFundingCredit(trader, token, amount, ref, l.ts()))
}

// SweepFundingPool moves the pool residual to the insurance fund and returns it.
func (l *AccountLedger) SweepFundingPool(token event.Address, ref string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.generator.GenerateFundingSweep(token, ref, l.ts())
	swept := b.Net(SystemAccount(SubTypeInsuranceFund))
	if err := l.apply(b); err != nil {
		return nil, err
	}
	if err := l.validator.ValidateFundingPoolZero(token); err != nil {
		return nil, err
	}
	return swept, nil
}

// Reverse posts a compensating batch for batches. It is applied atomically
// and fails without effect if a user account would go negative.
func (l *AccountLedger) Reverse(batches []*Batch, ref string) (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.generator.GenerateReversal(batches, ref, l.ts())
	if err := l.apply(b); err != nil {
		return nil, fmt.Errorf("reverse %s: %w", ref, err)
	}
	return b, nil
}

// SeedInsuranceFund adds outside capital to the insurance fund.
func (l *AccountLedger) SeedInsuranceFund(amount *big.Int, ref string) error {
	if err := requirePositive(amount, "insurance seed"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(l.generator.GenerateInsuranceSeed(amount, ref, l.ts()))
}

func (l *AccountLedger) Balance(trader event.Address) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Balance{
		Available: l.tracker.GetUserAvailable(trader),
		Locked:    l.tracker.GetUserLocked(trader),
	}
}

func (l *AccountLedger) InsuranceFundBalance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(SystemAccount(SubTypeInsuranceFund))
}

func (l *AccountLedger) AccountBalance(key AccountKey) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(key)
}

func (l *AccountLedger) Traders() []event.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.Traders()
}

// Reconcile returns onChainTotal minus the ledger's available+locked.
// Zero means the two views agree.
func (l *AccountLedger) Reconcile(trader event.Address, onChainTotal *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Sub(onChainTotal, l.tracker.GetUserTotal(trader))
}

// CheckInvariants validates zero-sum and non-negativity over every account.
func (l *AccountLedger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validator.ValidateAll()
}
