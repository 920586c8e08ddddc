package ledger_test

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"errors"
	"math/big"
	"testing"
)

var (
	alice = event.MustParseAddress("0x00000000000000000000000000000000000a11ce")
	bob   = event.MustParseAddress("0x0000000000000000000000000000000000000b0b")
	token = event.MustParseAddress("0x2222222222222222222222222222222222222222")
)

type recordingSink struct{ batches []*ledger.Batch }

func (s *recordingSink) AppendBatch(b *ledger.Batch) { s.batches = append(s.batches, b) }

func wei(v int64) *big.Int { return big.NewInt(v) }

func mustDeposit(t *testing.T, l *ledger.AccountLedger, who event.Address, amount int64) {
	t.Helper()
	if err := l.Deposit(who, wei(amount), ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func assertBalance(t *testing.T, l *ledger.AccountLedger, who event.Address, available, locked int64) {
	t.Helper()
	b := l.Balance(who)
	if b.Available.Cmp(wei(available)) != 0 || b.Locked.Cmp(wei(locked)) != 0 {
		t.Errorf("balance = {%s, %s}, want {%d, %d}", b.Available, b.Locked, available, locked)
	}
}

func assertInvariants(t *testing.T, l *ledger.AccountLedger) {
	t.Helper()
	if err := l.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.UserAccount(alice, ledger.SubTypeAvailable), "user:0x00000000000000000000000000000000000a11ce:available"},
		{ledger.UserAccount(alice, ledger.SubTypeLocked), "user:0x00000000000000000000000000000000000a11ce:locked"},
		{ledger.SystemAccount(ledger.SubTypeInsuranceFund), "system:insurance_fund"},
		{ledger.MarketAccount(token, ledger.SubTypeFundingPool), "system:funding_pool:0x2222222222222222222222222222222222222222"},
		{ledger.ExternalAccount(ledger.SubTypeDeposits), "external:deposits"},
	}
	for _, c := range cases {
		if got := c.key.AccountPath(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_RejectsEmptyAndSelfTransfer(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(&ledger.Batch{}); err == nil {
		t.Error("empty batch should be rejected")
	}

	key := ledger.UserAccount(alice, ledger.SubTypeAvailable)
	b := &ledger.Batch{Journals: []ledger.Journal{{DebitAccount: key, CreditAccount: key, Amount: wei(1)}}}
	if err := bt.ApplyBatch(b); err == nil {
		t.Error("self transfer should be rejected")
	}
}

// ============================================================================
// Test: deposits, withdrawals, reservations
// ============================================================================

func TestDeposit_CreditsAvailable(t *testing.T) {
	sink := &recordingSink{}
	l := ledger.NewAccountLedger(ledger.WithSink(sink))
	mustDeposit(t, l, alice, 1_000)

	assertBalance(t, l, alice, 1_000, 0)
	assertInvariants(t, l)
	if len(sink.batches) != 1 {
		t.Errorf("sink got %d batches, want 1", len(sink.batches))
	}
}

func TestDeposit_DuplicateRef(t *testing.T) {
	l := ledger.NewAccountLedger()
	if err := l.Deposit(alice, wei(5), "0xabc:1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Deposit(alice, wei(5), "0xabc:1"); !errors.Is(err, ledger.ErrDuplicateRef) {
		t.Fatalf("expected ErrDuplicateRef, got %v", err)
	}
	assertBalance(t, l, alice, 5, 0)
}

func TestWithdraw_Insufficient(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 10)

	if err := l.Withdraw(alice, wei(11), ""); !errors.Is(err, apperr.ErrInsufficientMargin) {
		t.Fatalf("expected InsufficientMargin, got %v", err)
	}
	if err := l.Withdraw(alice, wei(4), ""); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, alice, 6, 0)
	assertInvariants(t, l)
}

func TestReserve_InsufficientLeavesLockedUnchanged(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)

	if _, err := l.Reserve(alice, wei(100), "o1"); err != nil {
		t.Fatal(err)
	}
	_, err := l.Reserve(alice, wei(1), "o2")
	if !errors.Is(err, apperr.ErrInsufficientMargin) {
		t.Fatalf("expected InsufficientMargin, got %v", err)
	}
	assertBalance(t, l, alice, 0, 100)
}

func TestRelease_ReturnsToAvailable(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	if _, err := l.Reserve(alice, wei(60), "o1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Release(alice, wei(20), "o1"); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, alice, 60, 40)
	if total := l.Balance(alice).Total(); total.Cmp(wei(100)) != 0 {
		t.Errorf("total = %s, want 100", total)
	}

	if _, err := l.Release(alice, wei(41), "o1"); err == nil {
		t.Error("releasing more than locked must fail")
	}
	assertInvariants(t, l)
}

// ============================================================================
// Test: position settlement
// ============================================================================

func TestClosePortion_ProfitAndLoss(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	mustDeposit(t, l, bob, 100)
	l.Reserve(alice, wei(50), "a")
	l.Reserve(bob, wei(50), "b")

	if _, _, err := l.ClosePortion(alice, wei(50), wei(20), "close-a"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.ClosePortion(bob, wei(50), wei(-20), "close-b"); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, alice, 120, 0)
	assertBalance(t, l, bob, 80, 0)
	if c := l.AccountBalance(ledger.SystemAccount(ledger.SubTypeClearing)); c.Sign() != 0 {
		t.Errorf("clearing = %s, want 0", c)
	}
	assertInvariants(t, l)
}

func TestLiquidate_PenaltyCappedAtEquity(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	l.Reserve(alice, wei(100), "a")

	_, res, err := l.Liquidate(alice, wei(100), wei(-95), wei(10), "liq")
	if err != nil {
		t.Fatal(err)
	}
	if res.Penalty.Cmp(wei(5)) != 0 || res.Returned.Sign() != 0 {
		t.Errorf("penalty=%s returned=%s, want 5 and 0", res.Penalty, res.Returned)
	}
	if got := l.InsuranceFundBalance(); got.Cmp(wei(5)) != 0 {
		t.Errorf("insurance = %s, want 5", got)
	}
	assertInvariants(t, l)
}

func TestLiquidate_ShortfallCoveredThenDeficit(t *testing.T) {
	l := ledger.NewAccountLedger()
	if err := l.SeedInsuranceFund(wei(30), "seed"); err != nil {
		t.Fatal(err)
	}
	mustDeposit(t, l, alice, 100)
	l.Reserve(alice, wei(100), "a")

	_, res, err := l.Liquidate(alice, wei(100), wei(-150), wei(10), "liq")
	if err != nil {
		t.Fatal(err)
	}
	if res.Shortfall.Cmp(wei(50)) != 0 {
		t.Errorf("shortfall = %s, want 50", res.Shortfall)
	}
	if res.InsuranceCovered.Cmp(wei(30)) != 0 || res.Deficit.Cmp(wei(20)) != 0 {
		t.Errorf("covered=%s deficit=%s, want 30 and 20", res.InsuranceCovered, res.Deficit)
	}
	if got := l.InsuranceFundBalance(); got.Sign() != 0 {
		t.Errorf("insurance fund = %s, want 0 (never negative)", got)
	}
	assertBalance(t, l, alice, 0, 0)
	assertInvariants(t, l)
}

// ============================================================================
// Test: funding and reversal
// ============================================================================

func TestFunding_ChargeCreditSweep(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	mustDeposit(t, l, bob, 100)
	l.Reserve(alice, wei(100), "a")
	l.Reserve(bob, wei(100), "b")

	if err := l.FundingCharge(alice, token, wei(7), wei(100), "f"); err != nil {
		t.Fatal(err)
	}
	if err := l.FundingCredit(bob, token, wei(6), "f"); err != nil {
		t.Fatal(err)
	}
	swept, err := l.SweepFundingPool(token, "f")
	if err != nil {
		t.Fatal(err)
	}
	if swept.Cmp(wei(1)) != 0 {
		t.Errorf("swept = %s, want 1", swept)
	}
	assertBalance(t, l, alice, 0, 93)
	assertBalance(t, l, bob, 0, 106)
	assertInvariants(t, l)
}

func TestFundingCharge_ExceedsCollateral(t *testing.T) {
	l := ledger.NewAccountLedger()
	err := l.FundingCharge(alice, token, wei(7), wei(3), "f")
	if !errors.Is(err, apperr.ErrInsufficientMargin) {
		t.Fatalf("expected InsufficientMargin, got %v", err)
	}
}

func TestReverse_RestoresBalances(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	r, _ := l.Reserve(alice, wei(40), "o")
	c, _, err := l.ClosePortion(alice, wei(40), wei(15), "c")
	if err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, alice, 115, 0)

	if _, err := l.Reverse([]*ledger.Batch{r, c}, "rollback"); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, alice, 100, 0)
	assertInvariants(t, l)
}

func TestReverse_FailsAtomically(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	c, _, _ := l.ClosePortion(alice, wei(0), wei(30), "c")
	if err := l.Withdraw(alice, wei(120), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reverse([]*ledger.Batch{c}, "rollback"); err == nil {
		t.Fatal("reversal that drives available negative must fail")
	}
	assertBalance(t, l, alice, 10, 0)
}

func TestReconcile(t *testing.T) {
	l := ledger.NewAccountLedger()
	mustDeposit(t, l, alice, 100)
	l.Reserve(alice, wei(30), "o")

	if d := l.Reconcile(alice, wei(100)); d.Sign() != 0 {
		t.Errorf("diff = %s, want 0", d)
	}
	if d := l.Reconcile(alice, wei(90)); d.Cmp(wei(-10)) != 0 {
		t.Errorf("diff = %s, want -10", d)
	}
}
