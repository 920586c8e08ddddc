package core_test

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"MemePerp/internal/nonce"
	"MemePerp/internal/order"
	"MemePerp/internal/settlement"
	"MemePerp/internal/signing"
	"MemePerp/internal/state"
	"MemePerp/internal/testutil"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type harness struct {
	ex       *core.Exchange
	ledger   *ledger.AccountLedger
	chain    *testutil.StaticNonces
	verifier *signing.Verifier
	settle   chan settlement.Item
	priceSeq int64
}

func newHarness(t *testing.T, markets ...state.MarketParams) *harness {
	t.Helper()
	if len(markets) == 0 {
		markets = []state.MarketParams{state.DefaultMarketParams(testutil.TokenA, "MEME")}
	}

	chain := testutil.NewStaticNonces()
	h := &harness{
		ledger:   ledger.NewAccountLedger(),
		chain:    chain,
		verifier: testutil.NewVerifier(),
		settle:   make(chan settlement.Item, 1024),
	}
	ex, err := core.NewExchange(core.ExchangeConfig{
		Verifier: h.verifier,
		Nonces:   nonce.NewLedger(chain, time.Second),
		Ledger:   h.ledger,
		Outputs:  core.Outputs{Settlement: h.settle},
		Logger:   zerolog.Nop(),
	}, markets)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}
	h.ex = ex

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("exchange run: %v", err)
		}
	})
	return h
}

func (h *harness) worker(t *testing.T) *core.MarketWorker {
	t.Helper()
	w, err := h.ex.Worker(testutil.TokenA)
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	return w
}

func (h *harness) deposit(t *testing.T, tr testutil.Trader, amount *big.Int) {
	t.Helper()
	if err := h.ledger.Deposit(tr.Address, amount, "deposit:"+uuid.NewString()); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) submit(t *testing.T, tr testutil.Trader, spec testutil.OrderSpec) (*core.SubmitResult, error) {
	t.Helper()
	if spec.Token.IsZero() {
		spec.Token = testutil.TokenA
	}
	return h.ex.Submit(context.Background(), testutil.SignedOrder(t, h.verifier, tr, spec))
}

func (h *harness) mustSubmit(t *testing.T, tr testutil.Trader, spec testutil.OrderSpec) *core.SubmitResult {
	t.Helper()
	res, err := h.submit(t, tr, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func (h *harness) mark(t *testing.T, price *big.Int) {
	t.Helper()
	h.priceSeq++
	applied, err := h.ex.ApplyMarkPrice(context.Background(), &event.MarkPriceUpdate{
		Token:         testutil.TokenA,
		MarkPrice:     price,
		Source:        "test",
		PriceSequence: h.priceSeq,
	})
	if err != nil || !applied {
		t.Fatalf("ApplyMarkPrice: applied=%v err=%v", applied, err)
	}
}

// open matches a LIMIT long from long against a MARKET short from short.
func (h *harness) open(t *testing.T, long, short testutil.Trader, size, price *big.Int) *event.Trade {
	t.Helper()
	h.mustSubmit(t, long, testutil.OrderSpec{IsLong: true, Size: size, Price: price, Type: order.TypeLimit})
	res := h.mustSubmit(t, short, testutil.OrderSpec{IsLong: false, Size: size, Type: order.TypeMarket})
	if res.Status != order.StatusFilled {
		t.Fatalf("expected FILLED taker, got %s", res.Status)
	}
	return h.nextTrade(t)
}

func (h *harness) nextTrade(t *testing.T) *event.Trade {
	t.Helper()
	for {
		select {
		case it := <-h.settle:
			if it.Trade != nil {
				return it.Trade
			}
		case <-time.After(time.Second):
			t.Fatal("no trade emitted")
			return nil
		}
	}
}

func (h *harness) position(t *testing.T, tr testutil.Trader) *state.Position {
	t.Helper()
	views, err := h.ex.Positions(context.Background(), tr.Address)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(views) == 0 {
		return nil
	}
	return views[0].Position
}

func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	if err := h.ledger.CheckInvariants(); err != nil {
		t.Fatalf("ledger invariants: %v", err)
	}
}

func px(v int64) *big.Int { return big.NewInt(v) }

func expectBig(t *testing.T, what string, got, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Errorf("%s: expected %s, got %v", what, want, got)
	}
}

func expectCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

var (
	alice = testutil.NewTrader(1)
	bob   = testutil.NewTrader(2)
	carol = testutil.NewTrader(3)
	dave  = testutil.NewTrader(4)

	price1    = px(1_000_000_000_000)  // 1e-6 collateral per token
	margin100 = px(20_000_000_000_000) // 100 tokens at price1, 5x
	funds     = px(1_000_000_000_000_000)
)

// ============================================================================
// Test: Matching
// ============================================================================

func TestSubmit_LimitRestsMarketFills(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)

	res := h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(100), Price: price1, Type: order.TypeLimit})
	if res.Status != order.StatusPending || len(res.Matches) != 0 {
		t.Fatalf("expected resting PENDING order, got %s with %d matches", res.Status, len(res.Matches))
	}
	expectBig(t, "alice locked after rest", h.ex.Balance(alice.Address).Locked, margin100)

	res = h.mustSubmit(t, bob, testutil.OrderSpec{IsLong: false, Size: testutil.Tokens(100), Type: order.TypeMarket})
	if res.Status != order.StatusFilled {
		t.Fatalf("expected FILLED, got %s", res.Status)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res.Matches))
	}
	expectBig(t, "match price", res.Matches[0].Price, price1)

	trade := h.nextTrade(t)
	if trade.LongTrader != alice.Address || trade.ShortTrader != bob.Address {
		t.Errorf("unexpected counterparties %s / %s", trade.LongTrader.Hex(), trade.ShortTrader.Hex())
	}
	if trade.TakerSide != event.SideShort {
		t.Errorf("expected short taker, got %s", trade.TakerSide)
	}

	for _, tr := range []testutil.Trader{alice, bob} {
		p := h.position(t, tr)
		if p == nil {
			t.Fatalf("expected position for %s", tr.Address.Hex())
		}
		expectBig(t, "entry price", p.EntryPrice, price1)
		expectBig(t, "collateral", p.Collateral, margin100)
		expectBig(t, "locked", h.ex.Balance(tr.Address).Locked, margin100)
	}

	snap, err := h.ex.Orderbook(context.Background(), testutil.TokenA, 10)
	if err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Errorf("expected empty book, got %d bids %d asks", len(snap.Bids), len(snap.Asks))
	}
	expectBig(t, "last price", snap.LastPrice, price1)
	h.checkInvariants(t)
}

func TestSubmit_ExecutesAtMakerPrice(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)

	h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: false, Size: testutil.Tokens(100), Price: price1, Type: order.TypeLimit})
	res := h.mustSubmit(t, bob, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(100), Price: px(1_200_000_000_000), Type: order.TypeLimit})

	if res.Status != order.StatusFilled || len(res.Matches) != 1 {
		t.Fatalf("expected one full fill, got %s with %d matches", res.Status, len(res.Matches))
	}
	expectBig(t, "trade price", res.Matches[0].Price, price1)

	// the reservation taken at 1.2e12 shrinks to the margin at the fill price
	expectBig(t, "bob locked", h.ex.Balance(bob.Address).Locked, margin100)
	expectBig(t, "bob available", h.ex.Balance(bob.Address).Available, new(big.Int).Sub(funds, margin100))
	h.checkInvariants(t)
}

func TestSubmit_PartialFillLeavesRemainderResting(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)

	h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(100), Price: price1, Type: order.TypeLimit})
	res := h.mustSubmit(t, bob, testutil.OrderSpec{IsLong: false, Size: testutil.Tokens(40), Type: order.TypeMarket})
	expectBig(t, "taker filled", res.Filled, testutil.Tokens(40))

	snap, err := h.ex.Orderbook(context.Background(), testutil.TokenA, 10)
	if err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	if len(snap.Bids) != 1 {
		t.Fatalf("expected 1 bid level, got %d", len(snap.Bids))
	}
	expectBig(t, "resting size", snap.Bids[0].Size, testutil.Tokens(60))

	// position collateral plus the remaining reservation
	expectBig(t, "alice locked", h.ex.Balance(alice.Address).Locked, margin100)
	expectBig(t, "bob locked", h.ex.Balance(bob.Address).Locked, px(8_000_000_000_000))
	expectBig(t, "alice position", h.position(t, alice).Size, testutil.Tokens(40))
	h.checkInvariants(t)
}

func TestSubmit_MarketOrderWithoutLiquidityIsCancelled(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, bob, funds)

	res := h.mustSubmit(t, bob, testutil.OrderSpec{IsLong: false, Size: testutil.Tokens(10), Price: price1, Type: order.TypeMarket})
	if res.Status != order.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	expectBig(t, "bob locked", h.ex.Balance(bob.Address).Locked, new(big.Int))

	next, err := h.ex.NextNonce(context.Background(), bob.Address)
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if next != 0 {
		t.Errorf("expected unused nonce 0 to be released, next is %d", next)
	}
}

// ============================================================================
// Test: Intake rejections
// ============================================================================

func TestSubmit_InsufficientMargin(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, margin100)

	h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(100), Price: price1, Type: order.TypeLimit})

	_, err := h.submit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit, Nonce: 1})
	expectCode(t, err, apperr.CodeInsufficientMargin)
	if !errors.Is(err, apperr.ErrInsufficientMargin) {
		t.Errorf("expected errors.Is match on InsufficientMargin")
	}

	expectBig(t, "locked unchanged", h.ex.Balance(alice.Address).Locked, margin100)
	next, err := h.ex.NextNonce(context.Background(), alice.Address)
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if next != 1 {
		t.Errorf("expected rejected nonce 1 to stay available, next is %d", next)
	}
}

func TestSubmit_NonceMismatch(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)

	_, err := h.submit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit, Nonce: 5})
	expectCode(t, err, apperr.CodeNonceMismatch)

	h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit, Nonce: 0})
	_, err = h.submit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit, Nonce: 0})
	expectCode(t, err, apperr.CodeNonceMismatch)
}

func TestSubmit_ChainNonceSeedsExpected(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.chain.Set(alice.Address, 7)

	next, err := h.ex.NextNonce(context.Background(), alice.Address)
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if next != 7 {
		t.Fatalf("expected 7, got %d", next)
	}
	h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit, Nonce: 7})
}

func TestSubmit_InvalidSignature(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)

	o := testutil.SignedOrder(t, h.verifier, alice, testutil.OrderSpec{
		Token: testutil.TokenA, IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit,
	})
	o.Size = testutil.Tokens(2)

	_, err := h.ex.Submit(context.Background(), o)
	expectCode(t, err, apperr.CodeInvalidSignature)
	expectBig(t, "locked", h.ex.Balance(alice.Address).Locked, new(big.Int))
}

func TestSubmit_ExpiredDeadline(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)

	_, err := h.submit(t, alice, testutil.OrderSpec{
		IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit,
		Deadline: time.Now().Add(-time.Minute).Unix(),
	})
	expectCode(t, err, apperr.CodeOrderExpired)
}

func TestSubmit_LeverageAboveMarketMax(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)

	_, err := h.submit(t, alice, testutil.OrderSpec{
		IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit, Leverage: 500_000,
	})
	expectCode(t, err, apperr.CodeInvalidOrderParameters)
}

func TestSubmit_UnknownOrPausedMarket(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)

	_, err := h.submit(t, alice, testutil.OrderSpec{Token: testutil.TokenB, IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit})
	expectCode(t, err, apperr.CodeMarketInactive)

	inactive := false
	if _, err := h.ex.UpdateParams(context.Background(), &event.RiskParamUpdate{Token: testutil.TokenA, Active: &inactive}); err != nil {
		t.Fatalf("UpdateParams: %v", err)
	}
	_, err = h.submit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(1), Price: price1, Type: order.TypeLimit})
	expectCode(t, err, apperr.CodeMarketInactive)
}

// ============================================================================
// Test: Cancel
// ============================================================================

func TestCancel_ReleasesMarginAndNonce(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)

	res := h.mustSubmit(t, alice, testutil.OrderSpec{IsLong: true, Size: testutil.Tokens(100), Price: price1, Type: order.TypeLimit})

	_, err := h.ex.Cancel(context.Background(), &order.CancelRequest{
		OrderID: res.OrderID.String(), Token: testutil.TokenA.Hex(), Trader: bob.Address.Hex(),
	})
	expectCode(t, err, apperr.CodeOrderNotFound)

	cancelled, err := h.ex.Cancel(context.Background(), &order.CancelRequest{
		OrderID: res.OrderID.String(), Token: testutil.TokenA.Hex(), Trader: alice.Address.Hex(),
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}

	bal := h.ex.Balance(alice.Address)
	expectBig(t, "locked", bal.Locked, new(big.Int))
	expectBig(t, "available", bal.Available, funds)

	next, err := h.ex.NextNonce(context.Background(), alice.Address)
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if next != 0 {
		t.Errorf("expected nonce 0 released, next is %d", next)
	}
}

// ============================================================================
// Test: Settlement rollback
// ============================================================================

func TestRollback_RestoresOrdersPositionsAndBalances(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)

	trade := h.open(t, alice, bob, testutil.Tokens(100), price1)

	if err := h.ex.RollbackTrades(context.Background(), uuid.New(), []*event.Trade{trade}, "reverted on chain"); err != nil {
		t.Fatalf("RollbackTrades: %v", err)
	}

	if p := h.position(t, alice); p != nil {
		t.Errorf("expected alice flat, got size %s", p.Size)
	}
	if p := h.position(t, bob); p != nil {
		t.Errorf("expected bob flat, got size %s", p.Size)
	}

	// the maker goes back to the book with its reservation
	snap, err := h.ex.Orderbook(context.Background(), testutil.TokenA, 10)
	if err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	if len(snap.Bids) != 1 {
		t.Fatalf("expected restored bid, got %d levels", len(snap.Bids))
	}
	expectBig(t, "restored size", snap.Bids[0].Size, testutil.Tokens(100))
	expectBig(t, "alice locked", h.ex.Balance(alice.Address).Locked, margin100)

	// the MARKET taker cannot rest and gets its margin back
	bal := h.ex.Balance(bob.Address)
	expectBig(t, "bob locked", bal.Locked, new(big.Int))
	expectBig(t, "bob available", bal.Available, funds)

	pending, err := h.worker(t).PendingFills(context.Background())
	if err != nil {
		t.Fatalf("PendingFills: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no pending fills, got %d", pending)
	}
	h.checkInvariants(t)
}

func TestConfirmTrades_DropsPendingFills(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)

	trade := h.open(t, alice, bob, testutil.Tokens(10), price1)
	w := h.worker(t)

	if n, _ := w.PendingFills(context.Background()); n != 1 {
		t.Fatalf("expected 1 pending fill, got %d", n)
	}
	if err := h.ex.ConfirmTrades(context.Background(), []*event.Trade{trade}); err != nil {
		t.Fatalf("ConfirmTrades: %v", err)
	}
	if n, _ := w.PendingFills(context.Background()); n != 0 {
		t.Fatalf("expected 0 pending fills, got %d", n)
	}

	// a late rollback of a confirmed trade changes nothing
	if err := h.ex.RollbackTrades(context.Background(), uuid.New(), []*event.Trade{trade}, "late"); err != nil {
		t.Fatalf("RollbackTrades: %v", err)
	}
	expectBig(t, "alice position", h.position(t, alice).Size, testutil.Tokens(10))
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_HealthyPositionUntouched(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)
	h.open(t, alice, bob, testutil.Tokens(100), price1)

	h.mark(t, px(900_000_000_000))
	out, err := h.worker(t).Liquidate(context.Background(), alice.Address, event.UrgencyCritical)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if out.Liquidation != nil {
		t.Fatalf("expected no liquidation at ratio %d", out.Assessment.MarginRatioBps)
	}
	if h.position(t, alice) == nil {
		t.Fatal("position should remain open")
	}
}

func TestLiquidate_BelowMaintenance(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)
	h.open(t, alice, bob, testutil.Tokens(100), price1)

	h.mark(t, px(810_000_000_000))
	out, err := h.worker(t).Liquidate(context.Background(), alice.Address, event.UrgencyCritical)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	liq := out.Liquidation
	if liq == nil {
		t.Fatal("expected liquidation")
	}
	if want := event.PairID(testutil.TokenA, alice.Address); liq.PairID != want {
		t.Errorf("pair id = %q, want %q", liq.PairID, want)
	}
	if liq.MarginRatioBps != 123 {
		t.Errorf("expected margin ratio 123 bps, got %d", liq.MarginRatioBps)
	}
	expectBig(t, "penalty", liq.Penalty, px(405_000_000_000))
	expectBig(t, "returned", liq.Returned, px(595_000_000_000))
	expectBig(t, "shortfall", liq.Shortfall, new(big.Int))
	if len(out.ADL) != 0 {
		t.Errorf("expected no ADL, got %d", len(out.ADL))
	}

	if h.position(t, alice) != nil {
		t.Error("expected alice flat after liquidation")
	}
	bal := h.ex.Balance(alice.Address)
	expectBig(t, "alice locked", bal.Locked, new(big.Int))
	expectBig(t, "alice available", bal.Available, new(big.Int).Add(new(big.Int).Sub(funds, margin100), px(595_000_000_000)))
	expectBig(t, "insurance fund", h.ledger.InsuranceFundBalance(), px(405_000_000_000))
	h.checkInvariants(t)
}

func TestLiquidate_ShortfallTriggersADL(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.deposit(t, bob, funds)
	h.open(t, alice, bob, testutil.Tokens(100), price1)

	h.mark(t, px(700_000_000_000))
	out, err := h.worker(t).Liquidate(context.Background(), alice.Address, event.UrgencyCritical)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	liq := out.Liquidation
	if liq == nil {
		t.Fatal("expected liquidation")
	}
	deficit := px(10_000_000_000_000)
	expectBig(t, "shortfall", liq.Shortfall, deficit)
	expectBig(t, "deficit", liq.Deficit, deficit)

	if len(out.ADL) != 1 {
		t.Fatalf("expected 1 ADL event, got %d", len(out.ADL))
	}
	adl := out.ADL[0]
	if !adl.AutoDeleverage || adl.Trader != bob.Address {
		t.Fatalf("expected bob auto-deleveraged, got %+v", adl)
	}
	expectBig(t, "haircut", adl.Haircut, deficit)
	expectBig(t, "insurance deficit", h.ex.Insurance().Deficit(), new(big.Int))

	p := h.position(t, bob)
	if p == nil || p.Size.Cmp(testutil.Tokens(100)) >= 0 {
		t.Fatalf("expected bob reduced, got %+v", p)
	}
	h.checkInvariants(t)
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestApplyFunding_ImbalancedOpenInterest(t *testing.T) {
	h := newHarness(t)
	for _, tr := range []testutil.Trader{alice, bob, carol, dave} {
		h.deposit(t, tr, funds)
	}
	h.open(t, alice, bob, testutil.Tokens(100), price1)
	h.open(t, carol, dave, testutil.Tokens(100), price1)

	// dave is liquidated, leaving 200 long against 100 short
	h.mark(t, px(1_180_000_000_000))
	w := h.worker(t)
	out, err := w.Liquidate(context.Background(), dave.Address, event.UrgencyCritical)
	if err != nil || out.Liquidation == nil {
		t.Fatalf("expected dave liquidated: %v", err)
	}

	rec, err := w.ApplyFunding(context.Background(), 1)
	if err != nil {
		t.Fatalf("ApplyFunding: %v", err)
	}
	if rec.Rate != 16667 {
		t.Errorf("expected rate 16667, got %d", rec.Rate)
	}
	if rec.PositionsSettled != 3 || rec.PositionsFailed != 0 {
		t.Errorf("expected 3 settled 0 failed, got %d/%d", rec.PositionsSettled, rec.PositionsFailed)
	}
	charge := px(19_667_060_000)
	expectBig(t, "total paid", rec.TotalPaid, new(big.Int).Mul(charge, big.NewInt(2)))

	sum := new(big.Int).Add(rec.TotalReceived, rec.RoundingResidual)
	expectBig(t, "paid == received + residual", rec.TotalPaid, sum)

	expectBig(t, "alice collateral", h.position(t, alice).Collateral, new(big.Int).Sub(margin100, charge))
	expectBig(t, "bob collateral", h.position(t, bob).Collateral, new(big.Int).Add(margin100, rec.TotalReceived))
	h.checkInvariants(t)

	// a repeated epoch returns the settled record and charges nobody again
	again, err := w.ApplyFunding(context.Background(), 1)
	if err != nil || again != rec {
		t.Fatalf("repeat epoch = %p, %v; want the first record", again, err)
	}
	expectBig(t, "alice collateral after repeat", h.position(t, alice).Collateral, new(big.Int).Sub(margin100, charge))
	if _, err := w.ApplyFunding(context.Background(), 0); !errors.Is(err, core.ErrStaleFundingEpoch) {
		t.Errorf("older epoch: expected ErrStaleFundingEpoch, got %v", err)
	}
}

func TestWorker_AbandonedCommandIsNotRun(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, funds)
	h.mark(t, price1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.worker(t).ApplyFunding(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// epoch 1 never ran, so it is still open
	rec, err := h.worker(t).ApplyFunding(context.Background(), 1)
	if err != nil || rec.Epoch != 1 {
		t.Fatalf("ApplyFunding after abandoned call = %+v, %v", rec, err)
	}
}

func TestApplyFunding_NoMarkPrice(t *testing.T) {
	h := newHarness(t)
	_, err := h.worker(t).ApplyFunding(context.Background(), 1)
	if !errors.Is(err, core.ErrNoMarkPrice) {
		t.Fatalf("expected ErrNoMarkPrice, got %v", err)
	}
}

// ============================================================================
// Test: Mark price sequencing
// ============================================================================

func TestApplyMarkPrice_IgnoresStaleSequence(t *testing.T) {
	h := newHarness(t)
	h.mark(t, price1)

	applied, err := h.ex.ApplyMarkPrice(context.Background(), &event.MarkPriceUpdate{
		Token: testutil.TokenA, MarkPrice: px(5), Source: "test", PriceSequence: h.priceSeq,
	})
	if err != nil {
		t.Fatalf("ApplyMarkPrice: %v", err)
	}
	if applied {
		t.Fatal("stale update applied")
	}
	snap, _ := h.ex.Orderbook(context.Background(), testutil.TokenA, 1)
	expectBig(t, "mark", snap.MarkPrice, price1)
}

// ============================================================================
// Test: Determinism
// ============================================================================

func TestStateHash_EqualForSameInput(t *testing.T) {
	run := func() ([32]byte, [32]byte) {
		h := newHarness(t)
		for _, tr := range []testutil.Trader{alice, bob, carol} {
			h.deposit(t, tr, funds)
		}
		h.open(t, alice, bob, testutil.Tokens(100), price1)
		h.mustSubmit(t, carol, testutil.OrderSpec{IsLong: false, Size: testutil.Tokens(30), Price: px(1_100_000_000_000), Type: order.TypeLimit})

		bookHash, tip, err := h.worker(t).StateHash(context.Background())
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		return bookHash, tip
	}

	b1, t1 := run()
	b2, t2 := run()
	if b1 != b2 {
		t.Error("book hashes differ")
	}
	if t1 != t2 {
		t.Error("trade chain tips differ")
	}
}
