package book_test

import (
	"MemePerp/internal/book"
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	token = event.MustParseAddress("0x2222222222222222222222222222222222222222")
	alice = event.MustParseAddress("0x00000000000000000000000000000000000a11ce")
	bob   = event.MustParseAddress("0x0000000000000000000000000000000000000b0b")
	carol = event.MustParseAddress("0x00000000000000000000000000000000000ca201")
	now   = time.Unix(1_700_000_000, 0)
)

func newOrder(trader event.Address, isLong bool, typ order.Type, price, size int64) *order.Order {
	return &order.Order{
		ID:       uuid.New(),
		Trader:   trader,
		Token:    token,
		IsLong:   isLong,
		Size:     big.NewInt(size),
		Leverage: 10_000,
		Price:    big.NewInt(price),
		Type:     typ,
		Deadline: now.Unix() + 3600,
		Status:   order.StatusPending,
		Filled:   new(big.Int),
	}
}

type fill struct {
	maker *order.Order
	price *big.Int
	size  *big.Int
}

// recorder fills everything it is offered.
type recorder struct {
	taker    *order.Order
	fills    []fill
	expired  []*order.Order
	selfs    []*order.Order
	decision func(maker *order.Order) book.Decision
}

func (r *recorder) OnMatch(maker *order.Order, price, size *big.Int) book.Decision {
	if r.decision != nil {
		if d := r.decision(maker); d != book.Fill {
			return d
		}
	}
	maker.ApplyFill(size)
	r.taker.ApplyFill(size)
	r.fills = append(r.fills, fill{maker: maker, price: price, size: new(big.Int).Set(size)})
	return book.Fill
}

func (r *recorder) OnExpired(maker *order.Order)   { r.expired = append(r.expired, maker) }
func (r *recorder) OnSelfMatch(maker *order.Order) { r.selfs = append(r.selfs, maker) }

// ============================================================================
// Test: priority and maker price
// ============================================================================

func TestMatch_PriceTimePriority(t *testing.T) {
	b := book.New(token)
	first := newOrder(alice, false, order.TypeLimit, 100, 5)
	second := newOrder(bob, false, order.TypeLimit, 100, 5)
	better := newOrder(carol, false, order.TypeLimit, 99, 5)
	b.Add(first)
	b.Add(second)
	b.Add(better)

	taker := newOrder(event.MustParseAddress("0x00000000000000000000000000000000000000ff"), true, order.TypeLimit, 100, 12)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)

	if len(r.fills) != 3 {
		t.Fatalf("got %d fills, want 3", len(r.fills))
	}
	if r.fills[0].maker != better || r.fills[1].maker != first || r.fills[2].maker != second {
		t.Error("fills not in price-time priority")
	}
	if r.fills[2].size.Int64() != 2 {
		t.Errorf("last fill size = %s, want 2", r.fills[2].size)
	}
	if b.Len() != 1 {
		t.Errorf("book should keep the partially filled maker, len=%d", b.Len())
	}
}

func TestMatch_PriceIsMakerPrice(t *testing.T) {
	b := book.New(token)
	b.Add(newOrder(alice, true, order.TypeLimit, 105, 10))

	taker := newOrder(bob, false, order.TypeLimit, 90, 10)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)

	if len(r.fills) != 1 || r.fills[0].price.Int64() != 105 {
		t.Fatalf("fills = %+v, want one at maker price 105", r.fills)
	}
}

func TestMatch_LimitDoesNotCross(t *testing.T) {
	b := book.New(token)
	b.Add(newOrder(alice, false, order.TypeLimit, 101, 10))

	taker := newOrder(bob, true, order.TypeLimit, 100, 10)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)
	if len(r.fills) != 0 {
		t.Fatal("bid below best ask must not match")
	}
}

func TestMatch_MarketSweepsLevels(t *testing.T) {
	b := book.New(token)
	b.Add(newOrder(alice, true, order.TypeLimit, 100, 3))
	b.Add(newOrder(bob, true, order.TypeLimit, 90, 3))

	taker := newOrder(carol, false, order.TypeMarket, 0, 10)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)

	if len(r.fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(r.fills))
	}
	if taker.Remaining().Int64() != 4 {
		t.Errorf("taker remaining = %s, want 4", taker.Remaining())
	}
	if b.Len() != 0 {
		t.Error("book should be empty")
	}
}

func TestMatch_FillsNeverExceedMakerSize(t *testing.T) {
	b := book.New(token)
	maker := newOrder(alice, false, order.TypeLimit, 100, 7)
	b.Add(maker)

	total := new(big.Int)
	for i := 0; i < 5; i++ {
		taker := newOrder(bob, true, order.TypeLimit, 100, 3)
		r := &recorder{taker: taker}
		b.Match(taker, now, r)
		for _, f := range r.fills {
			total.Add(total, f.size)
		}
	}
	if total.Int64() != 7 {
		t.Errorf("total filled = %s, want 7", total)
	}
	if maker.Filled.Cmp(maker.Size) != 0 {
		t.Errorf("maker filled = %s, want %s", maker.Filled, maker.Size)
	}
}

// ============================================================================
// Test: lazy expiry, self-match, handler decisions
// ============================================================================

func TestMatch_SkipsExpiredMakers(t *testing.T) {
	b := book.New(token)
	stale := newOrder(alice, false, order.TypeLimit, 100, 5)
	stale.Deadline = now.Unix() - 1
	fresh := newOrder(bob, false, order.TypeLimit, 100, 5)
	b.Add(stale)
	b.Add(fresh)

	taker := newOrder(carol, true, order.TypeMarket, 0, 5)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)

	if len(r.expired) != 1 || r.expired[0] != stale {
		t.Fatal("expired maker not reported")
	}
	if len(r.fills) != 1 || r.fills[0].maker != fresh {
		t.Fatal("taker should fill against the live maker")
	}
	if _, ok := b.Get(stale.ID); ok {
		t.Error("expired maker still in book")
	}
}

func TestMatch_SelfMatchCancelsResting(t *testing.T) {
	b := book.New(token)
	own := newOrder(alice, false, order.TypeLimit, 100, 5)
	other := newOrder(bob, false, order.TypeLimit, 100, 5)
	b.Add(own)
	b.Add(other)

	taker := newOrder(alice, true, order.TypeLimit, 100, 5)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)

	if len(r.selfs) != 1 || r.selfs[0] != own {
		t.Fatal("own resting order should be reported as self-match")
	}
	if len(r.fills) != 1 || r.fills[0].maker != other {
		t.Fatal("taker should fill against the other trader")
	}
}

func TestMatch_StopAndCancelMaker(t *testing.T) {
	b := book.New(token)
	m1 := newOrder(alice, false, order.TypeLimit, 100, 5)
	m2 := newOrder(bob, false, order.TypeLimit, 100, 5)
	b.Add(m1)
	b.Add(m2)

	taker := newOrder(carol, true, order.TypeMarket, 0, 10)
	r := &recorder{taker: taker, decision: func(maker *order.Order) book.Decision {
		if maker == m1 {
			return book.CancelMaker
		}
		return book.Stop
	}}
	b.Match(taker, now, r)

	if _, ok := b.Get(m1.ID); ok {
		t.Error("cancelled maker still in book")
	}
	if _, ok := b.Get(m2.ID); !ok {
		t.Error("maker after Stop should remain")
	}
	if taker.Filled.Sign() != 0 {
		t.Error("taker should not be filled")
	}
}

// ============================================================================
// Test: depth, removal, hashing
// ============================================================================

func TestDepth_Aggregates(t *testing.T) {
	b := book.New(token)
	b.Add(newOrder(alice, true, order.TypeLimit, 100, 2))
	b.Add(newOrder(bob, true, order.TypeLimit, 100, 3))
	b.Add(newOrder(carol, true, order.TypeLimit, 98, 1))
	b.Add(newOrder(alice, false, order.TypeLimit, 103, 4))

	bids, asks := b.Depth(0)
	if len(bids) != 2 || bids[0].Price.Int64() != 100 || bids[0].Size.Int64() != 5 || bids[0].Orders != 2 {
		t.Errorf("bids = %+v", bids)
	}
	if len(asks) != 1 || asks[0].Size.Int64() != 4 {
		t.Errorf("asks = %+v", asks)
	}
	if bids, _ := b.Depth(1); len(bids) != 1 {
		t.Errorf("depth limit ignored: %d levels", len(bids))
	}
	if b.BestBid().Int64() != 100 || b.BestAsk().Int64() != 103 {
		t.Error("best prices wrong")
	}
}

func TestRemove_DropsEmptyLevel(t *testing.T) {
	b := book.New(token)
	o := newOrder(alice, true, order.TypeLimit, 100, 2)
	b.Add(o)
	if _, ok := b.Remove(o.ID); !ok {
		t.Fatal("remove failed")
	}
	if b.BestBid() != nil {
		t.Error("empty level should be deleted")
	}
	if _, ok := b.Remove(o.ID); ok {
		t.Error("second remove should report missing")
	}
}

func TestStateHash_Deterministic(t *testing.T) {
	orders := []*order.Order{
		newOrder(alice, true, order.TypeLimit, 100, 2),
		newOrder(bob, false, order.TypeLimit, 110, 3),
	}
	a, b := book.New(token), book.New(token)
	for _, o := range orders {
		a.Add(o)
		b.Add(o.Clone())
	}
	if a.StateHash() != b.StateHash() {
		t.Fatal("same contents must hash equal")
	}
	b.Remove(orders[0].ID)
	if a.StateHash() == b.StateHash() {
		t.Fatal("different contents must hash differently")
	}
}

func TestExpiredMakerStaysUntilMatchTouchesIt(t *testing.T) {
	b := book.New(token)
	stale := newOrder(alice, false, order.TypeLimit, 100, 5)
	stale.Deadline = now.Unix() + 1
	b.Add(stale)

	later := now.Add(time.Hour)
	// a bid below the ask does not touch the expired maker
	passive := newOrder(bob, true, order.TypeLimit, 90, 5)
	r := &recorder{taker: passive}
	b.Match(passive, later, r)
	if len(r.expired) != 0 {
		t.Fatal("non-crossing pass must not report expiries")
	}
	if _, asks := b.Depth(0); len(asks) != 1 || asks[0].Orders != 1 {
		t.Fatalf("expired maker should still be listed, asks = %+v", asks)
	}

	taker := newOrder(carol, true, order.TypeMarket, 0, 5)
	r = &recorder{taker: taker}
	b.Match(taker, later, r)
	if len(r.expired) != 1 || r.expired[0] != stale {
		t.Fatal("crossing pass should report the expired maker")
	}
	if len(r.fills) != 0 {
		t.Errorf("expired maker must not fill, got %d fills", len(r.fills))
	}
	if b.Len() != 0 {
		t.Error("book should be empty after the crossing pass")
	}
}

// ============================================================================
// Test: Restore keeps time priority
// ============================================================================

func TestRestore_KeepsArrivalOrder(t *testing.T) {
	b := book.New(token)
	first := newOrder(alice, false, order.TypeLimit, 100, 5)
	second := newOrder(bob, false, order.TypeLimit, 100, 5)
	third := newOrder(carol, false, order.TypeLimit, 100, 5)
	for i, o := range []*order.Order{first, second, third} {
		o.Sequence = int64(i + 1)
		b.Add(o)
	}

	b.Remove(second.ID)
	later := newOrder(alice, false, order.TypeLimit, 100, 5)
	later.Sequence = 4
	b.Add(later)
	b.Restore(second)

	got := b.Orders()
	want := []*order.Order{first, second, third, later}
	if len(got) != len(want) {
		t.Fatalf("got %d orders, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got sequence %d, want %d", i, got[i].Sequence, want[i].Sequence)
		}
	}

	// the first maker to be hit is still the earliest arrival
	taker := newOrder(carol, true, order.TypeMarket, 0, 5)
	r := &recorder{taker: taker}
	b.Match(taker, now, r)
	if len(r.fills) != 1 || r.fills[0].maker != first {
		t.Fatal("taker should fill the earliest maker")
	}
}

func TestRestore_IntoEmptyLevel(t *testing.T) {
	b := book.New(token)
	o := newOrder(alice, true, order.TypeLimit, 100, 5)
	o.Sequence = 9
	b.Restore(o)
	if got, ok := b.Get(o.ID); !ok || got != o {
		t.Fatal("restored order not in book")
	}
	if bids, _ := b.Depth(0); len(bids) != 1 || bids[0].Size.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("depth = %+v", bids)
	}
}
