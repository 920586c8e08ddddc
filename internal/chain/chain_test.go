package chain_test

import (
	"MemePerp/internal/chain"
	"MemePerp/internal/event"
	"MemePerp/internal/settlement"
	"MemePerp/internal/signing"
	"MemePerp/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

func mustTrade(longNonce, shortNonce uint64) *event.Trade {
	return &event.Trade{
		TradeID:     uuid.New(),
		Token:       testutil.TokenA,
		LongTrader:  testutil.NewTrader(1).Address,
		ShortTrader: testutil.NewTrader(2).Address,
		LongNonce:   longNonce,
		ShortNonce:  shortNonce,
		Price:       big.NewInt(1_000_000_000_000),
		Size:        testutil.Tokens(3),
	}
}

func mustLiquidation() *event.Liquidation {
	return &event.Liquidation{
		LiquidationID: uuid.New(),
		Trader:        testutil.NewTrader(3).Address,
		Token:         testutil.TokenA,
		Side:          event.SideLong,
		Size:          testutil.Tokens(1),
		MarkPrice:     big.NewInt(810_000_000_000),
		Penalty:       big.NewInt(405_000_000_000),
		Returned:      big.NewInt(595_000_000_000),
	}
}

func batchOf(items ...settlement.Item) *settlement.Batch {
	return &settlement.Batch{ID: uuid.New(), Items: items}
}

func word(t *testing.T, data []byte, i int) []byte {
	t.Helper()
	start := 4 + i*32
	if len(data) < start+32 {
		t.Fatalf("calldata too short for word %d: %d bytes", i, len(data))
	}
	return data[start : start+32]
}

func wordUint(t *testing.T, data []byte, i int) uint64 {
	t.Helper()
	return new(uint256.Int).SetBytes(word(t, data, i)).Uint64()
}

// ============================================================================
// Test: ABI encoding
// ============================================================================

func TestEncodeSettleBatch_Layout(t *testing.T) {
	trade := mustTrade(4, 9)
	liq := mustLiquidation()
	b := batchOf(settlement.Item{Trade: trade}, settlement.Item{Liquidation: liq})

	data, err := chain.EncodeSettleBatch(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sel := chain.SettleBatchSelector()
	want := signing.Keccak256([]byte(chain.SettleBatchSignature))
	if !bytes.Equal(data[:4], want[:4]) || !bytes.Equal(sel[:], want[:4]) {
		t.Fatalf("selector mismatch")
	}

	// head(3) + trades(len + 7) + liqs(len + 7)
	if got, want := len(data), 4+32*(3+1+7+1+7); got != want {
		t.Fatalf("calldata length = %d, want %d", got, want)
	}
	if !bytes.Equal(word(t, data, 0)[:16], b.ID[:]) {
		t.Error("batch id not left-aligned in bytes32")
	}
	if wordUint(t, data, 1) != 96 {
		t.Errorf("trades offset = %d, want 96", wordUint(t, data, 1))
	}
	if wordUint(t, data, 2) != 96+32+7*32 {
		t.Errorf("liquidations offset = %d", wordUint(t, data, 2))
	}
	if wordUint(t, data, 3) != 1 {
		t.Errorf("trade count = %d", wordUint(t, data, 3))
	}
	if !bytes.Equal(word(t, data, 5)[12:], trade.LongTrader[:]) {
		t.Error("longTrader not encoded at word 5")
	}
	if wordUint(t, data, 7) != 4 || wordUint(t, data, 8) != 9 {
		t.Errorf("nonces = %d/%d, want 4/9", wordUint(t, data, 7), wordUint(t, data, 8))
	}
	if wordUint(t, data, 11) != 1 {
		t.Errorf("liquidation count = %d", wordUint(t, data, 11))
	}
	if wordUint(t, data, 14) != 1 {
		t.Error("isLong should encode as 1")
	}
	if wordUint(t, data, 18) != 595_000_000_000 {
		t.Errorf("returned = %d", wordUint(t, data, 18))
	}
}

func TestEncodeSettleBatch_RejectsNegativeAmounts(t *testing.T) {
	liq := mustLiquidation()
	liq.Returned = big.NewInt(-1)

	if _, err := chain.EncodeSettleBatch(batchOf(settlement.Item{Liquidation: liq})); err == nil {
		t.Fatal("expected an error for a negative uint256")
	}
}

// ============================================================================
// Test: Simulated contract
// ============================================================================

func TestSimulated_SettleBumpsNoncesAndRejectsReplay(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated()
	trade := mustTrade(0, 5)

	tx, err := sim.SettleBatch(ctx, batchOf(settlement.Item{Trade: trade}))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(tx) != 66 {
		t.Errorf("unexpected tx hash %q", tx)
	}

	if n, _ := sim.Nonces(ctx, trade.LongTrader); n != 1 {
		t.Errorf("long nonce = %d, want 1", n)
	}
	if n, _ := sim.Nonces(ctx, trade.ShortTrader); n != 6 {
		t.Errorf("short nonce = %d, want 6", n)
	}

	_, err = sim.SettleBatch(ctx, batchOf(settlement.Item{Trade: trade}))
	if !errors.Is(err, settlement.ErrRejected) {
		t.Fatalf("replay should be rejected, got %v", err)
	}
	if len(sim.SettledBatches()) != 1 {
		t.Errorf("expected one accepted batch")
	}
}

func TestSimulated_FailNext(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated()
	sim.FailNext(1, nil)

	b := batchOf(settlement.Item{Trade: mustTrade(0, 0)})
	if _, err := sim.SettleBatch(ctx, b); !errors.Is(err, chain.ErrInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := sim.SettleBatch(ctx, b); err != nil {
		t.Fatalf("second attempt should succeed: %v", err)
	}
}

func TestSimulated_DepositWithdraw(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated()
	trader := testutil.NewTrader(1).Address

	d, err := sim.Deposit(ctx, trader, big.NewInt(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := <-sim.Logs(); got.(*event.Deposit).TxHash != d.TxHash {
		t.Error("deposit not published on logs")
	}

	if _, err := sim.Withdraw(ctx, trader, big.NewInt(101)); !errors.Is(err, chain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := sim.Withdraw(ctx, trader, big.NewInt(40)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	<-sim.Logs()

	bal, _ := sim.GetUserBalance(ctx, trader)
	if bal.Int64() != 60 {
		t.Errorf("balance = %s, want 60", bal)
	}
}

// ============================================================================
// Test: Relayer
// ============================================================================

// loopback answers relayer requests with a Responder-compatible payload
// computed from a Simulated contract, without a NATS server.
type loopback struct {
	mu       sync.Mutex
	sim      *chain.Simulated
	subjects []string
}

func (l *loopback) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	l.mu.Lock()
	l.subjects = append(l.subjects, subj)
	l.mu.Unlock()

	var resp map[string]any
	switch subj {
	case chain.SubjectNonces:
		var req struct{ Trader event.Address }
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		n, _ := l.sim.Nonces(ctx, req.Trader)
		resp = map[string]any{"value": new(big.Int).SetUint64(n).String()}
	case chain.SubjectSettle:
		var req struct {
			Calldata string `json:"calldata"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if len(req.Calldata) < 10 {
			resp = map[string]any{"error": "empty calldata", "reverted": true}
		} else {
			resp = map[string]any{"txHash": "0xabc"}
		}
	default:
		resp = map[string]any{"error": "unsupported"}
	}
	out, _ := json.Marshal(resp)
	return &nats.Msg{Subject: subj, Data: out}, nil
}

func TestRelayer_NoncesAndSettle(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated()
	trader := testutil.NewTrader(1).Address
	sim.SetNonce(trader, 12)

	lb := &loopback{sim: sim}
	r := chain.NewRelayer(lb)

	n, err := r.Nonces(ctx, trader)
	if err != nil || n != 12 {
		t.Fatalf("Nonces = %d, %v; want 12", n, err)
	}

	tx, err := r.SettleBatch(ctx, batchOf(settlement.Item{Trade: mustTrade(1, 1)}))
	if err != nil || tx != "0xabc" {
		t.Fatalf("SettleBatch = %q, %v", tx, err)
	}

	if _, err := r.GetUserBalance(ctx, trader); err == nil {
		t.Error("expected relayer error to surface")
	}
}

func TestResponder_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer nc.Close()

	ctx := context.Background()
	sim := chain.NewSimulated()
	rs := chain.NewResponder(sim, zerolog.Nop())
	if err := rs.Serve(ctx, nc); err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer rs.Close()

	r := chain.NewRelayer(nc)
	trade := mustTrade(2, 3)
	if _, err := r.SettleBatch(ctx, batchOf(settlement.Item{Trade: trade})); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, err = r.SettleBatch(ctx, batchOf(settlement.Item{Trade: trade}))
	if !errors.Is(err, settlement.ErrRejected) {
		t.Fatalf("replay should map to ErrRejected, got %v", err)
	}
	if n, _ := r.Nonces(ctx, trade.ShortTrader); n != 4 {
		t.Errorf("short nonce = %d, want 4", n)
	}
}

// ============================================================================
// Test: Reconciler
// ============================================================================

type fakeLedger struct {
	totals map[event.Address]*big.Int
}

func (f *fakeLedger) Traders() []event.Address {
	out := make([]event.Address, 0, len(f.totals))
	for a := range f.totals {
		out = append(out, a)
	}
	return out
}

func (f *fakeLedger) Reconcile(trader event.Address, onChain *big.Int) *big.Int {
	return new(big.Int).Sub(onChain, f.totals[trader])
}

func TestReconciler_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated()
	alice := testutil.NewTrader(1).Address
	bob := testutil.NewTrader(2).Address

	sim.Deposit(ctx, alice, big.NewInt(500))
	sim.Deposit(ctx, bob, big.NewInt(500))

	ledger := &fakeLedger{totals: map[event.Address]*big.Int{
		alice: big.NewInt(500),
		bob:   big.NewInt(450), // lost 50 in an unsettled trade
	}}

	drifts := chain.NewReconciler(sim, ledger, 0, nil, zerolog.Nop()).Check(ctx)
	if len(drifts) != 1 {
		t.Fatalf("expected 1 drift, got %d", len(drifts))
	}
	if drifts[0].Trader != bob || drifts[0].Delta.Int64() != 50 {
		t.Errorf("unexpected drift %+v", drifts[0])
	}
}
