package settlement_test

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"MemePerp/internal/settlement"
	"MemePerp/internal/testutil"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Test helpers ---

type fakeChain struct {
	mu       sync.Mutex
	failures int   // attempts to fail before succeeding; -1 fails forever
	err      error // returned on failure
	calls    int
	batches  []*settlement.Batch
}

func (c *fakeChain) SettleBatch(ctx context.Context, b *settlement.Batch) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures != 0 {
		if c.failures > 0 {
			c.failures--
		}
		return "", c.err
	}
	c.batches = append(c.batches, b)
	return fmt.Sprintf("0x%064x", c.calls), nil
}

func (c *fakeChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingHandler struct {
	mu         sync.Mutex
	confirmed  []*event.Trade
	rolledBack []*event.Trade
	reasons    []string
}

func (h *recordingHandler) ConfirmTrades(ctx context.Context, trades []*event.Trade) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed = append(h.confirmed, trades...)
	return nil
}

func (h *recordingHandler) RollbackTrades(ctx context.Context, batchID uuid.UUID, trades []*event.Trade, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolledBack = append(h.rolledBack, trades...)
	h.reasons = append(h.reasons, reason)
	return nil
}

func mustTradeItem() settlement.Item {
	return settlement.Item{Trade: &event.Trade{
		TradeID: uuid.New(),
		Token:   testutil.TokenA,
		Price:   big.NewInt(1_000_000_000_000),
		Size:    testutil.Tokens(1),
	}}
}

func mustLiquidationItem() settlement.Item {
	return settlement.Item{Liquidation: &event.Liquidation{
		LiquidationID: uuid.New(),
		Token:         testutil.TokenA,
	}}
}

func fastConfig() settlement.Config {
	return settlement.Config{
		MaxBatchSize:   2,
		BatchInterval:  time.Hour,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

// runBatcher feeds items, closes the input and waits for Run to drain.
func runBatcher(t *testing.T, cfg settlement.Config, chain settlement.Submitter, h settlement.TradeHandler, dedup *settlement.IdempotencyChecker, items ...settlement.Item) (*settlement.Batcher, []event.Envelope) {
	t.Helper()
	in := make(chan settlement.Item, len(items))
	events := make(chan event.Envelope, 64)
	b := settlement.NewBatcher(cfg, settlement.BatcherDeps{
		Input:  in,
		Chain:  chain,
		Trades: h,
		Dedup:  dedup,
		Events: events,
		Logger: zerolog.Nop(),
	})
	for _, it := range items {
		in <- it
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(events)

	var out []event.Envelope
	for env := range events {
		out = append(out, env)
	}
	return b, out
}

// ============================================================================
// Test: Sealing
// ============================================================================

func TestBatcher_SealsAtMaxSize(t *testing.T) {
	chain := &fakeChain{}
	h := &recordingHandler{}

	_, events := runBatcher(t, fastConfig(), chain, h, nil,
		mustTradeItem(), mustTradeItem(), mustTradeItem())

	if len(chain.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(chain.batches))
	}
	if len(chain.batches[0].Items) != 2 || len(chain.batches[1].Items) != 1 {
		t.Errorf("unexpected batch sizes %d, %d", len(chain.batches[0].Items), len(chain.batches[1].Items))
	}
	if len(h.confirmed) != 3 {
		t.Errorf("expected 3 confirmed trades, got %d", len(h.confirmed))
	}
	if len(events) != 2 || events[0].EventType != event.EventTypeBatchSettled {
		t.Fatalf("expected 2 BatchSettled events, got %d", len(events))
	}
	settled := events[0].Event.(*event.BatchSettled)
	if settled.TxHash == "" || len(settled.TradeIDs) != 2 {
		t.Errorf("unexpected BatchSettled %+v", settled)
	}
}

func TestBatcher_SealsOnInterval(t *testing.T) {
	chain := &fakeChain{}
	h := &recordingHandler{}
	in := make(chan settlement.Item, 1)

	cfg := fastConfig()
	cfg.MaxBatchSize = 100
	cfg.BatchInterval = 10 * time.Millisecond
	b := settlement.NewBatcher(cfg, settlement.BatcherDeps{
		Input: in, Chain: chain, Trades: h, Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	in <- mustTradeItem()

	deadline := time.Now().Add(2 * time.Second)
	for chain.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if chain.Calls() != 1 {
		t.Fatalf("expected the interval to seal one batch, got %d submissions", chain.Calls())
	}
}

// ============================================================================
// Test: Retry and failure
// ============================================================================

func TestBatcher_RetriesThenSucceeds(t *testing.T) {
	chain := &fakeChain{failures: 2, err: errors.New("nonce too low")}
	h := &recordingHandler{}

	b, _ := runBatcher(t, fastConfig(), chain, h, nil, mustTradeItem())

	if chain.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", chain.Calls())
	}
	if chain.batches[0].Attempts != 3 || chain.batches[0].Status != settlement.StatusConfirmed {
		t.Errorf("expected confirmed on attempt 3, got %s after %d", chain.batches[0].Status, chain.batches[0].Attempts)
	}
	if len(b.Failed()) != 0 {
		t.Errorf("expected no failed batches")
	}
	if len(h.rolledBack) != 0 {
		t.Errorf("expected no rollback")
	}
}

func TestBatcher_ExhaustedAttemptsRollBackTradesOnly(t *testing.T) {
	chain := &fakeChain{failures: -1, err: errors.New("execution reverted")}
	h := &recordingHandler{}
	trade := mustTradeItem()

	b, events := runBatcher(t, fastConfig(), chain, h, nil, trade, mustLiquidationItem())

	if chain.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", chain.Calls())
	}
	failed := b.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed batch kept, got %d", len(failed))
	}
	if failed[0].Status != settlement.StatusFailed {
		t.Errorf("expected FAILED, got %s", failed[0].Status)
	}
	if !strings.Contains(failed[0].LastErr, string(apperr.CodeSettlementTxFailed)) {
		t.Errorf("expected SettlementTxFailed in %q", failed[0].LastErr)
	}

	if len(h.rolledBack) != 1 || h.rolledBack[0].TradeID != trade.Trade.TradeID {
		t.Fatalf("expected only the trade rolled back, got %d", len(h.rolledBack))
	}
	if len(h.confirmed) != 0 {
		t.Errorf("expected nothing confirmed")
	}

	if len(events) != 1 || events[0].EventType != event.EventTypeBatchFailed {
		t.Fatalf("expected one BatchFailed event, got %d", len(events))
	}
	bf := events[0].Event.(*event.BatchFailed)
	if len(bf.Liquidations) != 1 || len(bf.TradeIDs) != 1 {
		t.Errorf("unexpected BatchFailed contents %+v", bf)
	}
}

func TestBatcher_RejectedBatchIsNotRetried(t *testing.T) {
	chain := &fakeChain{failures: -1, err: fmt.Errorf("invalid signature for trade: %w", settlement.ErrRejected)}
	h := &recordingHandler{}

	b, _ := runBatcher(t, fastConfig(), chain, h, nil, mustTradeItem())

	if chain.Calls() != 1 {
		t.Fatalf("expected a single attempt, got %d", chain.Calls())
	}
	if len(b.Failed()) != 1 {
		t.Fatalf("expected failed batch")
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

type settledSet map[string]bool

func (s settledSet) IsSettled(ctx context.Context, key string) (bool, error) {
	return s[key], nil
}

// countingLookup counts database lookups.
type countingLookup struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLookup) IsSettled(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return false, nil
}

func TestBatcher_SkipsSettledItems(t *testing.T) {
	chain := &fakeChain{}
	h := &recordingHandler{}

	known := mustTradeItem()
	fromDB := mustTradeItem()
	fromDB.Replayed = true
	fresh := mustTradeItem()

	dedup := settlement.NewIdempotencyChecker(16, settledSet{fromDB.Key(): true}, nil, zerolog.Nop())
	dedup.MarkProcessed(known.Key())

	runBatcher(t, fastConfig(), chain, h, dedup, known, fromDB, fresh)

	if len(chain.batches) != 1 || len(chain.batches[0].Items) != 1 {
		t.Fatalf("expected one batch with only the fresh item, got %d batches", len(chain.batches))
	}
	if chain.batches[0].Items[0].Key() != fresh.Key() {
		t.Errorf("wrong item submitted")
	}

	// confirmed keys are remembered
	if !dedup.IsDuplicate(fresh.Key()) {
		t.Error("confirmed item should now be a duplicate")
	}
}

func TestBatcher_LiveItemsSkipDatabaseLookup(t *testing.T) {
	chain := &fakeChain{}
	h := &recordingHandler{}
	lookup := &countingLookup{}
	dedup := settlement.NewIdempotencyChecker(16, lookup, nil, zerolog.Nop())

	live1, live2 := mustTradeItem(), mustTradeItem()
	replayed := mustTradeItem()
	replayed.Replayed = true

	runBatcher(t, fastConfig(), chain, h, dedup, live1, live2, replayed)

	lookup.mu.Lock()
	calls := lookup.calls
	lookup.mu.Unlock()
	if calls != 1 {
		t.Errorf("database lookups = %d, want 1 (replayed item only)", calls)
	}
	submitted := 0
	for _, b := range chain.batches {
		submitted += len(b.Items)
	}
	if submitted != 3 {
		t.Errorf("submitted %d items, want 3", submitted)
	}
}

func TestIdempotencyLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	lru := settlement.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should remain")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("size=%d evictions=%d", lru.Size(), lru.Evictions())
	}
}
