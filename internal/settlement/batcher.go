package settlement

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"MemePerp/internal/observability"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxBatchSize   = 50
	DefaultBatchInterval  = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultBaseBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// ErrRejected marks a submission the contract refused deterministically.
// Such batches fail without further attempts.
var ErrRejected = errors.New("batch rejected by settlement contract")

// Submitter sends a sealed batch to the Settlement contract and returns the
// transaction hash once it is mined.
type Submitter interface {
	SettleBatch(ctx context.Context, b *Batch) (string, error)
}

// TradeHandler is told the outcome of every trade in a batch. The exchange
// implements it by forwarding to the owning market workers.
type TradeHandler interface {
	ConfirmTrades(ctx context.Context, trades []*event.Trade) error
	RollbackTrades(ctx context.Context, batchID uuid.UUID, trades []*event.Trade, reason string) error
}

type Config struct {
	MaxBatchSize   int
	BatchInterval  time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Batcher groups settlement items into batches and submits them.
//
// Intake and submission run on separate goroutines joined by an unbounded
// queue of sealed batches. Intake never waits on the chain, so market
// workers sending items never block behind a slow transaction, and the
// submitter may call back into the workers to confirm or roll back.
type Batcher struct {
	cfg     Config
	in      <-chan Item
	chain   Submitter
	trades  TradeHandler
	dedup   *IdempotencyChecker
	events  chan<- event.Envelope
	metrics *observability.Metrics
	log     zerolog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	current []Item
	sealed  []*Batch
	failed  []*Batch
	wake    chan struct{}

	eventSeq atomic.Int64
}

// BatcherDeps are the collaborators of a Batcher. Dedup, Events and Metrics
// are optional.
type BatcherDeps struct {
	Input   <-chan Item
	Chain   Submitter
	Trades  TradeHandler
	Dedup   *IdempotencyChecker
	Events  chan<- event.Envelope
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time
}

func NewBatcher(cfg Config, deps BatcherDeps) *Batcher {
	cfg.defaults()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Batcher{
		cfg:     cfg,
		in:      deps.Input,
		chain:   deps.Chain,
		trades:  deps.Trades,
		dedup:   deps.Dedup,
		events:  deps.Events,
		metrics: deps.Metrics,
		log:     deps.Logger,
		clock:   deps.Clock,
		wake:    make(chan struct{}, 1),
	}
}

// Run collects and submits batches until ctx is cancelled or the input
// channel is closed and every sealed batch has been submitted.
func (b *Batcher) Run(ctx context.Context) error {
	intakeDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(intakeDone)
		return b.intake(gctx)
	})
	g.Go(func() error {
		return b.submitLoop(gctx, intakeDone)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Batcher) intake(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok := <-b.in:
			if !ok {
				b.seal()
				return nil
			}
			b.add(ctx, it)
		case <-ticker.C:
			b.seal()
		}
	}
}

func (b *Batcher) add(ctx context.Context, it Item) {
	key := it.Key()
	if key == "" {
		b.log.Warn().Msg("dropping empty settlement item")
		return
	}
	if b.dedup != nil {
		var dup bool
		if it.Replayed {
			dup = b.dedup.IsSettledReplay(ctx, key)
		} else {
			dup = b.dedup.IsDuplicate(key)
		}
		if dup {
			b.log.Debug().Str("key", key).Bool("replayed", it.Replayed).Msg("item already settled, skipping")
			return
		}
	}

	b.mu.Lock()
	b.current = append(b.current, it)
	full := len(b.current) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.seal()
	}
}

// seal closes the open batch and queues it for submission.
func (b *Batcher) seal() {
	b.mu.Lock()
	if len(b.current) == 0 {
		b.mu.Unlock()
		return
	}
	batch := &Batch{
		ID:       uuid.New(),
		Items:    b.current,
		Status:   StatusPending,
		SealedAt: b.clock(),
	}
	b.current = nil
	b.sealed = append(b.sealed, batch)
	pending := len(b.sealed)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SettlementPending.Set(float64(pending))
		b.metrics.SettlementBatchSize.Observe(float64(len(batch.Items)))
	}
	b.log.Debug().
		Str("batch_id", batch.ID.String()).
		Int("items", len(batch.Items)).
		Msg("batch sealed")

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Batcher) next() *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sealed) == 0 {
		return nil
	}
	batch := b.sealed[0]
	b.sealed[0] = nil
	b.sealed = b.sealed[1:]
	return batch
}

func (b *Batcher) submitLoop(ctx context.Context, intakeDone <-chan struct{}) error {
	for {
		batch := b.next()
		if batch == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.wake:
				continue
			case <-intakeDone:
				// intake sealed its last batch before exiting
				if batch = b.next(); batch == nil {
					return nil
				}
			}
		}
		if err := b.submit(ctx, batch); err != nil {
			return err
		}
	}
}

// submit drives one batch to CONFIRMED or FAILED. It returns an error only
// when ctx ends mid-flight; the batch is then left for reconciliation.
func (b *Batcher) submit(ctx context.Context, batch *Batch) error {
	batch.Status = StatusSubmitting
	backoff := b.cfg.BaseBackoff
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		batch.Attempts = attempt

		actx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
		txHash, err := b.chain.SettleBatch(actx, batch)
		cancel()

		if err == nil {
			b.attempt("success")
			b.confirm(ctx, batch, txHash)
			return nil
		}
		lastErr = err
		b.attempt("error")

		if ctx.Err() != nil {
			b.log.Warn().Str("batch_id", batch.ID.String()).Msg("shutdown with batch in flight")
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) || attempt == b.cfg.MaxAttempts {
			break
		}

		b.log.Warn().Err(err).
			Str("batch_id", batch.ID.String()).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("settlement attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}

	b.fail(ctx, batch, lastErr)
	return nil
}

func (b *Batcher) confirm(ctx context.Context, batch *Batch, txHash string) {
	batch.Status = StatusConfirmed
	batch.TxHash = txHash
	batch.DoneAt = b.clock()

	if b.dedup != nil {
		for _, it := range batch.Items {
			b.dedup.MarkProcessed(it.Key())
		}
	}
	trades := batch.Trades()
	if len(trades) > 0 {
		if err := b.trades.ConfirmTrades(ctx, trades); err != nil {
			b.log.Error().Err(err).Str("batch_id", batch.ID.String()).Msg("failed to confirm trades with markets")
		}
	}

	if b.metrics != nil {
		b.metrics.SettlementBatches.WithLabelValues(StatusConfirmed.String()).Inc()
		b.metrics.SettlementLatency.Observe(batch.DoneAt.Sub(batch.SealedAt).Seconds())
		b.metrics.SettlementPending.Set(float64(b.Pending()))
	}
	b.log.Info().
		Str("batch_id", batch.ID.String()).
		Str("tx_hash", txHash).
		Int("items", len(batch.Items)).
		Int("attempts", batch.Attempts).
		Msg("batch settled")

	b.emit(ctx, &event.BatchSettled{
		BatchID:      batch.ID,
		TxHash:       txHash,
		Attempts:     batch.Attempts,
		TradeIDs:     tradeIDs(batch),
		Liquidations: liquidationIDs(batch),
	})
}

// fail marks the batch FAILED, keeps it for reconciliation and rolls back
// its trades. Liquidations are not reverted.
func (b *Batcher) fail(ctx context.Context, batch *Batch, cause error) {
	err := apperr.Wrap(apperr.CodeSettlementTxFailed, cause, "batch %s after %d attempts", batch.ID, batch.Attempts)
	batch.Status = StatusFailed
	batch.LastErr = err.Error()
	batch.DoneAt = b.clock()

	b.mu.Lock()
	b.failed = append(b.failed, batch)
	b.mu.Unlock()

	b.log.Error().Err(err).
		Str("code", string(apperr.CodeSettlementTxFailed)).
		Str("batch_id", batch.ID.String()).
		Int("trades", len(batch.Trades())).
		Int("liquidations", len(batch.Liquidations())).
		Msg("settlement batch failed")

	if trades := batch.Trades(); len(trades) > 0 {
		if rerr := b.trades.RollbackTrades(ctx, batch.ID, trades, batch.LastErr); rerr != nil {
			b.log.Error().Err(rerr).Str("batch_id", batch.ID.String()).Msg("rollback incomplete")
		}
	}

	if b.metrics != nil {
		b.metrics.SettlementBatches.WithLabelValues(StatusFailed.String()).Inc()
		b.metrics.SettlementPending.Set(float64(b.Pending()))
	}

	b.emit(ctx, &event.BatchFailed{
		BatchID:      batch.ID,
		Attempts:     batch.Attempts,
		LastError:    batch.LastErr,
		TradeIDs:     tradeIDs(batch),
		Liquidations: liquidationIDs(batch),
	})
}

func (b *Batcher) attempt(result string) {
	if b.metrics != nil {
		b.metrics.SettlementAttempts.WithLabelValues(result).Inc()
	}
}

func (b *Batcher) emit(ctx context.Context, e event.Event) {
	if b.events == nil {
		return
	}
	env := event.Wrap(b.eventSeq.Add(1), e, b.clock())
	select {
	case b.events <- env:
	case <-ctx.Done():
	}
}

// Pending returns the number of sealed batches waiting for submission.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sealed)
}

// Failed returns the batches that exhausted their attempts.
func (b *Batcher) Failed() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Batch, len(b.failed))
	copy(out, b.failed)
	return out
}

func tradeIDs(batch *Batch) []uuid.UUID {
	var ids []uuid.UUID
	for _, t := range batch.Trades() {
		ids = append(ids, t.TradeID)
	}
	return ids
}

func liquidationIDs(batch *Batch) []uuid.UUID {
	var ids []uuid.UUID
	for _, l := range batch.Liquidations() {
		ids = append(ids, l.LiquidationID)
	}
	return ids
}
