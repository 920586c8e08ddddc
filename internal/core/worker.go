package core

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/book"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"MemePerp/internal/nonce"
	"MemePerp/internal/observability"
	"MemePerp/internal/order"
	"MemePerp/internal/settlement"
	"MemePerp/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultCommandQueueSize = 1024

// ErrWorkerStopped is returned for commands sent after the worker exited.
var ErrWorkerStopped = errors.New("market worker stopped")

// Outputs are the channels a market worker emits on. Settlement and Persist
// use blocking sends so nothing is lost; MarketData is best effort and
// dropped when full. Nil channels are skipped.
type Outputs struct {
	Settlement chan<- settlement.Item
	Persist    chan<- event.Envelope
	MarketData chan<- event.Envelope
}

// WorkerConfig wires a MarketWorker to the shared services.
type WorkerConfig struct {
	Params    state.MarketParams
	Ledger    *ledger.AccountLedger
	Nonces    *nonce.Ledger
	Insurance *state.InsuranceFund
	Outputs   Outputs
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Clock     func() time.Time
	QueueSize int
}

// MarketWorker owns one market: its book, positions and mark price. All
// state is mutated on the goroutine running Run; everything else talks to it
// through commands.
type MarketWorker struct {
	token     event.Address
	params    atomic.Pointer[state.MarketParams]
	book      *book.Book
	positions *state.PositionManager
	ledger    *ledger.AccountLedger
	nonces    *nonce.Ledger
	insurance *state.InsuranceFund
	hasher    *StateHasher
	prices    *SequenceValidator

	markPrice *big.Int
	lastPrice *big.Int
	orderSeq  int64
	matchSeq  int64
	eventSeq  int64

	// fills awaiting settlement, by trade id
	fills map[uuid.UUID]*fillRecord
	// rolled back orders that can no longer rest, kept for reconciliation
	parked map[uuid.UUID]*order.Order
	// last settled funding epoch
	lastFunding *event.FundingRateRecord

	cmds    chan command
	stopped chan struct{}
	running atomic.Bool
	ctx     context.Context
	outputs Outputs
	clock   func() time.Time
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewMarketWorker(cfg WorkerConfig) *MarketWorker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultCommandQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Insurance == nil {
		cfg.Insurance = state.NewInsuranceFund()
	}

	token := cfg.Params.Token
	w := &MarketWorker{
		token:     token,
		book:      book.New(token),
		positions: state.NewPositionManager(token),
		ledger:    cfg.Ledger,
		nonces:    cfg.Nonces,
		insurance: cfg.Insurance,
		hasher:    NewStateHasher(token),
		prices:    NewSequenceValidator(),
		fills:     make(map[uuid.UUID]*fillRecord),
		parked:    make(map[uuid.UUID]*order.Order),
		cmds:      make(chan command, cfg.QueueSize),
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
		outputs:   cfg.Outputs,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With().Str("token", token.Hex()).Logger(),
	}
	params := cfg.Params
	w.params.Store(&params)
	return w
}

func (w *MarketWorker) Token() event.Address { return w.token }

// Params returns the current risk parameters. Safe from any goroutine.
func (w *MarketWorker) Params() state.MarketParams {
	return *w.params.Load()
}

// Running reports whether Run is active.
func (w *MarketWorker) Running() bool { return w.running.Load() }

// Run processes commands until ctx is cancelled.
func (w *MarketWorker) Run(ctx context.Context) error {
	w.ctx = ctx
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		close(w.stopped)
	}()

	w.log.Info().Msg("market worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("market worker stopped")
			return ctx.Err()
		case cmd := <-w.cmds:
			w.dispatch(cmd)
		}
	}
}

// dispatch runs one command. A panic fails that command only; the worker
// keeps serving the market.
func (w *MarketWorker) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Str("command", cmd.name()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in market worker")
			if w.metrics != nil {
				w.metrics.CommandPanics.WithLabelValues(w.token.Hex(), cmd.name()).Inc()
			}
			cmd.fail(apperr.New(apperr.CodeInternal, "market %s failed handling %s: %v", w.token.Hex(), cmd.name(), r))
		}
	}()
	cmd.run(w)
}

// command is a unit of work executed on the worker goroutine.
type command interface {
	name() string
	run(w *MarketWorker)
	fail(err error)
}

type result[T any] struct {
	val T
	err error
}

// call is a command with a typed reply. A call whose caller gave up before
// the worker reached it is not run.
type call[T any] struct {
	ctx   context.Context
	label string
	fn    func(w *MarketWorker) (T, error)
	reply chan result[T]
}

func newCall[T any](ctx context.Context, label string, fn func(w *MarketWorker) (T, error)) *call[T] {
	return &call[T]{ctx: ctx, label: label, fn: fn, reply: make(chan result[T], 1)}
}

func (c *call[T]) name() string { return c.label }

func (c *call[T]) run(w *MarketWorker) {
	if err := c.ctx.Err(); err != nil {
		if w.metrics != nil {
			w.metrics.CommandsAbandoned.WithLabelValues(w.token.Hex(), c.label).Inc()
		}
		c.fail(err)
		return
	}
	v, err := c.fn(w)
	c.reply <- result[T]{val: v, err: err}
}

func (c *call[T]) fail(err error) {
	var zero T
	select {
	case c.reply <- result[T]{val: zero, err: err}:
	default:
	}
}

// do sends fn to the worker and waits for its reply.
func do[T any](ctx context.Context, w *MarketWorker, label string, fn func(w *MarketWorker) (T, error)) (T, error) {
	var zero T
	c := newCall(ctx, label, fn)
	if err := w.enqueue(ctx, c); err != nil {
		return zero, err
	}
	select {
	case r := <-c.reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.stopped:
		// the command may have completed just before the worker exited
		select {
		case r := <-c.reply:
			return r.val, r.err
		default:
			return zero, ErrWorkerStopped
		}
	}
}

func (w *MarketWorker) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.cmds <- cmd:
		if w.metrics != nil {
			w.metrics.SetChannelMetrics("worker:"+w.token.Hex(), len(w.cmds), cap(w.cmds))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrWorkerStopped
	}
}

// --- Outputs ---

func (w *MarketWorker) nextEnvelope(e event.Event) event.Envelope {
	w.eventSeq++
	return event.Wrap(w.eventSeq, e, w.clock())
}

// emit sends e to persistence (blocking) and market data (non-blocking).
func (w *MarketWorker) emit(e event.Event) {
	env := w.nextEnvelope(e)

	if w.outputs.Persist != nil {
		select {
		case w.outputs.Persist <- env:
		case <-w.ctx.Done():
			return
		}
	}

	if w.outputs.MarketData != nil {
		select {
		case w.outputs.MarketData <- env:
		default:
			if w.metrics != nil {
				w.metrics.MarketDataDrops.WithLabelValues(w.token.Hex()).Inc()
			}
		}
	}
}

// emitSettlement hands an item to the settlement batcher. Blocking: the
// batcher drains its input on a goroutine that never waits on the chain.
func (w *MarketWorker) emitSettlement(it settlement.Item) {
	if w.outputs.Settlement == nil {
		return
	}
	select {
	case w.outputs.Settlement <- it:
	case <-w.ctx.Done():
	}
}

// currentMark returns the oracle mark price, falling back to the last trade.
func (w *MarketWorker) currentMark() *big.Int {
	if w.markPrice != nil {
		return w.markPrice
	}
	return w.lastPrice
}

func (w *MarketWorker) updateBookGauge() {
	if w.metrics != nil {
		w.metrics.RestingOrders.WithLabelValues(w.token.Hex()).Set(float64(w.book.Len()))
	}
}

func (w *MarketWorker) String() string {
	return fmt.Sprintf("market(%s)", w.token.Hex())
}
