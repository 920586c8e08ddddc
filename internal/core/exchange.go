package core

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"MemePerp/internal/nonce"
	"MemePerp/internal/observability"
	"MemePerp/internal/order"
	"MemePerp/internal/signing"
	"MemePerp/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExchangeConfig holds the services shared by every market.
type ExchangeConfig struct {
	Verifier  *signing.Verifier
	Nonces    *nonce.Ledger
	Ledger    *ledger.AccountLedger
	Insurance *state.InsuranceFund
	Outputs   Outputs
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Clock     func() time.Time
	QueueSize int
}

// Exchange routes requests to the market worker of their token and runs the
// intake steps that do not need market state: decoding, parameter checks,
// signature and deadline verification, nonce seeding.
type Exchange struct {
	mu      sync.RWMutex
	workers map[event.Address]*MarketWorker

	cfg     ExchangeConfig
	metrics *observability.Metrics
	log     zerolog.Logger
	clock   func() time.Time
}

func NewExchange(cfg ExchangeConfig, markets []state.MarketParams) (*Exchange, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Insurance == nil {
		cfg.Insurance = state.NewInsuranceFund()
	}
	ex := &Exchange{
		workers: make(map[event.Address]*MarketWorker),
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		clock:   cfg.Clock,
	}
	for _, p := range markets {
		if _, err := ex.AddMarket(p); err != nil {
			return nil, err
		}
	}
	return ex, nil
}

// AddMarket creates the worker of a market. Call before Run.
func (ex *Exchange) AddMarket(params state.MarketParams) (*MarketWorker, error) {
	if err := state.ValidateMarketParams(&params); err != nil {
		return nil, fmt.Errorf("market %s: %w", params.Symbol, err)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, dup := ex.workers[params.Token]; dup {
		return nil, fmt.Errorf("market %s registered twice", params.Token.Hex())
	}
	w := NewMarketWorker(WorkerConfig{
		Params:    params,
		Ledger:    ex.cfg.Ledger,
		Nonces:    ex.cfg.Nonces,
		Insurance: ex.cfg.Insurance,
		Outputs:   ex.cfg.Outputs,
		Metrics:   ex.cfg.Metrics,
		Logger:    ex.cfg.Logger.With().Str("component", "market").Str("symbol", params.Symbol).Logger(),
		Clock:     ex.cfg.Clock,
		QueueSize: ex.cfg.QueueSize,
	})
	ex.workers[params.Token] = w
	return w, nil
}

// Run runs every market worker until ctx is cancelled. A worker that
// returns an error other than cancellation stops the group.
func (ex *Exchange) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range ex.Markets() {
		w := w
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", w, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Ready reports whether every market worker is running.
func (ex *Exchange) Ready() bool {
	for _, w := range ex.Markets() {
		if !w.Running() {
			return false
		}
	}
	return true
}

// Markets returns the workers sorted by token.
func (ex *Exchange) Markets() []*MarketWorker {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	out := make([]*MarketWorker, 0, len(ex.workers))
	for _, w := range ex.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].token.Hex() < out[j].token.Hex() })
	return out
}

// Worker returns the worker for token, MarketInactive when unknown.
func (ex *Exchange) Worker(token event.Address) (*MarketWorker, error) {
	ex.mu.RLock()
	w, ok := ex.workers[token]
	ex.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.CodeMarketInactive, "no market for token %s", token.Hex())
	}
	return w, nil
}

func (ex *Exchange) Ledger() *ledger.AccountLedger { return ex.cfg.Ledger }

func (ex *Exchange) Nonces() *nonce.Ledger { return ex.cfg.Nonces }

func (ex *Exchange) Insurance() *state.InsuranceFund { return ex.cfg.Insurance }

// --- Intake ---

// SubmitRequest converts a wire request and submits it.
func (ex *Exchange) SubmitRequest(ctx context.Context, req *order.SubmitRequest) (*SubmitResult, error) {
	o, err := req.ToOrder(ex.clock())
	if err != nil {
		ex.rejected(err)
		return nil, err
	}
	return ex.Submit(ctx, o)
}

// Submit runs the intake pipeline for a decoded order and hands it to its
// market worker.
func (ex *Exchange) Submit(ctx context.Context, o *order.Order) (*SubmitResult, error) {
	res, err := ex.submit(ctx, o)
	if err != nil {
		ex.rejected(err)
		ex.log.Debug().Err(err).
			Str("trader", o.Trader.Hex()).
			Str("token", o.Token.Hex()).
			Uint64("nonce", o.Nonce).
			Msg("order rejected")
	}
	return res, err
}

func (ex *Exchange) submit(ctx context.Context, o *order.Order) (*SubmitResult, error) {
	w, err := ex.Worker(o.Token)
	if err != nil {
		return nil, err
	}
	params := w.Params()
	if !params.Active {
		return nil, apperr.New(apperr.CodeMarketInactive, "market %s is paused", o.Token.Hex())
	}
	if err := o.ValidateParams(params.MaxLeverage); err != nil {
		return nil, err
	}
	if err := ex.cfg.Verifier.Verify(o, ex.clock()); err != nil {
		return nil, err
	}
	// chain I/O stays off the worker
	if err := ex.cfg.Nonces.Seed(ctx, o.Trader); err != nil {
		return nil, fmt.Errorf("seed nonce of %s: %w", o.Trader.Hex(), err)
	}
	return w.Submit(ctx, o)
}

// Cancel removes a resting order.
func (ex *Exchange) Cancel(ctx context.Context, req *order.CancelRequest) (*order.Order, error) {
	id, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "orderId")
	}
	token, err := event.ParseAddress(req.Token)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "token")
	}
	trader, err := event.ParseAddress(req.Trader)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "trader")
	}
	w, err := ex.Worker(token)
	if err != nil {
		return nil, err
	}
	return w.Cancel(ctx, id, trader)
}

func (ex *Exchange) rejected(err error) {
	if ex.metrics != nil {
		ex.metrics.OrdersRejected.WithLabelValues(string(apperr.CodeOf(err))).Inc()
	}
}

// --- Queries ---

func (ex *Exchange) Orderbook(ctx context.Context, token event.Address, levels int) (*OrderbookSnapshot, error) {
	w, err := ex.Worker(token)
	if err != nil {
		return nil, err
	}
	return w.Orderbook(ctx, levels)
}

// NextNonce returns the nonce the trader must sign next. A trader seen for
// the first time is seeded from the chain.
func (ex *Exchange) NextNonce(ctx context.Context, trader event.Address) (uint64, error) {
	if err := ex.cfg.Nonces.Seed(ctx, trader); err != nil {
		return 0, err
	}
	return ex.cfg.Nonces.Expected(trader), nil
}

func (ex *Exchange) Balance(trader event.Address) ledger.Balance {
	return ex.cfg.Ledger.Balance(trader)
}

// Positions returns the trader's open positions across markets.
func (ex *Exchange) Positions(ctx context.Context, trader event.Address) ([]*PositionView, error) {
	var out []*PositionView
	for _, w := range ex.Markets() {
		v, err := w.Position(ctx, trader)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w, err)
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// --- Inbound events ---

func (ex *Exchange) ApplyMarkPrice(ctx context.Context, u *event.MarkPriceUpdate) (bool, error) {
	w, err := ex.Worker(u.Token)
	if err != nil {
		return false, err
	}
	return w.ApplyMarkPrice(ctx, u)
}

func (ex *Exchange) UpdateParams(ctx context.Context, u *event.RiskParamUpdate) (state.MarketParams, error) {
	w, err := ex.Worker(u.Token)
	if err != nil {
		return state.MarketParams{}, err
	}
	return w.UpdateParams(ctx, u)
}

// ApplyDeposit credits an on-chain deposit. Replays of the same log are ignored.
func (ex *Exchange) ApplyDeposit(d *event.Deposit) error {
	err := ex.cfg.Ledger.Deposit(d.Trader, d.Amount, d.IdempotencyKey())
	if errors.Is(err, ledger.ErrDuplicateRef) {
		return nil
	}
	return err
}

// ApplyWithdrawal debits an on-chain withdrawal. Replays are ignored.
func (ex *Exchange) ApplyWithdrawal(wd *event.Withdrawal) error {
	err := ex.cfg.Ledger.Withdraw(wd.Trader, wd.Amount, wd.IdempotencyKey())
	if errors.Is(err, ledger.ErrDuplicateRef) {
		return nil
	}
	return err
}

// --- Settlement callbacks ---

// RollbackTrades reverses the trades of a failed batch through their
// owning workers. Trades keep their batch order within each market.
func (ex *Exchange) RollbackTrades(ctx context.Context, batchID uuid.UUID, trades []*event.Trade, reason string) error {
	var errs []error
	for token, ids := range groupByToken(trades) {
		w, err := ex.Worker(token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := w.Rollback(ctx, batchID, ids, reason); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w, err))
		}
	}
	return errors.Join(errs...)
}

// ConfirmTrades tells the owning workers that trades are final.
func (ex *Exchange) ConfirmTrades(ctx context.Context, trades []*event.Trade) error {
	var errs []error
	for token, ids := range groupByToken(trades) {
		w, err := ex.Worker(token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := w.ConfirmSettled(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w, err))
		}
	}
	return errors.Join(errs...)
}

func groupByToken(trades []*event.Trade) map[event.Address][]uuid.UUID {
	out := make(map[event.Address][]uuid.UUID)
	for _, t := range trades {
		out[t.Token] = append(out[t.Token], t.TradeID)
	}
	return out
}
