// Package funding drives the periodic funding settlement of every market.
// Rate and payment math live in internal/math; the per-position ledger
// work runs inside each market worker.
package funding

import (
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/observability"
	"MemePerp/internal/state"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = time.Hour
	DefaultCallTimeout = 30 * time.Second
)

// Market is the part of a market worker the engine drives.
type Market interface {
	Token() event.Address
	ApplyFunding(ctx context.Context, epoch int64) (*event.FundingRateRecord, error)
	PredictedFundingRate(ctx context.Context) (int64, error)
}

// ExchangeMarkets lists the markets of ex on every call.
func ExchangeMarkets(ex *core.Exchange) func() []Market {
	return func() []Market {
		workers := ex.Markets()
		out := make([]Market, len(workers))
		for i, w := range workers {
			out[i] = w
		}
		return out
	}
}

type Config struct {
	Interval time.Duration
	// CallTimeout bounds one market's epoch. Capped at Interval.
	CallTimeout time.Duration
}

type EngineDeps struct {
	Markets func() []Market
	Records *state.FundingManager
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Engine struct {
	interval    time.Duration
	callTimeout time.Duration
	markets     func() []Market
	records     *state.FundingManager
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewEngine(cfg Config, deps EngineDeps) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.CallTimeout > cfg.Interval {
		cfg.CallTimeout = cfg.Interval
	}
	if deps.Records == nil {
		deps.Records = state.NewFundingManager(0)
	}
	return &Engine{
		interval:    cfg.Interval,
		callTimeout: cfg.CallTimeout,
		markets:     deps.Markets,
		records:     deps.Records,
		metrics:     deps.Metrics,
		log:         deps.Logger,
	}
}

// Records returns the store of settled records.
func (e *Engine) Records() *state.FundingManager { return e.records }

func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.interval).Msg("funding engine started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Settle(ctx)
		}
	}
}

// Settle runs one funding epoch on every market, concurrently and each under
// its own deadline. Markets without a mark price, or that miss the deadline,
// keep their epoch number for the next interval.
func (e *Engine) Settle(ctx context.Context) []*event.FundingRateRecord {
	markets := e.markets()
	recs := make([]*event.FundingRateRecord, len(markets))

	var g errgroup.Group
	for i, m := range markets {
		i, m := i, m
		g.Go(func() error {
			recs[i] = e.settleMarket(ctx, m)
			return nil
		})
	}
	g.Wait()

	var out []*event.FundingRateRecord
	for _, rec := range recs {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

func (e *Engine) settleMarket(ctx context.Context, m Market) *event.FundingRateRecord {
	token := m.Token()
	epoch := e.records.NextEpoch(token)
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	rec, err := m.ApplyFunding(cctx, epoch)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNoMarkPrice):
			e.log.Debug().Str("token", token.Hex()).Int64("epoch", epoch).Msg("funding skipped: no mark price")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			e.log.Warn().Str("token", token.Hex()).Int64("epoch", epoch).Dur("timeout", e.callTimeout).Msg("funding epoch timed out, retrying next interval")
		case errors.Is(err, context.Canceled):
		default:
			e.log.Error().Err(err).Str("token", token.Hex()).Int64("epoch", epoch).Msg("funding epoch failed")
		}
		return nil
	}

	if err := e.records.StoreRecord(rec); err != nil {
		e.log.Error().Err(err).Str("token", token.Hex()).Msg("store funding record")
	}
	if e.metrics != nil {
		e.metrics.FundingEpochSettled.WithLabelValues(token.Hex()).Inc()
		e.metrics.FundingEpochDuration.WithLabelValues(token.Hex()).Observe(time.Since(start).Seconds())
	}
	e.log.Info().
		Str("token", token.Hex()).
		Int64("epoch", rec.Epoch).
		Int64("rate", rec.Rate).
		Int("settled", rec.PositionsSettled).
		Int("failed", rec.PositionsFailed).
		Str("paid", rec.TotalPaid.String()).
		Str("residual", rec.RoundingResidual.String()).
		Msg("funding epoch settled")
	return rec
}

// Summary is the funding view of one market.
type Summary struct {
	Token         event.Address
	PredictedRate int64
	NextEpoch     int64
	NextFunding   time.Time
	Recent        []*event.FundingRateRecord
}

// Summary returns the predicted rate and up to limit recent records for
// token. The next funding time assumes epochs run on interval boundaries.
func (e *Engine) Summary(ctx context.Context, token event.Address, limit int) (*Summary, error) {
	var market Market
	for _, m := range e.markets() {
		if m.Token() == token {
			market = m
			break
		}
	}
	s := &Summary{
		Token:       token,
		NextEpoch:   e.records.NextEpoch(token),
		NextFunding: time.Now().Truncate(e.interval).Add(e.interval),
		Recent:      e.records.Recent(token, limit),
	}
	if market == nil {
		return s, nil
	}
	rate, err := market.PredictedFundingRate(ctx)
	if err != nil {
		return nil, err
	}
	s.PredictedRate = rate
	return s, nil
}
