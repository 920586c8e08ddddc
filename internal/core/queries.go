package core

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/book"
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/order"
	"MemePerp/internal/risk"
	"MemePerp/internal/state"
	"context"
	"math/big"

	"github.com/google/uuid"
)

// OrderbookSnapshot is the aggregated book served at GET /orderbook/{token}.
type OrderbookSnapshot struct {
	Token     event.Address
	Bids      []book.DepthLevel
	Asks      []book.DepthLevel
	LastPrice *big.Int
	MarkPrice *big.Int
}

// RiskSnapshot is every open position of a market assessed at one mark price.
type RiskSnapshot struct {
	Token       event.Address
	MarkPrice   *big.Int
	MMRBps      int64
	Assessments []risk.Assessment
}

// PositionView is a position together with its risk assessment.
type PositionView struct {
	Position   *state.Position
	Assessment *risk.Assessment // nil without a mark price
}

func (w *MarketWorker) Orderbook(ctx context.Context, levels int) (*OrderbookSnapshot, error) {
	return do(ctx, w, "orderbook", func(w *MarketWorker) (*OrderbookSnapshot, error) {
		bids, asks := w.book.Depth(levels)
		return &OrderbookSnapshot{
			Token:     w.token,
			Bids:      bids,
			Asks:      asks,
			LastPrice: fpmath.Clone(w.lastPrice),
			MarkPrice: fpmath.Clone(w.markPrice),
		}, nil
	})
}

// RiskSnapshot assesses every position at the current mark. The snapshot is
// empty while the market has no price.
func (w *MarketWorker) RiskSnapshot(ctx context.Context) (*RiskSnapshot, error) {
	return do(ctx, w, "risk_snapshot", func(w *MarketWorker) (*RiskSnapshot, error) {
		params := w.Params()
		snap := &RiskSnapshot{Token: w.token, MMRBps: params.MMRBps}
		mark := w.currentMark()
		if mark == nil {
			return snap, nil
		}
		snap.MarkPrice = fpmath.Clone(mark)
		for _, p := range w.positions.All() {
			snap.Assessments = append(snap.Assessments, risk.Assess(p, mark, params.MMRBps))
		}
		return snap, nil
	})
}

// Position returns a copy of the trader's position, or nil when flat.
func (w *MarketWorker) Position(ctx context.Context, trader event.Address) (*PositionView, error) {
	return do(ctx, w, "position", func(w *MarketWorker) (*PositionView, error) {
		p := w.positions.Get(trader)
		if p.IsFlat() {
			return nil, nil
		}
		view := &PositionView{Position: p.Clone()}
		if mark := w.currentMark(); mark != nil {
			a := risk.Assess(p, mark, w.Params().MMRBps)
			view.Assessment = &a
		}
		return view, nil
	})
}

// Order returns a copy of a resting or parked order.
func (w *MarketWorker) Order(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return do(ctx, w, "order", func(w *MarketWorker) (*order.Order, error) {
		if o, ok := w.book.Get(id); ok {
			return o.Clone(), nil
		}
		if o, ok := w.parked[id]; ok {
			return o.Clone(), nil
		}
		return nil, apperr.New(apperr.CodeOrderNotFound, "order %s", id)
	})
}

// StateHash returns the book hash and the trade chain tip.
func (w *MarketWorker) StateHash(ctx context.Context) (bookHash, tradeTip [32]byte, err error) {
	type hashes struct{ book, tip [32]byte }
	h, err := do(ctx, w, "state_hash", func(w *MarketWorker) (hashes, error) {
		return hashes{book: w.book.StateHash(), tip: w.hasher.Tip()}, nil
	})
	return h.book, h.tip, err
}

// ApplyMarkPrice sets the oracle mark price. Stale sequences from a source
// are ignored and reported as not applied.
func (w *MarketWorker) ApplyMarkPrice(ctx context.Context, u *event.MarkPriceUpdate) (bool, error) {
	return do(ctx, w, "mark_price", func(w *MarketWorker) (bool, error) {
		if u.MarkPrice == nil || u.MarkPrice.Sign() <= 0 {
			return false, apperr.New(apperr.CodeInvalidOrderParameters, "mark price must be positive")
		}
		accept, gap := w.prices.ValidatePriceSequence(u.Source, u.PriceSequence)
		if !accept {
			return false, nil
		}
		if gap && w.metrics != nil {
			w.metrics.PriceSequenceGaps.WithLabelValues(w.token.Hex()).Inc()
		}
		w.markPrice = fpmath.Clone(u.MarkPrice)
		return true, nil
	})
}

// UpdateParams applies a runtime risk parameter change.
func (w *MarketWorker) UpdateParams(ctx context.Context, u *event.RiskParamUpdate) (state.MarketParams, error) {
	return do(ctx, w, "risk_params", func(w *MarketWorker) (state.MarketParams, error) {
		next, err := w.Params().Apply(u)
		if err != nil {
			return w.Params(), apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "risk update")
		}
		w.params.Store(&next)
		w.emit(u)
		w.log.Info().
			Int64("mmr_bps", next.MMRBps).
			Int64("max_leverage", next.MaxLeverage).
			Int64("liquidation_fee_bps", next.LiquidationFeeBps).
			Bool("active", next.Active).
			Msg("risk parameters updated")
		return next, nil
	})
}
