package core

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/book"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/order"
	"MemePerp/internal/settlement"
	"MemePerp/internal/state"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Match is one fill reported back to the submitter.
type Match struct {
	TradeID      uuid.UUID
	MakerOrderID uuid.UUID
	Price        *big.Int
	Size         *big.Int
}

// SubmitResult is what a trader gets back for an accepted order.
type SubmitResult struct {
	OrderID uuid.UUID
	Status  order.Status
	Filled  *big.Int
	Matches []Match
}

// Submit runs a verified order through the market: nonce and margin
// reservation, matching, and resting the remainder of a LIMIT order.
func (w *MarketWorker) Submit(ctx context.Context, o *order.Order) (*SubmitResult, error) {
	return do(ctx, w, "submit", func(w *MarketWorker) (*SubmitResult, error) {
		return w.handleSubmit(o)
	})
}

// Cancel removes a resting order owned by trader.
func (w *MarketWorker) Cancel(ctx context.Context, orderID uuid.UUID, trader event.Address) (*order.Order, error) {
	return do(ctx, w, "cancel", func(w *MarketWorker) (*order.Order, error) {
		return w.handleCancel(orderID, trader)
	})
}

func (w *MarketWorker) handleSubmit(o *order.Order) (*SubmitResult, error) {
	start := time.Now()
	now := w.clock()
	params := w.Params()

	if !params.Active {
		return nil, apperr.New(apperr.CodeMarketInactive, "market %s is paused", w.token.Hex())
	}
	if o.IsExpired(now) {
		return nil, apperr.New(apperr.CodeOrderExpired, "deadline %d has passed", o.Deadline)
	}
	if err := w.nonces.Reserve(o.Trader, o.Nonce); err != nil {
		return nil, err
	}

	reserve := w.estimateMargin(o)
	if _, err := w.ledger.Reserve(o.Trader, reserve, "order:"+o.ID.String()); err != nil {
		w.nonces.Release(o.Trader, o.Nonce)
		return nil, fmt.Errorf("reserve margin for order %s: %w", o.ID, err)
	}

	o.Reserved = reserve
	o.Filled = new(big.Int)
	o.Status = order.StatusPending
	w.orderSeq++
	o.Sequence = w.orderSeq
	o.CreatedAt = now

	m := &matcher{w: w, taker: o, now: now}
	w.book.Match(o, now, m)

	switch {
	case o.Remaining().Sign() == 0:
		w.finishOrder(o, order.StatusFilled)
	case o.Type == order.TypeLimit && m.haltErr == nil:
		w.book.Add(o)
	default:
		// MARKET is immediate-or-cancel; a halted LIMIT would cross the book
		w.finishOrder(o, order.StatusCancelled)
	}
	w.updateBookGauge()

	if w.metrics != nil {
		w.metrics.OrdersSubmitted.WithLabelValues(w.token.Hex(), o.Type.String()).Inc()
		w.metrics.MatchDuration.WithLabelValues(w.token.Hex()).Observe(time.Since(start).Seconds())
	}

	res := &SubmitResult{
		OrderID: o.ID,
		Status:  o.Status,
		Filled:  new(big.Int).Set(o.Filled),
		Matches: m.matches,
	}

	// A taker that could not fund its very first fill is a margin rejection.
	if m.haltErr != nil && len(m.matches) == 0 {
		return res, m.haltErr
	}
	return res, nil
}

// estimateMargin is the reservation taken at intake for the part of the
// order that opens exposure. MARKET orders are priced at the best opposing
// level, falling back to the signed price; fills top up any difference.
func (w *MarketWorker) estimateMargin(o *order.Order) *big.Int {
	price := o.Price
	if o.Type == order.TypeMarket {
		if best := w.book.BestOpposing(o.IsLong); best != nil {
			price = best
		}
	}
	if price == nil || price.Sign() == 0 {
		return new(big.Int)
	}
	_, openQty := w.positions.Split(o.Trader, o.Side(), o.Size)
	return fpmath.ComputeRequiredMargin(openQty, price, o.Leverage)
}

func (w *MarketWorker) handleCancel(orderID uuid.UUID, trader event.Address) (*order.Order, error) {
	o, ok := w.book.Get(orderID)
	if !ok || o.Trader != trader {
		return nil, apperr.New(apperr.CodeOrderNotFound, "order %s not resting in %s", orderID, w.token.Hex())
	}
	w.book.Remove(orderID)
	w.finishOrder(o, order.StatusCancelled)
	w.updateBookGauge()
	return o.Clone(), nil
}

// finishOrder takes an order out of the engine: any reservation left goes
// back to available and an unused nonce is released.
func (w *MarketWorker) finishOrder(o *order.Order, status order.Status) {
	if o.Status != order.StatusFilled {
		o.Status = status
	}
	if o.Reserved != nil && o.Reserved.Sign() > 0 {
		if _, err := w.ledger.Release(o.Trader, o.Reserved, "order-close:"+o.ID.String()); err != nil {
			w.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("failed to release order reservation")
		} else {
			o.Reserved = new(big.Int)
		}
	}
	if o.Filled == nil || o.Filled.Sign() == 0 {
		w.nonces.Release(o.Trader, o.Nonce)
	}
	w.emit(&event.OrderClosed{
		OrderID: o.ID,
		Token:   w.token,
		Trader:  o.Trader,
		Status:  o.Status.String(),
		Filled:  fpmath.Clone(o.Filled),
	})
}

// --- Matching ---

// matcher applies the fills of one taker's matching pass.
type matcher struct {
	w       *MarketWorker
	taker   *order.Order
	now     time.Time
	matches []Match
	haltErr error
}

var _ book.Handler = (*matcher)(nil)

func (m *matcher) OnMatch(maker *order.Order, price, size *big.Int) book.Decision {
	w := m.w

	makerLeg, err := w.prepareLeg(maker, price, size)
	if err != nil {
		w.log.Info().Err(err).
			Str("order_id", maker.ID.String()).
			Str("trader", maker.Trader.Hex()).
			Msg("maker cannot fund fill, cancelling")
		w.finishOrder(maker, order.StatusCancelled)
		return book.CancelMaker
	}

	takerLeg, err := w.prepareLeg(m.taker, price, size)
	if err != nil {
		w.undoLeg(makerLeg)
		m.haltErr = fmt.Errorf("fund fill of order %s: %w", m.taker.ID, err)
		return book.Stop
	}

	trade := w.executeFill(makerLeg, takerLeg, price, size)
	m.matches = append(m.matches, Match{
		TradeID:      trade.TradeID,
		MakerOrderID: maker.ID,
		Price:        fpmath.Clone(price),
		Size:         fpmath.Clone(size),
	})

	if maker.Remaining().Sign() == 0 {
		w.finishOrder(maker, order.StatusFilled)
	}
	return book.Fill
}

func (m *matcher) OnExpired(maker *order.Order) {
	m.w.finishOrder(maker, order.StatusExpired)
}

func (m *matcher) OnSelfMatch(maker *order.Order) {
	m.w.log.Debug().
		Str("order_id", maker.ID.String()).
		Str("trader", maker.Trader.Hex()).
		Msg("self-match, cancelling resting order")
	m.w.finishOrder(maker, order.StatusCancelled)
}

// leg is one order's side of a fill and everything needed to reverse it.
type leg struct {
	order    *order.Order
	share    *big.Int // part of the order reservation this fill consumed
	required *big.Int // margin the opening portion needs at the fill price
	closeQty *big.Int
	openQty  *big.Int
	batches  []*ledger.Batch
	close    *state.CloseEffect
	open     *state.OpenEffect
}

// prepareLeg funds the opening portion of a fill: the reservation share is
// used first, any excess is released and a shortfall is topped up from
// available. Nothing but the ledger is touched, so undoLeg can reverse it.
func (w *MarketWorker) prepareLeg(o *order.Order, price, size *big.Int) (*leg, error) {
	closeQty, openQty := w.positions.Split(o.Trader, o.Side(), size)
	required := fpmath.ComputeRequiredMargin(openQty, price, o.Leverage)

	remaining := o.Remaining()
	share := fpmath.Clone(o.Reserved)
	if size.Cmp(remaining) < 0 {
		share = fpmath.Pro(o.Reserved, size, remaining)
	}

	l := &leg{order: o, share: share, required: required, closeQty: closeQty, openQty: openQty}
	ref := "fill:" + o.ID.String()

	switch required.Cmp(share) {
	case 1:
		b, err := w.ledger.Reserve(o.Trader, new(big.Int).Sub(required, share), ref)
		if err != nil {
			return nil, err
		}
		l.appendBatch(b)
	case -1:
		b, err := w.ledger.Release(o.Trader, new(big.Int).Sub(share, required), ref)
		if err != nil {
			return nil, err
		}
		l.appendBatch(b)
	}
	return l, nil
}

func (l *leg) appendBatch(b *ledger.Batch) {
	if b != nil {
		l.batches = append(l.batches, b)
	}
}

func (w *MarketWorker) undoLeg(l *leg) {
	if len(l.batches) == 0 {
		return
	}
	if _, err := w.ledger.Reverse(l.batches, "undo-fill:"+l.order.ID.String()); err != nil {
		w.log.Error().Err(err).Str("order_id", l.order.ID.String()).Msg("failed to undo fill funding")
	}
}

// executeFill applies a funded fill to both positions and orders and emits
// the trade.
func (w *MarketWorker) executeFill(makerLeg, takerLeg *leg, price, size *big.Int) *event.Trade {
	now := w.clock()
	w.matchSeq++
	trade := &event.Trade{
		TradeID:       uuid.New(),
		Token:         w.token,
		Price:         fpmath.Clone(price),
		Size:          fpmath.Clone(size),
		TakerSide:     takerLeg.order.Side(),
		MatchSequence: w.matchSeq,
		Timestamp:     now,
	}

	for _, l := range []*leg{makerLeg, takerLeg} {
		w.applyLeg(l, price, trade.TradeID)
		o := l.order
		if o.IsLong {
			trade.LongOrderID, trade.LongTrader, trade.LongNonce = o.ID, o.Trader, o.Nonce
		} else {
			trade.ShortOrderID, trade.ShortTrader, trade.ShortNonce = o.ID, o.Trader, o.Nonce
		}
	}

	w.fills[trade.TradeID] = &fillRecord{trade: trade, legs: [2]*leg{takerLeg, makerLeg}}
	w.lastPrice = fpmath.Clone(price)
	w.hasher.ComputeHash(trade.MatchSequence, TradeDigest(trade))

	if w.metrics != nil {
		w.metrics.TradesExecuted.WithLabelValues(w.token.Hex()).Inc()
	}

	w.emitSettlement(settlement.Item{Trade: trade})
	w.emit(trade)
	return trade
}

func (w *MarketWorker) applyLeg(l *leg, price *big.Int, tradeID uuid.UUID) {
	o := l.order
	ref := "trade:" + tradeID.String()
	o.Reserved.Sub(o.Reserved, l.share)

	if l.closeQty.Sign() > 0 {
		eff, err := w.positions.Close(o.Trader, l.closeQty, price)
		if err != nil {
			panic(fmt.Sprintf("FATAL: close split portion: %v", err))
		}
		l.close = eff
		b, res, err := w.ledger.ClosePortion(o.Trader, eff.Collateral, eff.PnL, ref)
		if err != nil {
			panic(fmt.Sprintf("FATAL: settle closed portion of %s: %v", o.Trader.Hex(), err))
		}
		l.appendBatch(b)
		if res.Shortfall.Sign() > 0 {
			w.insurance.RecordShortfall(res.InsuranceCovered, res.Deficit)
			w.log.Warn().
				Str("trader", o.Trader.Hex()).
				Str("shortfall", res.Shortfall.String()).
				Str("deficit", res.Deficit.String()).
				Msg("close through fill left a shortfall")
		}
	}

	if l.openQty.Sign() > 0 {
		eff, err := w.positions.Open(o.Trader, o.Side(), l.openQty, price, l.required)
		if err != nil {
			panic(fmt.Sprintf("FATAL: open split portion: %v", err))
		}
		l.open = eff
	}

	o.ApplyFill(new(big.Int).Add(l.closeQty, l.openQty))
	w.nonces.Consume(o.Trader, o.Nonce)
}
