package core

import (
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"context"
	"math/big"

	"github.com/google/uuid"
)

// fillRecord keeps what a trade changed until its batch settles.
type fillRecord struct {
	trade *event.Trade
	legs  [2]*leg // taker, maker
}

// RollbackReport summarizes a rollback for logs and tests.
type RollbackReport struct {
	Reverted   int
	Unknown    int
	SideErrors int
	Rested     int
	Parked     int
}

// Rollback reverses trades whose settlement batch failed: compensating
// ledger batches, position reversal, orders back to PENDING, nonces
// restored. Trades are undone newest first.
func (w *MarketWorker) Rollback(ctx context.Context, batchID uuid.UUID, tradeIDs []uuid.UUID, reason string) (RollbackReport, error) {
	return do(ctx, w, "rollback", func(w *MarketWorker) (RollbackReport, error) {
		return w.handleRollback(batchID, tradeIDs, reason), nil
	})
}

// ConfirmSettled drops the reversal records of settled trades.
func (w *MarketWorker) ConfirmSettled(ctx context.Context, tradeIDs []uuid.UUID) error {
	_, err := do(ctx, w, "confirm", func(w *MarketWorker) (int, error) {
		n := 0
		for _, id := range tradeIDs {
			if _, ok := w.fills[id]; ok {
				delete(w.fills, id)
				n++
			}
		}
		return n, nil
	})
	return err
}

// PendingFills returns how many trades still await settlement.
func (w *MarketWorker) PendingFills(ctx context.Context) (int, error) {
	return do(ctx, w, "pending_fills", func(w *MarketWorker) (int, error) {
		return len(w.fills), nil
	})
}

func (w *MarketWorker) handleRollback(batchID uuid.UUID, tradeIDs []uuid.UUID, reason string) RollbackReport {
	var rep RollbackReport
	touched := make(map[uuid.UUID]*order.Order)
	var touchedOrder []*order.Order

	for i := len(tradeIDs) - 1; i >= 0; i-- {
		rec, ok := w.fills[tradeIDs[i]]
		if !ok {
			rep.Unknown++
			continue
		}
		delete(w.fills, tradeIDs[i])

		for _, l := range rec.legs {
			if !w.revertLeg(rec.trade, l) {
				rep.SideErrors++
				continue
			}
			if _, seen := touched[l.order.ID]; !seen {
				touched[l.order.ID] = l.order
				touchedOrder = append(touchedOrder, l.order)
			}
		}
		rep.Reverted++

		w.emit(&event.TradeReverted{
			TradeID: rec.trade.TradeID,
			Token:   w.token,
			BatchID: batchID,
			Reason:  reason,
		})
	}

	now := w.clock()
	for _, o := range touchedOrder {
		if _, resting := w.book.Get(o.ID); resting {
			continue
		}
		if o.Type == order.TypeLimit && !o.IsExpired(now) {
			w.book.Restore(o)
			delete(w.parked, o.ID)
			rep.Rested++
			continue
		}
		// cannot trade again: free the margin, keep the order for reconciliation
		if o.Reserved.Sign() > 0 {
			if _, err := w.ledger.Release(o.Trader, o.Reserved, "rollback-release:"+o.ID.String()); err != nil {
				w.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("failed to release reservation of parked order")
			} else {
				o.Reserved = new(big.Int)
			}
		}
		w.parked[o.ID] = o
		rep.Parked++
	}
	w.updateBookGauge()

	w.log.Warn().
		Str("batch_id", batchID.String()).
		Str("reason", reason).
		Int("reverted", rep.Reverted).
		Int("unknown", rep.Unknown).
		Int("side_errors", rep.SideErrors).
		Int("rested", rep.Rested).
		Int("parked", rep.Parked).
		Msg("rolled back trades of failed settlement batch")
	return rep
}

// revertLeg undoes one side of a trade. When the compensating ledger batch
// cannot be applied the side is left as is and reported.
func (w *MarketWorker) revertLeg(trade *event.Trade, l *leg) bool {
	o := l.order
	if len(l.batches) > 0 {
		if _, err := w.ledger.Reverse(l.batches, "revert:"+trade.TradeID.String()+":"+o.ID.String()); err != nil {
			w.log.Error().Err(err).
				Str("trade_id", trade.TradeID.String()).
				Str("trader", o.Trader.Hex()).
				Msg("compensating batch rejected, side not reverted")
			if w.metrics != nil {
				w.metrics.RollbackFailures.WithLabelValues(w.token.Hex()).Inc()
			}
			return false
		}
	}

	if l.open != nil {
		if err := w.positions.RevertOpen(o.Trader, l.open); err != nil {
			w.log.Error().Err(err).Str("trade_id", trade.TradeID.String()).Msg("failed to revert opened position")
		}
	}
	if l.close != nil {
		if err := w.positions.RevertClose(o.Trader, l.close); err != nil {
			w.log.Error().Err(err).Str("trade_id", trade.TradeID.String()).Msg("failed to revert closed position")
		}
	}

	o.RevertFill(trade.Size)
	o.Reserved.Add(o.Reserved, l.share)
	w.nonces.Restore(o.Trader, o.Nonce)
	return true
}
