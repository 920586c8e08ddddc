package core

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/risk"
	"MemePerp/internal/settlement"
	"MemePerp/internal/state"
	"context"
	"math/big"

	"github.com/google/uuid"
)

// LiquidationOutcome is the result of one liquidation request. Liquidation
// is nil when the position was no longer below maintenance.
type LiquidationOutcome struct {
	Assessment  risk.Assessment
	Liquidation *event.Liquidation
	ADL         []*event.Liquidation
}

// Liquidate re-checks the trader's position at the worker's mark price and
// closes it if its margin ratio is below maintenance. HIGH requests that are
// not liquidatable only flag the position AtRisk.
func (w *MarketWorker) Liquidate(ctx context.Context, trader event.Address, urgency event.Urgency) (*LiquidationOutcome, error) {
	return do(ctx, w, "liquidate", func(w *MarketWorker) (*LiquidationOutcome, error) {
		return w.handleLiquidate(trader, urgency)
	})
}

func (w *MarketWorker) handleLiquidate(trader event.Address, urgency event.Urgency) (*LiquidationOutcome, error) {
	pos := w.positions.Get(trader)
	if pos.IsFlat() {
		return &LiquidationOutcome{}, nil
	}
	mark := w.currentMark()
	if mark == nil {
		return &LiquidationOutcome{}, nil
	}

	params := w.Params()
	a := risk.Assess(pos, mark, params.MMRBps)
	out := &LiquidationOutcome{Assessment: a}

	if !a.Liquidatable(params.MMRBps) {
		switch {
		case a.Level >= risk.LevelHigh:
			if err := state.MarkAtRisk(pos); err != nil {
				w.log.Warn().Err(err).Msg("cannot flag position at risk")
			}
		default:
			_ = state.MarkHealthy(pos)
		}
		return out, nil
	}

	if err := state.BeginLiquidation(pos); err != nil {
		return nil, err
	}

	liqID := uuid.New()
	pnl := pos.UnrealizedPnL(mark)
	penalty := fpmath.ApplyBps(pos.Notional(mark), params.LiquidationFeeBps)

	_, res, err := w.ledger.Liquidate(trader, pos.Collateral, pnl, penalty, "liq:"+liqID.String())
	if err != nil {
		// nothing was applied; the next tick retries
		pos.LiquidationState = state.LiquidationStateAtRisk
		return nil, err
	}
	w.positions.Remove(trader)
	if err := state.CompleteLiquidation(pos, res.Shortfall.Sign() > 0); err != nil {
		w.log.Error().Err(err).Msg("liquidation state transition")
	}

	liq := &event.Liquidation{
		LiquidationID:    liqID,
		PairID:           event.PairID(w.token, trader),
		Trader:           trader,
		Token:            w.token,
		Side:             pos.Side,
		Size:             fpmath.Clone(pos.Size),
		EntryPrice:       fpmath.Clone(pos.EntryPrice),
		MarkPrice:        fpmath.Clone(mark),
		Collateral:       fpmath.Clone(pos.Collateral),
		RealizedPnL:      pnl,
		Penalty:          res.Penalty,
		Returned:         res.Returned,
		Shortfall:        res.Shortfall,
		InsuranceCovered: res.InsuranceCovered,
		Deficit:          res.Deficit,
		Haircut:          new(big.Int),
		MarginRatioBps:   a.MarginRatioBps,
		Urgency:          urgency,
		Timestamp:        w.clock(),
	}
	out.Liquidation = liq

	if w.metrics != nil {
		w.metrics.LiquidationCompleted.WithLabelValues(w.token.Hex()).Inc()
	}
	if liq.HasShortfall() {
		w.insurance.RecordShortfall(res.InsuranceCovered, res.Deficit)
		if w.metrics != nil {
			w.metrics.LiquidationShortfall.WithLabelValues(w.token.Hex()).Inc()
		}
		w.log.Warn().
			Str("code", string(apperr.CodeLiquidationShortfall)).
			Str("trader", trader.Hex()).
			Str("shortfall", res.Shortfall.String()).
			Str("insurance_covered", res.InsuranceCovered.String()).
			Str("deficit", res.Deficit.String()).
			Msg("liquidation shortfall")
	}
	w.log.Info().
		Str("trader", trader.Hex()).
		Str("side", pos.Side.String()).
		Str("size", pos.Size.String()).
		Str("mark", mark.String()).
		Int64("margin_ratio_bps", a.MarginRatioBps).
		Str("urgency", urgency.String()).
		Msg("position liquidated")

	w.emitSettlement(settlement.Item{Liquidation: liq})
	w.emit(liq)

	if res.Deficit.Sign() > 0 {
		out.ADL = w.autoDeleverage(pos.Side.Opposite(), res.Deficit, mark, urgency)
	}
	return out, nil
}

// autoDeleverage reduces the top-ranked profitable positions on side at mark,
// withholding profit until deficit is covered. The withheld profit stays in
// clearing where the bankrupt position left the hole.
func (w *MarketWorker) autoDeleverage(side event.Side, deficit, mark *big.Int, urgency event.Urgency) []*event.Liquidation {
	params := w.Params()
	all := make([]risk.Assessment, 0, w.positions.Len())
	for _, p := range w.positions.All() {
		all = append(all, risk.Assess(p, mark, params.MMRBps))
	}
	ranked := risk.RankADL(all, side == event.SideLong)

	remaining := new(big.Int).Set(deficit)
	var events []*event.Liquidation

	for _, a := range ranked {
		if remaining.Sign() == 0 {
			break
		}
		pos := w.positions.Get(a.Trader)
		if pos.IsFlat() {
			continue
		}

		// smallest size whose profit covers what is left
		qty := new(big.Int).Set(pos.Size)
		if a.UnrealizedPnL.Cmp(remaining) > 0 {
			qty = fpmath.MulDiv(remaining, pos.Size, a.UnrealizedPnL, fpmath.RoundUp)
			qty = fpmath.MinBig(qty, pos.Size)
		}

		eff, err := w.positions.Close(a.Trader, qty, mark)
		if err != nil {
			w.log.Error().Err(err).Str("trader", a.Trader.Hex()).Msg("adl close failed")
			continue
		}
		haircut := new(big.Int)
		if eff.PnL.Sign() > 0 {
			haircut = fpmath.MinBig(eff.PnL, remaining)
		}
		paid := new(big.Int).Sub(eff.PnL, haircut)

		adlID := uuid.New()
		_, res, err := w.ledger.ClosePortion(a.Trader, eff.Collateral, paid, "adl:"+adlID.String())
		if err != nil {
			w.log.Error().Err(err).Str("trader", a.Trader.Hex()).Msg("adl settlement failed")
			_ = w.positions.RevertClose(a.Trader, eff)
			continue
		}
		remaining.Sub(remaining, haircut)
		w.insurance.ReduceDeficit(haircut)

		ev := &event.Liquidation{
			LiquidationID:    adlID,
			PairID:           event.PairID(w.token, a.Trader),
			Trader:           a.Trader,
			Token:            w.token,
			Side:             eff.Side,
			Size:             fpmath.Clone(eff.Size),
			EntryPrice:       fpmath.Clone(eff.EntryPrice),
			MarkPrice:        fpmath.Clone(mark),
			Collateral:       fpmath.Clone(eff.Collateral),
			RealizedPnL:      paid,
			Penalty:          new(big.Int),
			Returned:         res.Returned,
			Shortfall:        new(big.Int),
			InsuranceCovered: new(big.Int),
			Deficit:          new(big.Int),
			Haircut:          haircut,
			MarginRatioBps:   a.MarginRatioBps,
			Urgency:          urgency,
			AutoDeleverage:   true,
			Timestamp:        w.clock(),
		}
		events = append(events, ev)

		if w.metrics != nil {
			w.metrics.ADLExecuted.WithLabelValues(w.token.Hex()).Inc()
		}
		w.log.Warn().
			Str("trader", a.Trader.Hex()).
			Str("size", eff.Size.String()).
			Str("haircut", haircut.String()).
			Msg("position auto-deleveraged")

		w.emitSettlement(settlement.Item{Liquidation: ev})
		w.emit(ev)
	}

	if remaining.Sign() > 0 {
		w.log.Error().Str("uncovered", remaining.String()).Msg("deficit remains after auto-deleveraging")
	}
	return events
}
