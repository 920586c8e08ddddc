package core

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrNoMarkPrice means the market has neither an oracle price nor a trade yet.
	ErrNoMarkPrice = errors.New("no mark price")
	// ErrStaleFundingEpoch is returned for an epoch older than the last one settled.
	ErrStaleFundingEpoch = errors.New("stale funding epoch")
)

// ApplyFunding settles one funding epoch for the market. The rate is derived
// from open interest at the moment the command runs. A position that cannot
// pay, or panics while paying, is skipped and counted; the others settle.
// Asking again for the last settled epoch returns its record without
// charging anyone twice.
func (w *MarketWorker) ApplyFunding(ctx context.Context, epoch int64) (*event.FundingRateRecord, error) {
	return do(ctx, w, "funding", func(w *MarketWorker) (*event.FundingRateRecord, error) {
		return w.handleFunding(epoch)
	})
}

// PredictedFundingRate returns the rate the next epoch would apply now.
func (w *MarketWorker) PredictedFundingRate(ctx context.Context) (int64, error) {
	return do(ctx, w, "predicted_funding", func(w *MarketWorker) (int64, error) {
		long, short := w.positions.OpenInterest()
		return fpmath.ComputeFundingRate(long, short, w.Params().MaxFundingRate), nil
	})
}

func (w *MarketWorker) handleFunding(epoch int64) (*event.FundingRateRecord, error) {
	if last := w.lastFunding; last != nil && epoch <= last.Epoch {
		if epoch == last.Epoch {
			return last, nil
		}
		return nil, fmt.Errorf("funding epoch %d for %s, last settled %d: %w", epoch, w.token.Hex(), last.Epoch, ErrStaleFundingEpoch)
	}
	mark := w.currentMark()
	if mark == nil {
		return nil, fmt.Errorf("funding epoch %d for %s: %w", epoch, w.token.Hex(), ErrNoMarkPrice)
	}

	long, short := w.positions.OpenInterest()
	rate := fpmath.ComputeFundingRate(long, short, w.Params().MaxFundingRate)
	rec := &event.FundingRateRecord{
		Token:               w.token,
		Epoch:               epoch,
		Rate:                rate,
		LongSize:            long,
		ShortSize:           short,
		MarkPrice:           fpmath.Clone(mark),
		TotalPaid:           new(big.Int),
		TotalReceived:       new(big.Int),
		RoundingResidual:    new(big.Int),
		SettlementTimestamp: w.clock(),
	}

	inputs := make([]fpmath.PositionForFunding, 0, w.positions.Len())
	for _, p := range w.positions.All() {
		inputs = append(inputs, fpmath.PositionForFunding{
			Key:      p.Trader.Hex(),
			Size:     fpmath.Clone(p.Size),
			SideSign: p.SideSign(),
		})
	}
	plan := fpmath.PlanFunding(rate, mark, inputs)
	ref := fmt.Sprintf("funding:%s:%d", w.token.Hex(), epoch)

	collected := new(big.Int)
	for _, c := range plan.Charges {
		if err := w.isolate(func() error { return w.chargeFunding(c, ref) }); err != nil {
			w.fundingFailed(rec, c.Key, err)
			continue
		}
		collected.Add(collected, c.Payment)
		rec.PositionsSettled++
		w.fundingSettled()
	}
	rec.TotalPaid.Set(collected)

	credits, _ := fpmath.DistributeFunding(collected, plan.Receivers)
	for _, c := range credits {
		if err := w.isolate(func() error { return w.creditFunding(c, ref) }); err != nil {
			w.fundingFailed(rec, c.Key, err)
			continue
		}
		rec.TotalReceived.Add(rec.TotalReceived, c.Payment)
		rec.PositionsSettled++
		w.fundingSettled()
	}

	// what rounding or failed credits left in the pool goes to the insurance fund
	swept, err := w.ledger.SweepFundingPool(w.token, ref)
	if err != nil {
		return nil, fmt.Errorf("sweep funding pool: %w", err)
	}
	rec.RoundingResidual = swept

	if w.metrics != nil {
		w.metrics.FundingRate.WithLabelValues(w.token.Hex()).Set(float64(rate))
		w.metrics.FundingRoundingResidual.WithLabelValues(w.token.Hex()).Set(float64(swept.Int64()))
	}
	w.lastFunding = rec
	w.emit(rec)
	return rec, nil
}

func (w *MarketWorker) chargeFunding(c fpmath.UserPayment, ref string) error {
	trader, err := event.ParseAddress(c.Key)
	if err != nil {
		return err
	}
	pos := w.positions.Get(trader)
	if pos.IsFlat() {
		return fmt.Errorf("no position for %s", c.Key)
	}
	if err := w.ledger.FundingCharge(trader, w.token, c.Payment, pos.Collateral, ref); err != nil {
		return err
	}
	return w.positions.AdjustCollateral(trader, new(big.Int).Neg(c.Payment))
}

func (w *MarketWorker) creditFunding(c fpmath.UserPayment, ref string) error {
	trader, err := event.ParseAddress(c.Key)
	if err != nil {
		return err
	}
	if w.positions.Get(trader).IsFlat() {
		return fmt.Errorf("no position for %s", c.Key)
	}
	if err := w.ledger.FundingCredit(trader, w.token, c.Payment, ref); err != nil {
		return err
	}
	return w.positions.AdjustCollateral(trader, c.Payment)
}

// isolate runs fn, turning a panic into an error.
func (w *MarketWorker) isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (w *MarketWorker) fundingFailed(rec *event.FundingRateRecord, key string, err error) {
	rec.PositionsFailed++
	w.log.Warn().Err(err).Str("trader", key).Int64("epoch", rec.Epoch).Msg("funding payment failed for position")
	if w.metrics != nil {
		w.metrics.FundingPositionsSettled.WithLabelValues(w.token.Hex(), "failed").Inc()
	}
}

func (w *MarketWorker) fundingSettled() {
	if w.metrics != nil {
		w.metrics.FundingPositionsSettled.WithLabelValues(w.token.Hex(), "settled").Inc()
	}
}
