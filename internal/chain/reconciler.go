package chain

import (
	"MemePerp/internal/event"
	"MemePerp/internal/observability"
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"
)

const DefaultReconcileInterval = time.Minute

// BalanceReader is the on-chain side of a reconciliation.
type BalanceReader interface {
	GetUserBalance(ctx context.Context, trader event.Address) (*big.Int, error)
}

// LedgerView is the off-chain side of a reconciliation.
type LedgerView interface {
	Traders() []event.Address
	Reconcile(trader event.Address, onChainTotal *big.Int) *big.Int
}

// Drift is one trader whose custodied balance disagrees with the ledger.
type Drift struct {
	Trader  event.Address
	OnChain *big.Int
	Delta   *big.Int // on-chain minus off-chain
}

// Reconciler periodically compares custodied balances with the ledger.
// It only reports; the ledger is never corrected from chain state because
// unsettled PnL legitimately keeps the two apart until a batch lands.
type Reconciler struct {
	chain    BalanceReader
	ledger   LedgerView
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewReconciler(chain BalanceReader, ledger LedgerView, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{chain: chain, ledger: ledger, interval: interval, metrics: metrics, log: logger}
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Check runs one pass over every trader known to the ledger.
func (r *Reconciler) Check(ctx context.Context) []Drift {
	var drifts []Drift
	for _, trader := range r.ledger.Traders() {
		if ctx.Err() != nil {
			break
		}
		onChain, err := r.chain.GetUserBalance(ctx, trader)
		if err != nil {
			r.count("error")
			r.log.Warn().Err(err).Str("trader", trader.Hex()).Msg("reconcile: balance query failed")
			continue
		}
		delta := r.ledger.Reconcile(trader, onChain)
		if delta.Sign() == 0 {
			r.count("match")
			continue
		}
		r.count("drift")
		r.log.Warn().
			Str("trader", trader.Hex()).
			Str("on_chain", onChain.String()).
			Str("delta", delta.String()).
			Msg("reconcile: balance drift")
		drifts = append(drifts, Drift{Trader: trader, OnChain: onChain, Delta: delta})
	}
	return drifts
}

func (r *Reconciler) count(result string) {
	if r.metrics != nil {
		r.metrics.ReconcileChecks.WithLabelValues(result).Inc()
	}
}
