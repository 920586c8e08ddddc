// Package liquidation scans every market for positions near maintenance
// margin and asks the owning market worker to liquidate them.
package liquidation

import (
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/observability"
	"MemePerp/internal/risk"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultInterval = 500 * time.Millisecond

// Market is the part of a market worker the monitor drives. Both calls are
// serialized through the worker, so the monitor never touches market state.
type Market interface {
	Token() event.Address
	RiskSnapshot(ctx context.Context) (*core.RiskSnapshot, error)
	Liquidate(ctx context.Context, trader event.Address, urgency event.Urgency) (*core.LiquidationOutcome, error)
}

// RiskPublisher receives the assessments of every tick.
type RiskPublisher interface {
	PublishPositionRisks(snap *core.RiskSnapshot)
}

// ExchangeMarkets lists the markets of ex on every call, so markets added at
// runtime are picked up.
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
	// CallTimeout bounds each snapshot or liquidation request to one market.
	// Defaults to Interval.
	CallTimeout time.Duration
}

type MonitorDeps struct {
	Markets   func() []Market
	Publisher RiskPublisher
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// TickReport summarizes one scan.
type TickReport struct {
	Scanned      int
	Queued       int
	Liquidations []*event.Liquidation
	ADL          []*event.Liquidation
	Errors       int
}

type Monitor struct {
	interval    time.Duration
	callTimeout time.Duration
	markets     func() []Market
	publisher   RiskPublisher
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewMonitor(cfg Config, deps MonitorDeps) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = cfg.Interval
	}
	return &Monitor{
		interval:    cfg.Interval,
		callTimeout: cfg.CallTimeout,
		markets:     deps.Markets,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		log:         deps.Logger,
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("liquidation monitor started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick assesses every position, queues the critical and high ones and drains
// the queue through the owning workers. Markets are called concurrently and
// each call has its own deadline, so a stuck worker only costs its own market.
func (m *Monitor) Tick(ctx context.Context) TickReport {
	start := time.Now()
	var report TickReport

	markets := m.markets()
	snaps := make([]*core.RiskSnapshot, len(markets))
	errs := make([]error, len(markets))

	var g errgroup.Group
	for i, mk := range markets {
		i, mk := i, mk
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
			defer cancel()
			snaps[i], errs[i] = mk.RiskSnapshot(cctx)
			return nil
		})
	}
	g.Wait()

	byToken := make(map[event.Address]Market, len(markets))
	q := NewQueue()
	for i, mk := range markets {
		byToken[mk.Token()] = mk
		if errs[i] != nil {
			report.Errors++
			m.logErr(errs[i], mk.Token(), "risk snapshot failed")
			continue
		}
		snap := snaps[i]
		if m.publisher != nil && snap.MarkPrice != nil {
			m.publisher.PublishPositionRisks(snap)
		}
		for j := range snap.Assessments {
			a := &snap.Assessments[j]
			report.Scanned++
			urgency, ok := urgencyOf(a.Level)
			if !ok {
				continue
			}
			item := QueueItem{Token: a.Token, Trader: a.Trader, MarginRatioBps: a.MarginRatioBps, Urgency: urgency}
			if q.Push(item) {
				report.Queued++
				if m.metrics != nil {
					m.metrics.LiquidationQueued.WithLabelValues(a.Token.Hex(), urgency.String()).Inc()
				}
			}
		}
	}

	// Split the queue per market, keeping priority order inside each market.
	var order []event.Address
	perMarket := make(map[event.Address][]QueueItem)
	for q.Len() > 0 {
		it, _ := q.Pop()
		if _, seen := perMarket[it.Token]; !seen {
			order = append(order, it.Token)
		}
		perMarket[it.Token] = append(perMarket[it.Token], it)
	}

	results := make([]TickReport, len(order))
	for i, token := range order {
		i, mk, items := i, byToken[token], perMarket[token]
		g.Go(func() error {
			results[i] = m.drain(ctx, mk, items)
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		report.Liquidations = append(report.Liquidations, r.Liquidations...)
		report.ADL = append(report.ADL, r.ADL...)
		report.Errors += r.Errors
	}

	if m.metrics != nil {
		m.metrics.RiskScanDuration.Observe(time.Since(start).Seconds())
	}
	if len(report.Liquidations) > 0 {
		m.log.Info().
			Int("scanned", report.Scanned).
			Int("queued", report.Queued).
			Int("liquidated", len(report.Liquidations)).
			Int("adl", len(report.ADL)).
			Msg("liquidation tick")
	}
	return report
}

// drain liquidates the queued items of one market in order. A request that
// hits its deadline means the worker is not keeping up; the rest of that
// market's items wait for the next tick.
func (m *Monitor) drain(ctx context.Context, mk Market, items []QueueItem) TickReport {
	var r TickReport
	for _, it := range items {
		if ctx.Err() != nil {
			return r
		}
		cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
		out, err := mk.Liquidate(cctx, it.Trader, it.Urgency)
		cancel()
		if err != nil {
			r.Errors++
			m.logErr(err, it.Token, "liquidation failed")
			if errors.Is(err, context.DeadlineExceeded) {
				return r
			}
			continue
		}
		if out.Liquidation != nil {
			r.Liquidations = append(r.Liquidations, out.Liquidation)
		}
		r.ADL = append(r.ADL, out.ADL...)
	}
	return r
}

func (m *Monitor) logErr(err error, token event.Address, msg string) {
	if errors.Is(err, context.Canceled) {
		return
	}
	m.log.Warn().Err(err).Str("token", token.Hex()).Msg(msg)
}

func urgencyOf(l risk.Level) (event.Urgency, bool) {
	switch l {
	case risk.LevelCritical:
		return event.UrgencyCritical, true
	case risk.LevelHigh:
		return event.UrgencyHigh, true
	default:
		return 0, false
	}
}
