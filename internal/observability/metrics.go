package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine, grouped by concern.
// Every collector is registered on the registry passed to NewMetrics so tests
// can build as many instances as they like.
type Metrics struct {
	// --- Matching ---
	OrdersSubmitted   *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	TradesExecuted    *prometheus.CounterVec
	MatchDuration     *prometheus.HistogramVec
	CommandPanics     *prometheus.CounterVec
	CommandsAbandoned *prometheus.CounterVec
	RestingOrders     *prometheus.GaugeVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	MarketDataDrops    *prometheus.CounterVec

	// --- Ledger ---
	JournalsApplied      *prometheus.CounterVec
	RollbackFailures     *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	InsuranceDeficit     prometheus.Gauge

	// --- Liquidation ---
	RiskScanDuration     prometheus.Histogram
	LiquidationQueued    *prometheus.CounterVec
	LiquidationCompleted *prometheus.CounterVec
	LiquidationShortfall *prometheus.CounterVec
	ADLExecuted          *prometheus.CounterVec

	// --- Funding ---
	FundingEpochSettled     *prometheus.CounterVec
	FundingEpochDuration    *prometheus.HistogramVec
	FundingPositionsSettled *prometheus.CounterVec
	FundingRate             *prometheus.GaugeVec
	FundingRoundingResidual *prometheus.GaugeVec

	// --- Settlement ---
	SettlementBatches     *prometheus.CounterVec
	SettlementAttempts    *prometheus.CounterVec
	SettlementBatchSize   prometheus.Histogram
	SettlementLatency     prometheus.Histogram
	SettlementPending     prometheus.Gauge
	IdempotencyDuplicates *prometheus.CounterVec
	ReconcileChecks       *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages    *prometheus.CounterVec
	PriceSequenceGaps *prometheus.CounterVec

	// --- Market data ---
	WSClients        prometheus.Gauge
	WSMessagesSent   *prometheus.CounterVec
	WSClientsDropped prometheus.Counter

	// --- Persistence ---
	PersistBatchDur       prometheus.Histogram
	PersistRecordsWritten *prometheus.CounterVec
	PersistErrors         *prometheus.CounterVec

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	RateLimited  prometheus.Counter
}

// NewMetrics creates every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	chainBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

	f := promauto.With(reg)

	return &Metrics{
		// Matching
		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_orders_submitted_total",
			Help: "Orders accepted by a market worker",
		}, []string{"token", "order_type"}),

		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_orders_rejected_total",
			Help: "Orders rejected at intake or by a market worker",
		}, []string{"code"}),

		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_trades_executed_total",
			Help: "Matches produced by the matching engine",
		}, []string{"token"}),

		MatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memeperp_match_duration_seconds",
			Help:    "Time to process one submit command in a market worker",
			Buckets: latencyBuckets,
		}, []string{"token"}),

		CommandPanics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_worker_command_panics_total",
			Help: "Panics recovered while a market worker handled a command",
		}, []string{"token", "command"}),

		CommandsAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_worker_commands_abandoned_total",
			Help: "Commands dropped because their caller gave up before the worker reached them",
		}, []string{"token", "command"}),

		RestingOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memeperp_resting_orders",
			Help: "Orders resting in the book",
		}, []string{"token"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memeperp_channel_size",
			Help: "Current number of items in a channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memeperp_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memeperp_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		MarketDataDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_market_data_drops_total",
			Help: "Market data events dropped because the channel was full",
		}, []string{"token"}),

		// Ledger
		JournalsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_journals_applied_total",
			Help: "Journal entries applied to balances",
		}, []string{"journal_type"}),

		RollbackFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_rollback_failures_total",
			Help: "Trade sides whose compensating batch could not be applied",
		}, []string{"token"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "memeperp_insurance_fund_balance",
			Help: "Insurance fund balance in base units",
		}),

		InsuranceDeficit: f.NewGauge(prometheus.GaugeOpts{
			Name: "memeperp_insurance_fund_deficit",
			Help: "Shortfall the insurance fund could not cover",
		}),

		// Liquidation
		RiskScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "memeperp_risk_scan_duration_seconds",
			Help:    "Time for one liquidation monitor tick across all markets",
			Buckets: prometheus.DefBuckets,
		}),

		LiquidationQueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_liquidation_queued_total",
			Help: "Positions queued for liquidation",
		}, []string{"token", "urgency"}),

		LiquidationCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_liquidation_completed_total",
			Help: "Positions liquidated",
		}, []string{"token"}),

		LiquidationShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_liquidation_shortfall_total",
			Help: "Liquidations that ended with negative equity",
		}, []string{"token"}),

		ADLExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_adl_executed_total",
			Help: "Positions reduced by auto-deleveraging",
		}, []string{"token"}),

		// Funding
		FundingEpochSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_funding_epoch_settled_total",
			Help: "Funding epochs settled",
		}, []string{"token"}),

		FundingEpochDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memeperp_funding_epoch_duration_seconds",
			Help:    "Time to settle one funding epoch",
			Buckets: prometheus.DefBuckets,
		}, []string{"token"}),

		FundingPositionsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_funding_positions_total",
			Help: "Positions processed by funding settlement",
		}, []string{"token", "result"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memeperp_funding_rate",
			Help: "Last applied funding rate (1e8 scale)",
		}, []string{"token"}),

		FundingRoundingResidual: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memeperp_funding_rounding_residual",
			Help: "Residual swept to the insurance fund in the last epoch",
		}, []string{"token"}),

		// Settlement
		SettlementBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_settlement_batches_total",
			Help: "Settlement batches by final status",
		}, []string{"status"}),

		SettlementAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_settlement_attempts_total",
			Help: "Settlement submission attempts",
		}, []string{"result"}),

		SettlementBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "memeperp_settlement_batch_size",
			Help:    "Items per sealed settlement batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		SettlementLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "memeperp_settlement_latency_seconds",
			Help:    "Seal to confirmation latency",
			Buckets: chainBuckets,
		}),

		SettlementPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "memeperp_settlement_pending",
			Help: "Sealed batches waiting for submission",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_idempotency_duplicates_total",
			Help: "Already settled items filtered out of a batch",
		}, []string{"tier"}),

		ReconcileChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_reconcile_checks_total",
			Help: "On-chain balance reconciliations by result (match, drift, error)",
		}, []string{"result"}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_ingest_messages_total",
			Help: "Inbound NATS messages",
		}, []string{"kind", "result"}),

		PriceSequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_price_sequence_gaps_total",
			Help: "Mark price updates that skipped sequence numbers",
		}, []string{"token"}),

		// Market data
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "memeperp_ws_clients",
			Help: "Connected WebSocket clients",
		}),

		WSMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_ws_messages_sent_total",
			Help: "Messages queued to WebSocket clients",
		}, []string{"topic"}),

		WSClientsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "memeperp_ws_clients_dropped_total",
			Help: "Slow WebSocket clients disconnected",
		}),

		// Persistence
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "memeperp_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistRecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_persist_records_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		// HTTP
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memeperp_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memeperp_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "memeperp_http_rate_limited_total",
			Help: "Requests rejected by the per-trader rate limiter",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
