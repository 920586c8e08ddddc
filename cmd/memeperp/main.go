package main

import (
	"MemePerp/internal/chain"
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/funding"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/ledger"
	"MemePerp/internal/liquidation"
	"MemePerp/internal/marketdata"
	"MemePerp/internal/nonce"
	"MemePerp/internal/observability"
	"MemePerp/internal/persistence"
	"MemePerp/internal/query"
	"MemePerp/internal/server"
	"MemePerp/internal/settlement"
	"MemePerp/internal/signing"
	"MemePerp/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds all application configuration, loaded from the environment
// (and .env when present).
type Config struct {
	// Markets
	MarketsFile string

	// Signing domain
	ChainID            int64
	SettlementContract string

	// Chain access: "simulated" runs an in-memory contract, "relayer" talks
	// to the relayer service over NATS.
	ChainMode        string
	RelayerSimulated bool // dev: serve the relayer subjects in-process

	// Optional infrastructure; empty disables it.
	PostgresURL string
	NATSURL     string

	// Channels
	SettlementChanSize int
	PersistChanSize    int
	MarketDataChanSize int
	IngestChanSize     int
	WorkerQueueSize    int

	// Loops
	SettlementBatchSize int
	SettlementInterval  time.Duration
	SettlementAttempts  int
	LiquidationInterval time.Duration
	FundingInterval     time.Duration
	ReconcileInterval   time.Duration
	NonceSeedTimeout    time.Duration

	// Persistence worker
	PersistBatchSize    int
	PersistFlushTimeout time.Duration
	MigrationsDir       string

	// Idempotency LRU
	IdempotencyLRUCapacity int

	// Servers
	HTTPAddr        string
	GRPCAddr        string
	OrdersPerSecond float64
	OrderBurst      int
	DevEndpoints    bool

	// InsuranceSeed is the initial insurance fund in collateral base units.
	InsuranceSeed string
}

func DefaultConfig() Config {
	return Config{
		MarketsFile:            envOrDefault("MEMEPERP_MARKETS_FILE", "markets.yaml"),
		ChainID:                int64(envIntOrDefault("MEMEPERP_CHAIN_ID", 31337)),
		SettlementContract:     envOrDefault("MEMEPERP_SETTLEMENT_ADDRESS", "0x5fbdb2315678afecb367f032d93f642f64180aa3"),
		ChainMode:              envOrDefault("MEMEPERP_CHAIN_MODE", "simulated"),
		RelayerSimulated:       envOrDefault("MEMEPERP_RELAYER_SIMULATED", "false") == "true",
		PostgresURL:            os.Getenv("MEMEPERP_POSTGRES_URL"),
		NATSURL:                os.Getenv("MEMEPERP_NATS_URL"),
		SettlementChanSize:     envIntOrDefault("MEMEPERP_SETTLEMENT_CHAN_SIZE", 4096),
		PersistChanSize:        envIntOrDefault("MEMEPERP_PERSIST_CHAN_SIZE", 4096),
		MarketDataChanSize:     envIntOrDefault("MEMEPERP_MARKETDATA_CHAN_SIZE", 8192),
		IngestChanSize:         envIntOrDefault("MEMEPERP_INGEST_CHAN_SIZE", 4096),
		WorkerQueueSize:        envIntOrDefault("MEMEPERP_WORKER_QUEUE_SIZE", 1024),
		SettlementBatchSize:    envIntOrDefault("MEMEPERP_SETTLEMENT_BATCH_SIZE", settlement.DefaultMaxBatchSize),
		SettlementInterval:     envDurationOrDefault("MEMEPERP_SETTLEMENT_INTERVAL", settlement.DefaultBatchInterval),
		SettlementAttempts:     envIntOrDefault("MEMEPERP_SETTLEMENT_ATTEMPTS", settlement.DefaultMaxAttempts),
		LiquidationInterval:    envDurationOrDefault("MEMEPERP_LIQUIDATION_INTERVAL", liquidation.DefaultInterval),
		FundingInterval:        envDurationOrDefault("MEMEPERP_FUNDING_INTERVAL", funding.DefaultInterval),
		ReconcileInterval:      envDurationOrDefault("MEMEPERP_RECONCILE_INTERVAL", chain.DefaultReconcileInterval),
		NonceSeedTimeout:       envDurationOrDefault("MEMEPERP_NONCE_SEED_TIMEOUT", 2*time.Second),
		PersistBatchSize:       envIntOrDefault("MEMEPERP_PERSIST_BATCH_SIZE", persistence.DefaultBatchSize),
		PersistFlushTimeout:    envDurationOrDefault("MEMEPERP_PERSIST_FLUSH_TIMEOUT", persistence.DefaultFlushTimeout),
		MigrationsDir:          envOrDefault("MEMEPERP_MIGRATIONS_DIR", "migrations"),
		IdempotencyLRUCapacity: envIntOrDefault("MEMEPERP_IDEMPOTENCY_LRU_CAPACITY", 100_000),
		HTTPAddr:               envOrDefault("MEMEPERP_HTTP_ADDR", ":8080"),
		GRPCAddr:               envOrDefault("MEMEPERP_GRPC_ADDR", ":9090"),
		OrdersPerSecond:        envFloatOrDefault("MEMEPERP_ORDERS_PER_SECOND", 20),
		OrderBurst:             envIntOrDefault("MEMEPERP_ORDER_BURST", 40),
		DevEndpoints:           envOrDefault("MEMEPERP_DEV_ENDPOINTS", "false") == "true",
		InsuranceSeed:          envOrDefault("MEMEPERP_INSURANCE_SEED", "0"),
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	logger := observability.NewLogger("main")
	cfg := DefaultConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("MemePerp stopped with error")
	}
	logger.Info().Msg("MemePerp shutdown complete")
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	logger.Info().Str("chain_mode", cfg.ChainMode).Msg("MemePerp starting")

	markets, err := state.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		return err
	}
	settlementAddr, err := event.ParseAddress(cfg.SettlementContract)
	if err != nil {
		return fmt.Errorf("settlement address: %w", err)
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres (optional) ---
	var db *sql.DB
	if cfg.PostgresURL != "" {
		db, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		logger.Warn().Msg("MEMEPERP_POSTGRES_URL not set, running without persistence")
	}

	// --- NATS (optional) ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSURL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// --- Settlement contract ---
	var (
		contract  chain.Contract
		simulated *chain.Simulated
	)
	switch cfg.ChainMode {
	case "simulated":
		simulated = chain.NewSimulated()
		contract = simulated
	case "relayer":
		if nc == nil {
			return errors.New("relayer chain mode needs MEMEPERP_NATS_URL")
		}
		if cfg.RelayerSimulated {
			simulated = chain.NewSimulated()
			responder := chain.NewResponder(simulated, observability.NewLogger("relayer"))
			if err := responder.Serve(ctx, nc); err != nil {
				return err
			}
			defer responder.Close()
		}
		contract = chain.NewRelayer(nc)
	default:
		return fmt.Errorf("unknown chain mode %q", cfg.ChainMode)
	}

	// --- Channels ---
	// Settlement and persist channels block (backpressure); market data drops.
	settleChan := make(chan settlement.Item, cfg.SettlementChanSize)
	marketDataChan := make(chan event.Envelope, cfg.MarketDataChanSize)
	var persistChan chan event.Envelope
	var journalSink *persistence.JournalSink
	if db != nil {
		persistChan = make(chan event.Envelope, cfg.PersistChanSize)
		journalSink = persistence.NewJournalSink(cfg.PersistChanSize)
	}

	// --- Ledger, nonces, exchange ---
	var ledgerOpts []ledger.Option
	if journalSink != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSink(journalSink))
	}
	accounts := ledger.NewAccountLedger(ledgerOpts...)
	seed, ok := new(big.Int).SetString(cfg.InsuranceSeed, 10)
	if !ok || seed.Sign() < 0 {
		return fmt.Errorf("invalid MEMEPERP_INSURANCE_SEED %q", cfg.InsuranceSeed)
	}
	if seed.Sign() > 0 {
		if err := accounts.SeedInsuranceFund(seed, "startup-seed"); err != nil {
			return fmt.Errorf("seed insurance fund: %w", err)
		}
		logger.Info().Str("amount", seed.String()).Msg("insurance fund seeded")
	}
	nonces := nonce.NewLedger(contract, cfg.NonceSeedTimeout)
	verifier := signing.NewVerifier(signing.NewDomain(big.NewInt(cfg.ChainID), settlementAddr))

	outputs := core.Outputs{Settlement: settleChan, Persist: persistChan, MarketData: marketDataChan}
	exchange, err := core.NewExchange(core.ExchangeConfig{
		Verifier:  verifier,
		Nonces:    nonces,
		Ledger:    accounts,
		Insurance: state.NewInsuranceFund(),
		Outputs:   outputs,
		Metrics:   metrics,
		Logger:    observability.NewLogger("exchange"),
		QueueSize: cfg.WorkerQueueSize,
	}, markets)
	if err != nil {
		return err
	}

	// --- Settlement ---
	var lookup settlement.SettledLookup
	if db != nil {
		lookup = persistence.NewSettledItems(db)
	}
	dedup := settlement.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, lookup, metrics, observability.NewLogger("idempotency"))
	if db != nil {
		keys, err := persistence.NewSettledItems(db).Recent(ctx, cfg.IdempotencyLRUCapacity)
		if err != nil {
			return fmt.Errorf("load settled keys: %w", err)
		}
		dedup.Warm(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
	}
	batcher := settlement.NewBatcher(settlement.Config{
		MaxBatchSize:  cfg.SettlementBatchSize,
		BatchInterval: cfg.SettlementInterval,
		MaxAttempts:   cfg.SettlementAttempts,
	}, settlement.BatcherDeps{
		Input:   settleChan,
		Chain:   contract,
		Trades:  exchange,
		Dedup:   dedup,
		Events:  persistChan,
		Metrics: metrics,
		Logger:  observability.NewLogger("settlement"),
	})

	// --- Market data ---
	hub := marketdata.NewHub(marketdata.HubConfig{}, metrics, observability.NewLogger("ws"))
	sinks := []marketdata.Sink{hub}
	if js != nil {
		if err := marketdata.EnsureStream(ctx, js); err != nil {
			return err
		}
		sinks = append(sinks, marketdata.NewJetStreamPublisher(js, observability.NewLogger("md-jetstream")))
	}
	fanout := marketdata.NewFanout(marketDataChan, nil, observability.NewLogger("marketdata"), sinks...)

	// --- Risk and funding loops ---
	monitor := liquidation.NewMonitor(liquidation.Config{Interval: cfg.LiquidationInterval}, liquidation.MonitorDeps{
		Markets:   liquidation.ExchangeMarkets(exchange),
		Publisher: fanout,
		Metrics:   metrics,
		Logger:    observability.NewLogger("liquidation"),
	})

	fundingRecords := state.NewFundingManager(0)
	if db != nil {
		epochs, err := persistence.NextFundingEpochs(ctx, db)
		if err != nil {
			return fmt.Errorf("load funding epochs: %w", err)
		}
		for token, next := range epochs {
			fundingRecords.RestoreNextEpoch(token, next)
		}
	}
	fundingEngine := funding.NewEngine(funding.Config{Interval: cfg.FundingInterval}, funding.EngineDeps{
		Markets: funding.ExchangeMarkets(exchange),
		Records: fundingRecords,
		Metrics: metrics,
		Logger:  observability.NewLogger("funding"),
	})

	reconciler := chain.NewReconciler(contract, accounts, cfg.ReconcileInterval, metrics, observability.NewLogger("reconciler"))

	// --- Ingestion ---
	router := ingestion.NewRouter(exchange, metrics, observability.NewLogger("ingestion"))
	rawEvents := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		subscriber = ingestion.NewNATSSubscriber(js, rawEvents, observability.NewLogger("nats-subscriber"))
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		defer subscriber.Stop()
	}

	// --- API ---
	deps := server.Deps{
		Exchange: exchange,
		Funding:  fundingEngine,
		Stream:   hub,
		Health:   healthChecker,
		Registry: registry,
		Metrics:  metrics,
		Logger:   observability.NewLogger("http"),
	}
	if db != nil {
		deps.History = query.NewService(db)
	}
	if cfg.DevEndpoints {
		deps.Admin = ingestion.NewAdminService(exchange)
		logger.Warn().Msg("dev endpoints enabled")
	}
	httpServer, err := server.NewHTTPServer(server.HTTPConfig{
		Addr:            cfg.HTTPAddr,
		OrdersPerSecond: cfg.OrdersPerSecond,
		OrderBurst:      cfg.OrderBurst,
	}, deps)
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker.IsReady, observability.NewLogger("grpc"))

	// --- Start goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return exchange.Run(gctx) })
	g.Go(func() error { return batcher.Run(gctx) })
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return fundingEngine.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return router.Run(gctx, rawEvents) })
	if simulated != nil {
		g.Go(func() error { return router.ForwardChainLogs(gctx, simulated.Logs()) })
	}
	if db != nil {
		worker := persistence.NewWorker(persistence.NewWriter(db), persistChan, journalSink.C(), persistence.WorkerConfig{
			BatchSize:    cfg.PersistBatchSize,
			FlushTimeout: cfg.PersistFlushTimeout,
		}, metrics, observability.NewLogger("persistence"))
		g.Go(func() error {
			err := worker.Run(gctx)
			// later ledger batches are discarded instead of blocking writers
			journalSink.Close()
			return err
		})
	}
	g.Go(func() error { return httpServer.Run(gctx) })
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error {
		return watchReadiness(gctx, exchange, healthChecker, logger)
	})

	logger.Info().
		Int("markets", len(markets)).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Bool("persistence", db != nil).
		Bool("nats", nc != nil).
		Msg("MemePerp running")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func openPostgres(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// watchReadiness mirrors the exchange state into the health checker and
// probes the dependency checks.
func watchReadiness(ctx context.Context, ex *core.Exchange, hc *observability.HealthChecker, logger zerolog.Logger) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	probeEvery := 4 // dependency checks once a second
	was := false
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			hc.SetReady(false)
			return nil
		case <-ticker.C:
			hc.SetReady(ex.Ready())
			ready := hc.IsReady()
			if i%probeEvery == 0 {
				ready = hc.Probe(ctx, time.Second)
			}
			if ready != was {
				logger.Info().Bool("ready", ready).Msg("readiness changed")
				was = ready
			}
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
