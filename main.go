package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"futures-ai-trader/config"
	"futures-ai-trader/internal/api"
	"futures-ai-trader/internal/auth"
	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/ingestor"
	"futures-ai-trader/internal/liquidation"
	"futures-ai-trader/internal/llm"
	"futures-ai-trader/internal/logging"
	"futures-ai-trader/internal/orchestrator"
	"futures-ai-trader/internal/scheduler"
	"futures-ai-trader/internal/strategy"
	"futures-ai-trader/internal/vault"
)

const (
	klineInterval       = "1m"
	userStreamSyncEvery = time.Minute
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database ready")

	// Price cache (Redis-backed when enabled, memory otherwise)
	priceCache := database.NewPriceCache(cfg.RedisConfig, logger)
	defer priceCache.Close()

	// Vault credential store
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}

	// Exchange gateway: one public client plus per-model signed clients
	gateway := binance.InitGateway(cfg.BinanceConfig.TestNet)
	logger.Info("Exchange gateway initialized", "testnet", cfg.BinanceConfig.TestNet)

	// Market data: all-ticker stream feeding market_tickers and the price cache
	tickerStream := binance.NewTickerStream(cfg.BinanceConfig.TestNet)
	tickerIngestor := ingestor.New(db, priceCache, tickerStream, cfg.IngestorConfig.UpsertBatchSize)
	if err := tickerIngestor.Start(); err != nil {
		log.Fatalf("Failed to start ticker ingestor: %v", err)
	}
	defer tickerIngestor.Stop()
	logger.Info("Ticker ingestor started")

	// Kline streams for curated futures; closes refresh the price cache at
	// candle granularity even when the ticker stream lags.
	klineManager := binance.NewKlineStreamManager(klineInterval, cfg.BinanceConfig.TestNet)
	klineManager.SetKlineCallback(func(ev *binance.KlineEvent) {
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		priceCache.SetPrice(cctx, ev.Symbol, ev.Kline.Close)
	})
	if err := klineManager.Start(); err != nil {
		logger.Error("Failed to start kline manager", "error", err)
	}
	defer klineManager.Stop()
	go syncKlineSymbols(ctx, db, klineManager, time.Duration(cfg.SchedulerConfig.KlineSyncCheckInterval)*time.Second, logger)

	// Strategy execution
	dispatcher := llm.NewDispatcher()
	executor := strategy.NewExecutor(db, dispatcher)

	// Order engine; the resolver prefers Vault credentials, then the model
	// row, then the process-wide exchange keys.
	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()
	resolver := func(model *database.Model) engine.Exchange {
		apiKey, apiSecret := model.APIKey, model.APISecret
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if creds, err := vaultClient.GetCredentials(cctx, model.ID); err == nil && creds != nil && creds.APIKey != "" {
			apiKey, apiSecret = creds.APIKey, creds.APISecret
		}
		if apiKey == "" {
			apiKey, apiSecret = cfg.BinanceConfig.APIKey, cfg.BinanceConfig.APISecret
		}
		return gateway.ClientFor(apiKey, apiSecret)
	}
	eng := engine.New(db, resolver, priceCache, zlog)

	// Local algo trigger scan
	algoSupervisor := engine.NewAlgoSupervisor(eng, db, priceCache, cfg.EngineConfig.AlgoPollIntervalSec, zlog)
	go algoSupervisor.Run(ctx)
	defer algoSupervisor.Stop()

	// Auto-liquidation scan
	liqLoop := liquidation.NewLoop(db, eng, priceCache, cfg.EngineConfig.LiquidationScanSec)
	go liqLoop.Run(ctx)
	defer liqLoop.Stop()

	// Model workers
	supervisor := orchestrator.NewSupervisor(db, executor, eng, cfg.EngineConfig.WorkerUnhealthyCycles)
	if err := supervisor.Bootstrap(ctx); err != nil {
		logger.Error("Worker bootstrap failed", "error", err)
	}

	// Per-model user data streams feed algo fills back into the engine
	streams := newUserStreamSet(gateway, eng, cfg.BinanceConfig.TestNet, logger)
	go streams.run(ctx, db)
	defer streams.stopAll()

	// Scheduled jobs
	sched := scheduler.New()
	registerJobs(sched, cfg, db, gateway, tickerStream, klineManager, logger)
	sched.Start()
	defer sched.Stop()

	// HTTP facade
	authMgr := auth.NewManager(cfg.AuthConfig.JWTSecret)
	server := api.NewServer(cfg.ServerConfig, db, supervisor, sched, executor, eng, vaultClient, authMgr, !cfg.AuthConfig.Disabled)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// Drain workers before the deferred teardown of streams and loops.
	supervisor.Shutdown()
	logger.Info("Shutdown complete")
}

// registerJobs wires every cron job onto the scheduler fabric.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, db *database.DB, gateway *binance.Gateway, tickerStream *binance.TickerStream, klineManager *binance.KlineStreamManager, logger *logging.Logger) {
	sc := cfg.SchedulerConfig

	jobs := []struct {
		cron string
		job  scheduler.Job
	}{
		{sc.PriceRefreshCron, scheduler.NewPriceRefreshJob(db, gateway.Public(), sc.PriceRefreshMaxPerMin)},
		{sc.TickerCleanupCron, scheduler.NewTickerCleanupJob(db, sc.TickerRetentionDays)},
		{sc.DecisionPurgeCron, scheduler.NewDecisionPurgeJob(db, time.Duration(sc.DecisionRetentionDays)*24*time.Hour)},
		{sc.DailySnapshotCron, scheduler.NewDailySnapshotJob(db, gateway)},
		{"* * * * *", scheduler.NewHealthCheckJob(db, map[string]scheduler.StreamHealthSource{
			"ticker": tickerStream,
			"kline":  klineManager,
		})},
	}
	for _, j := range jobs {
		if err := sched.Register(j.cron, j.job); err != nil {
			logger.Error("Failed to register job", "job", j.job.Name(), "error", err)
		}
	}
}

// syncKlineSymbols keeps the kline subscription set equal to the curated
// futures table.
func syncKlineSymbols(ctx context.Context, db *database.DB, manager *binance.KlineStreamManager, every time.Duration, logger *logging.Logger) {
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		futures, err := db.ListFutures(qctx)
		cancel()
		if err != nil {
			logger.Error("Failed to list futures for kline sync", "error", err)
			continue
		}

		symbols := make([]string, 0, len(futures))
		for _, f := range futures {
			symbols = append(symbols, f.Symbol)
		}
		manager.SetSymbols(symbols)
	}
}

// userStreamSet keeps one user data stream per model that holds exchange
// credentials, reconciled against the models table once a minute.
type userStreamSet struct {
	gateway *binance.Gateway
	engine  *engine.Engine
	testnet bool
	logger  *logging.Logger

	mu      sync.Mutex
	streams map[string]*binance.UserDataStream
}

func newUserStreamSet(gateway *binance.Gateway, eng *engine.Engine, testnet bool, logger *logging.Logger) *userStreamSet {
	return &userStreamSet{
		gateway: gateway,
		engine:  eng,
		testnet: testnet,
		logger:  logger.WithComponent("user_streams"),
		streams: make(map[string]*binance.UserDataStream),
	}
}

func (u *userStreamSet) run(ctx context.Context, db *database.DB) {
	ticker := time.NewTicker(userStreamSyncEvery)
	defer ticker.Stop()

	u.reconcile(ctx, db)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.reconcile(ctx, db)
		}
	}
}

func (u *userStreamSet) reconcile(ctx context.Context, db *database.DB) {
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	models, err := db.ListModels(qctx)
	cancel()
	if err != nil {
		u.logger.Error("Failed to list models for user streams", "error", err)
		return
	}

	want := make(map[string]*database.Model, len(models))
	for i := range models {
		m := &models[i]
		if m.APIKey != "" {
			want[m.ID] = m
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for id, stream := range u.streams {
		if _, ok := want[id]; !ok {
			stream.Stop()
			delete(u.streams, id)
			u.logger.Info("User data stream stopped", "model", id)
		}
	}

	for id, m := range want {
		if _, ok := u.streams[id]; ok {
			continue
		}
		client := u.gateway.ClientFor(m.APIKey, m.APISecret)
		stream := binance.NewUserDataStream(client, u.testnet)
		stream.SetOrderUpdateCallback(func(ev *binance.OrderUpdateEvent) {
			cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			u.engine.HandleOrderUpdate(cctx, ev)
		})
		if err := stream.Start(ctx); err != nil {
			u.logger.Error("Failed to start user data stream", "model", id, "error", err)
			continue
		}
		u.streams[id] = stream
		u.logger.Info("User data stream started", "model", id)
	}
}

func (u *userStreamSet) stopAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, stream := range u.streams {
		stream.Stop()
		delete(u.streams, id)
	}
}
