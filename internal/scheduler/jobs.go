package scheduler

import (
	"context"
	"fmt"
	"time"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/logging"
)

// ==================== PRICE REFRESH ====================

// PriceRefreshJob re-anchors open_price for symbols whose anchor is null or
// predates the current UTC+8 trading day. Throughput is capped per run so a
// cold start over the full symbol universe cannot exhaust the REST budget.
type PriceRefreshJob struct {
	db        *database.DB
	client    *binance.Client
	maxPerRun int
	logger    *logging.Logger
}

// NewPriceRefreshJob creates the price refresh job.
func NewPriceRefreshJob(db *database.DB, client *binance.Client, maxPerRun int) *PriceRefreshJob {
	if maxPerRun <= 0 {
		maxPerRun = 1000
	}
	return &PriceRefreshJob{
		db:        db,
		client:    client,
		maxPerRun: maxPerRun,
		logger:    logging.WithComponent("price_refresh"),
	}
}

func (j *PriceRefreshJob) Name() string { return "price_refresh" }

func (j *PriceRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	symbols, err := j.db.SelectSymbolsNeedingPriceRefresh(ctx, database.NowUTC8(), j.maxPerRun)
	if err != nil {
		return fmt.Errorf("failed to select refresh candidates: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	refreshed := 0
	for _, symbol := range symbols {
		price, err := j.client.GetCurrentPrice(ctx, symbol)
		if err != nil {
			j.logger.Warn("price fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if err := j.db.UpdateOpenPrice(ctx, symbol, price); err != nil {
			j.logger.Warn("open price update failed", "symbol", symbol, "error", err)
			continue
		}
		refreshed++
	}

	j.logger.Info("price refresh pass done", "candidates", len(symbols), "refreshed", refreshed)
	return nil
}

// ==================== TICKER CLEANUP ====================

// TickerCleanupJob deletes ticker rows with stale ingestion_time.
type TickerCleanupJob struct {
	db            *database.DB
	retentionDays int
	logger        *logging.Logger
}

// NewTickerCleanupJob creates the cleanup job.
func NewTickerCleanupJob(db *database.DB, retentionDays int) *TickerCleanupJob {
	if retentionDays <= 0 {
		retentionDays = 14
	}
	return &TickerCleanupJob{db: db, retentionDays: retentionDays, logger: logging.WithComponent("ticker_cleanup")}
}

func (j *TickerCleanupJob) Name() string { return "ticker_cleanup" }

func (j *TickerCleanupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)
	deleted, err := j.db.DeleteOldTickers(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old tickers: %w", err)
	}
	if deleted > 0 {
		j.logger.Info("stale tickers removed", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

// ==================== DECISION PURGE ====================

// DecisionPurgeJob removes old decisions whose only linked algo orders are
// cancelled, keeping the decision trail bounded.
type DecisionPurgeJob struct {
	db        *database.DB
	olderThan time.Duration
	logger    *logging.Logger
}

// NewDecisionPurgeJob creates the purge job.
func NewDecisionPurgeJob(db *database.DB, olderThan time.Duration) *DecisionPurgeJob {
	if olderThan <= 0 {
		olderThan = 7 * 24 * time.Hour
	}
	return &DecisionPurgeJob{db: db, olderThan: olderThan, logger: logging.WithComponent("decision_purge")}
}

func (j *DecisionPurgeJob) Name() string { return "decision_purge" }

func (j *DecisionPurgeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.olderThan)
	purged, err := j.db.DeleteStrategyDecisionsForCancelledOrdersBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge decisions: %w", err)
	}
	if purged > 0 {
		j.logger.Info("decisions purged", "purged", purged)
	}
	return nil
}

// ==================== DAILY SNAPSHOT ====================

// DailySnapshotJob writes one account_values_daily row per model per UTC+8
// trading day, shortly after the 08:00 boundary.
type DailySnapshotJob struct {
	db      *database.DB
	gateway *binance.Gateway
	logger  *logging.Logger
}

// NewDailySnapshotJob creates the snapshot job.
func NewDailySnapshotJob(db *database.DB, gateway *binance.Gateway) *DailySnapshotJob {
	return &DailySnapshotJob{db: db, gateway: gateway, logger: logging.WithComponent("daily_snapshot")}
}

func (j *DailySnapshotJob) Name() string { return "daily_snapshot" }

func (j *DailySnapshotJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	models, err := j.db.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	for _, m := range models {
		if m.APIKey == "" {
			continue
		}
		client := j.gateway.ClientFor(m.APIKey, m.APISecret)
		info, err := client.GetAccountInfo(ctx)
		if err != nil {
			j.logger.Warn("account fetch failed", "model", m.ID, "error", err)
			continue
		}
		if err := j.db.UpsertAccountValueDaily(ctx, m.ID, info.TotalWalletBalance, info.AvailableBalance); err != nil {
			j.logger.Warn("daily snapshot write failed", "model", m.ID, "error", err)
		}
	}
	return nil
}

// ==================== HEALTH CHECK ====================

// StreamHealthSource exposes stream health for the periodic check.
type StreamHealthSource interface {
	Health() binance.StreamHealth
}

// HealthCheckJob pings the database and logs stream health.
type HealthCheckJob struct {
	db      *database.DB
	streams map[string]StreamHealthSource
	logger  *logging.Logger
}

// NewHealthCheckJob creates the health check job.
func NewHealthCheckJob(db *database.DB, streams map[string]StreamHealthSource) *HealthCheckJob {
	return &HealthCheckJob{db: db, streams: streams, logger: logging.WithComponent("health_check")}
}

func (j *HealthCheckJob) Name() string { return "health_check" }

func (j *HealthCheckJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	for name, src := range j.streams {
		h := src.Health()
		if !h.Connected {
			j.logger.Warn("stream disconnected", "stream", name, "reconnects", h.Reconnects)
		}
	}
	return nil
}
