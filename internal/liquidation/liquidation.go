// Package liquidation force-closes positions whose unrealized loss has
// eaten past a model's configured share of initial margin.
package liquidation

import (
	"context"
	"time"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/logging"
)

const (
	defaultScanInterval = 60 * time.Second
	maxCloseAttempts    = 3
	retryBackoff        = 2 * time.Second
)

// Store is the persistence surface the loop reads. *database.DB satisfies it.
type Store interface {
	ListAllPortfolios(ctx context.Context) ([]database.Portfolio, error)
	GetModel(ctx context.Context, id string) (*database.Model, error)
	UpsertPortfolio(ctx context.Context, p *database.Portfolio) error
}

// Closer force-closes a position. *engine.Engine satisfies it.
type Closer interface {
	LiquidatePosition(ctx context.Context, model *database.Model, position *database.Portfolio) (*database.Trade, error)
}

// PriceSource yields the latest mark price for a symbol.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, bool)
}

// Loop is the auto-liquidation scanner.
type Loop struct {
	store  Store
	closer Closer
	prices PriceSource
	logger *logging.Logger

	interval time.Duration
	backoff  time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewLoop creates the scanner. scanIntervalSec <= 0 falls back to 60s.
func NewLoop(store Store, closer Closer, prices PriceSource, scanIntervalSec int) *Loop {
	interval := defaultScanInterval
	if scanIntervalSec > 0 {
		interval = time.Duration(scanIntervalSec) * time.Second
	}
	return &Loop{
		store:    store,
		closer:   closer,
		prices:   prices,
		logger:   logging.WithComponent("liquidation"),
		interval: interval,
		backoff:  retryBackoff,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until Stop or context cancellation.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.Scan(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// Scan walks every open position once. Exported for on-demand runs.
func (l *Loop) Scan(ctx context.Context) {
	positions, err := l.store.ListAllPortfolios(ctx)
	if err != nil {
		l.logger.Error("failed to list positions", "error", err)
		return
	}

	models := make(map[string]*database.Model)
	for i := range positions {
		p := &positions[i]
		if p.Quantity == 0 || p.InitialMargin <= 0 {
			continue
		}

		model, ok := models[p.ModelID]
		if !ok {
			model, err = l.store.GetModel(ctx, p.ModelID)
			if err != nil {
				l.logger.Error("failed to load model", "model", p.ModelID, "error", err)
				continue
			}
			models[p.ModelID] = model
		}
		if model == nil || model.AutoClosePercent == nil || *model.AutoClosePercent <= 0 {
			continue
		}

		mark, ok := l.prices.GetPrice(ctx, p.Symbol)
		if !ok {
			continue
		}

		uPnL := UnrealizedPnL(p.Side, p.AvgEntryPrice, mark, p.Quantity)
		if uPnL != p.UnrealizedPnL {
			p.UnrealizedPnL = uPnL
			if err := l.store.UpsertPortfolio(ctx, p); err != nil {
				l.logger.Warn("failed to refresh unrealized pnl", "symbol", p.Symbol, "error", err)
			}
		}

		ratio := LossRatio(uPnL, p.InitialMargin)
		if ratio < *model.AutoClosePercent/100 {
			continue
		}

		l.logger.Warn("loss threshold crossed, force-closing",
			"model", model.ID, "symbol", p.Symbol, "side", p.Side,
			"loss_ratio", ratio, "threshold", *model.AutoClosePercent/100)
		l.forceClose(ctx, model, p)
	}
}

// forceClose retries the MARKET close a bounded number of times; persistent
// failures are left for the next scan.
func (l *Loop) forceClose(ctx context.Context, model *database.Model, position *database.Portfolio) {
	var lastErr error
	for attempt := 1; attempt <= maxCloseAttempts; attempt++ {
		trade, err := l.closer.LiquidatePosition(ctx, model, position)
		if err == nil {
			if trade != nil {
				l.logger.Info("position liquidated", "model", model.ID, "symbol", position.Symbol, "trade_id", trade.ID, "pnl", trade.PnL)
			}
			return
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff * time.Duration(attempt)):
		}
	}
	l.logger.Error("liquidation failed, will retry next scan",
		"model", model.ID, "symbol", position.Symbol, "error", lastErr)
}

// UnrealizedPnL is the mark-to-market pnl of an open position.
func UnrealizedPnL(side string, entry, mark, qty float64) float64 {
	if side == "SHORT" {
		return (entry - mark) * qty
	}
	return (mark - entry) * qty
}

// LossRatio is the share of initial margin consumed by unrealized loss,
// clamped to >= 0.
func LossRatio(unrealizedPnL, initialMargin float64) float64 {
	if initialMargin <= 0 {
		return 0
	}
	r := -unrealizedPnL / initialMargin
	if r < 0 {
		return 0
	}
	return r
}
