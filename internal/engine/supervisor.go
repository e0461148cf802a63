package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
)

const defaultPollInterval = 2 * time.Second

// AlgoSupervisor polls NEW algo orders and fires them locally when the
// latest price crosses the trigger before the exchange reports a fill. The
// exchange remains authoritative; this is a defensive backstop against a
// stalled user-data stream.
type AlgoSupervisor struct {
	engine *Engine
	repo   Repository
	prices PriceSource
	logger zerolog.Logger

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewAlgoSupervisor creates the polling supervisor.
func NewAlgoSupervisor(engine *Engine, repo Repository, prices PriceSource, pollIntervalSec int, logger zerolog.Logger) *AlgoSupervisor {
	interval := defaultPollInterval
	if pollIntervalSec > 0 {
		interval = time.Duration(pollIntervalSec) * time.Second
	}
	return &AlgoSupervisor{
		engine:   engine,
		repo:     repo,
		prices:   prices,
		logger:   logger.With().Str("component", "algo_supervisor").Logger(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until Stop or context cancellation.
func (s *AlgoSupervisor) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (s *AlgoSupervisor) Stop() {
	close(s.stop)
	<-s.done
}

func (s *AlgoSupervisor) scan(ctx context.Context) {
	algos, err := s.repo.SelectNewAlgoOrders(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to select resting algos")
		return
	}

	for i := range algos {
		algo := &algos[i]
		price, ok := s.prices.GetPrice(ctx, algo.Symbol)
		if !ok {
			continue
		}
		if !ShouldTrigger(algo, price) {
			continue
		}

		s.logger.Info().
			Int64("algo_id", algo.AlgoID).
			Str("symbol", algo.Symbol).
			Str("order_type", algo.OrderType).
			Float64("trigger", algo.TriggerPrice).
			Float64("price", price).
			Msg("local trigger fired")

		if err := s.engine.CompleteAlgoFill(ctx, algo, price, true); err != nil {
			s.logger.Error().Err(err).Int64("algo_id", algo.AlgoID).Msg("local trigger execution failed")
		}
	}
}

// ShouldTrigger applies the exchange's trigger semantics locally.
//
// Protective orders fire against the position: a stop on a LONG fires when
// price falls to the trigger, a take-profit when it rises. Shorts mirror.
// Conditional entries fire in the breakout direction instead.
func ShouldTrigger(a *database.AlgoOrder, price float64) bool {
	long := a.PositionSide == binance.PositionSideLong

	if isOpeningAlgo(a) {
		if long {
			return price >= a.TriggerPrice
		}
		return price <= a.TriggerPrice
	}

	switch a.OrderType {
	case binance.OrderTypeStopMarket:
		if long {
			return price <= a.TriggerPrice
		}
		return price >= a.TriggerPrice
	case binance.OrderTypeTakeProfitMarket:
		if long {
			return price >= a.TriggerPrice
		}
		return price <= a.TriggerPrice
	}
	return false
}
