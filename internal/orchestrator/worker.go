package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-ai-trader/internal/apperr"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/logging"
	"futures-ai-trader/internal/strategy"
)

// errWorkerObsolete stops the loop when the model is gone or the side's
// auto flag was switched off underneath the worker.
var errWorkerObsolete = errors.New("worker is obsolete")

// pendingDecision ties a decision to the strategy that emitted it.
type pendingDecision struct {
	strategyName string
	decision     strategy.Decision
}

// worker runs the decision loop for one (model, side). It re-reads the
// model row every cycle so configuration edits take effect without a
// restart.
type worker struct {
	key     string
	modelID string
	side    string

	store  Store
	runner Runner
	engine Engine
	logger *logging.Logger

	unhealthyAfter int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	isStopped bool
}

func newWorker(key, modelID, side string, store Store, runner Runner, engine Engine, unhealthyAfter int) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		key:            key,
		modelID:        modelID,
		side:           side,
		store:          store,
		runner:         runner,
		engine:         engine,
		logger:         logging.WithComponent("worker").WithField("key", key),
		unhealthyAfter: unhealthyAfter,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) stop() {
	w.mu.Lock()
	w.isStopped = true
	w.mu.Unlock()
	w.cancel()
}

func (w *worker) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isStopped
}

// run is the worker loop. Internal errors are counted; unhealthyAfter
// consecutive ones make the worker exit for the supervisor to respawn.
func (w *worker) run() {
	defer close(w.done)

	consecutive := 0
	for {
		interval, err := w.cycle(w.ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, errWorkerObsolete) {
			return
		}
		if err != nil {
			if apperr.KindOf(err) == apperr.Internal {
				consecutive++
				if consecutive >= w.unhealthyAfter {
					w.logger.Error("worker unhealthy, exiting for respawn", "consecutive_errors", consecutive, "error", err)
					return
				}
			}
			w.logger.Warn("cycle failed", "error", err)
		} else {
			consecutive = 0
		}

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// cycle runs one decision pass and returns the sleep until the next one.
func (w *worker) cycle(ctx context.Context) (time.Duration, error) {
	model, err := w.store.GetModel(ctx, w.modelID)
	if err != nil {
		return defaultCycle, apperr.Wrap(apperr.Internal, "failed to load model", err)
	}
	if model == nil {
		return 0, errWorkerObsolete
	}
	if (w.side == SideBuy && !model.AutoBuyEnabled) || (w.side == SideSell && !model.AutoSellEnabled) {
		return 0, errWorkerObsolete
	}

	interval := defaultCycle
	if model.BatchIntervalSec > 0 {
		interval = time.Duration(model.BatchIntervalSec) * time.Second
	}

	evalCtx, err := w.buildContext(ctx, model)
	if err != nil {
		return interval, err
	}
	if len(evalCtx.Candidates) == 0 && len(evalCtx.Positions) == 0 {
		return interval, nil
	}

	decisions, err := w.runStrategies(ctx, model, evalCtx)
	if err != nil {
		return interval, err
	}
	if len(decisions) == 0 {
		return interval, nil
	}

	w.dispatch(ctx, model, decisions)
	return interval, nil
}

// buildContext assembles the entity set and shared state for this cycle.
// Symbols already decided this trading day are filtered out so a second
// strategy or a respawned worker does not double up on them.
func (w *worker) buildContext(ctx context.Context, model *database.Model) (strategy.EvalContext, error) {
	var evalCtx strategy.EvalContext

	decided, err := w.store.DecidedSymbols(ctx, model.ID, w.side, database.TradingDayStart(database.NowUTC8()))
	if err != nil {
		return evalCtx, apperr.Wrap(apperr.Internal, "failed to load decided symbols", err)
	}

	if w.side == SideBuy {
		candidates, err := w.runner.BuildCandidates(ctx, model)
		if err != nil {
			return evalCtx, apperr.Wrap(apperr.Internal, "failed to build candidate set", err)
		}
		for _, c := range candidates {
			if !decided[c.Symbol] {
				evalCtx.Candidates = append(evalCtx.Candidates, c)
			}
		}
	} else {
		positions, err := w.runner.BuildPositions(ctx, model)
		if err != nil {
			return evalCtx, apperr.Wrap(apperr.Internal, "failed to build position set", err)
		}
		for _, p := range positions {
			if !decided[p.Symbol] {
				evalCtx.Positions = append(evalCtx.Positions, p)
			}
		}
	}

	openPositions, err := w.store.ListPortfolios(ctx, model.ID)
	if err != nil {
		return evalCtx, apperr.Wrap(apperr.Internal, "failed to count open positions", err)
	}
	evalCtx.Account = strategy.AccountState{
		OpenPositions: len(openPositions),
		MaxPositions:  model.MaxPositions,
	}
	for _, p := range openPositions {
		evalCtx.Account.UnrealizedPnL += p.UnrealizedPnL
	}
	if values, err := w.store.GetAccountValues(ctx, model.ID); err == nil && len(values) > 0 {
		evalCtx.Account.Balance = values[0].Balance
		evalCtx.Account.AvailableBalance = values[0].AvailableBalance
	}

	evalCtx.Market = w.marketState(ctx)
	return evalCtx, nil
}

func (w *worker) marketState(ctx context.Context) strategy.MarketState {
	var ms strategy.MarketState
	if t, err := w.store.GetMarketTicker(ctx, "BTCUSDT"); err == nil && t.PriceChangePercent != nil {
		ms.BTCChangePct = *t.PriceChangePercent
	}
	if t, err := w.store.GetMarketTicker(ctx, "ETHUSDT"); err == nil && t.PriceChangePercent != nil {
		ms.ETHChangePct = *t.PriceChangePercent
	}
	return ms
}

// runStrategies walks the model's strategies in priority order. Each
// strategy sees only entities no earlier strategy decided on; batch_size
// caps the cycle's total.
func (w *worker) runStrategies(ctx context.Context, model *database.Model, evalCtx strategy.EvalContext) ([]pendingDecision, error) {
	strategies, err := w.store.ListModelStrategies(ctx, model.ID, w.side)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to list strategies", err)
	}
	if len(strategies) == 0 {
		return nil, nil
	}

	batchCap := model.BatchSize
	if batchCap <= 0 {
		batchCap = defaultBatch
	}

	var all []pendingDecision
	taken := make(map[string]bool)

	for i := range strategies {
		if len(all) >= batchCap {
			break
		}
		scoped := filterContext(evalCtx, taken)
		if len(scoped.Candidates) == 0 && len(scoped.Positions) == 0 {
			break
		}

		decisions, err := w.runner.Execute(ctx, model, &strategies[i], scoped)
		if err != nil {
			// One broken strategy must not starve the rest of the chain.
			w.logger.Warn("strategy execution failed", "strategy", strategies[i].Name, "error", err)
			continue
		}
		for _, d := range decisions {
			if len(all) >= batchCap {
				break
			}
			if taken[d.Symbol] {
				continue
			}
			taken[d.Symbol] = true
			all = append(all, pendingDecision{strategyName: strategies[i].Name, decision: d})
		}
	}
	return all, nil
}

func filterContext(evalCtx strategy.EvalContext, taken map[string]bool) strategy.EvalContext {
	out := strategy.EvalContext{Account: evalCtx.Account, Market: evalCtx.Market}
	for _, c := range evalCtx.Candidates {
		if !taken[c.Symbol] {
			out.Candidates = append(out.Candidates, c)
		}
	}
	for _, p := range evalCtx.Positions {
		if !taken[p.Symbol] {
			out.Positions = append(out.Positions, p)
		}
	}
	return out
}

// dispatch persists each decision as TRIGGERED, then hands groups of
// batch_execution_group_size to the engine with the batch interval between
// groups. The engine owns the EXECUTED/REJECTED transition.
func (w *worker) dispatch(ctx context.Context, model *database.Model, decisions []pendingDecision) {
	groupSize := model.BatchGroupSize
	if groupSize <= 0 {
		groupSize = defaultGroup
	}
	groupPause := time.Duration(model.BatchIntervalSec) * time.Second

	for i, pd := range decisions {
		if i > 0 && i%groupSize == 0 && groupPause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(groupPause):
			}
		}

		d := pd.decision
		row := &database.StrategyDecision{
			ModelID:       model.ID,
			StrategyName:  pd.strategyName,
			StrategyType:  w.side,
			Signal:        d.Signal,
			Symbol:        d.Symbol,
			Quantity:      d.Quantity,
			Leverage:      d.Leverage,
			Price:         d.Price,
			StopPrice:     d.StopPrice,
			Justification: d.Justification,
		}
		if err := w.store.CreateStrategyDecision(ctx, row); err != nil {
			w.logger.Error("failed to persist decision", "symbol", d.Symbol, "error", err)
			continue
		}

		if err := w.engine.ExecuteDecision(ctx, model, row); err != nil {
			w.logger.Error("decision dispatch failed", "decision", row.ID, "symbol", d.Symbol, "error", err)
		}
	}
}

// String identifies the worker in logs.
func (w *worker) String() string {
	return fmt.Sprintf("worker(%s)", w.key)
}
