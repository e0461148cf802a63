package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/logging"
	"futures-ai-trader/internal/strategy"
)

const (
	// SideBuy workers open positions, SideSell workers manage them.
	SideBuy  = "buy"
	SideSell = "sell"

	drainTimeout  = 30 * time.Second
	respawnDelay  = 5 * time.Second
	defaultCycle  = 60 * time.Second
	defaultBatch  = 10
	defaultGroup  = 3
	defaultUnwell = 5
)

// Store is the persistence surface the supervisor and its workers need.
// *database.DB satisfies it.
type Store interface {
	GetModel(ctx context.Context, id string) (*database.Model, error)
	ListModels(ctx context.Context) ([]database.Model, error)
	ListModelStrategies(ctx context.Context, modelID, side string) ([]database.Strategy, error)
	CreateStrategyDecision(ctx context.Context, d *database.StrategyDecision) error
	DecidedSymbols(ctx context.Context, modelID, side string, since time.Time) (map[string]bool, error)
	GetAccountValues(ctx context.Context, modelID string) ([]database.AccountValue, error)
	ListPortfolios(ctx context.Context, modelID string) ([]database.Portfolio, error)
	GetMarketTicker(ctx context.Context, symbol string) (*database.MarketTicker, error)
}

// Runner executes strategies for a cycle. *strategy.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, model *database.Model, strat *database.Strategy, evalCtx strategy.EvalContext) ([]strategy.Decision, error)
	BuildCandidates(ctx context.Context, model *database.Model) ([]strategy.Candidate, error)
	BuildPositions(ctx context.Context, model *database.Model) ([]database.Portfolio, error)
}

// Engine dispatches a persisted decision as an exchange order and owns the
// TRIGGERED -> EXECUTED/REJECTED transition.
type Engine interface {
	ExecuteDecision(ctx context.Context, model *database.Model, decision *database.StrategyDecision) error
}

// WorkerKey names a worker for a (model, side) pair.
func WorkerKey(side, modelID string) string {
	return side + "-" + modelID
}

// Supervisor owns one worker per enabled (model, side). Spawn and stop are
// idempotent; a worker that exits unhealthy is respawned as long as its
// model flag is still enabled.
type Supervisor struct {
	store  Store
	runner Runner
	engine Engine
	logger *logging.Logger

	unhealthyCycles int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// NewSupervisor creates a worker supervisor.
func NewSupervisor(store Store, runner Runner, engine Engine, unhealthyCycles int) *Supervisor {
	if unhealthyCycles <= 0 {
		unhealthyCycles = defaultUnwell
	}
	return &Supervisor{
		store:           store,
		runner:          runner,
		engine:          engine,
		logger:          logging.WithComponent("orchestrator"),
		unhealthyCycles: unhealthyCycles,
		workers:         make(map[string]*worker),
	}
}

// Bootstrap starts workers for every model with auto flags already enabled.
// Called once at process start.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	models, err := s.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	for i := range models {
		s.SyncModel(&models[i])
	}
	return nil
}

// SyncModel reconciles the model's workers with its auto flags.
func (s *Supervisor) SyncModel(model *database.Model) {
	if model.AutoBuyEnabled {
		s.StartWorker(model.ID, SideBuy)
	} else {
		s.StopWorker(WorkerKey(SideBuy, model.ID))
	}
	if model.AutoSellEnabled {
		s.StartWorker(model.ID, SideSell)
	} else {
		s.StopWorker(WorkerKey(SideSell, model.ID))
	}
}

// StartWorker ensures a worker exists for (model, side). A live worker under
// the same key is left alone; a dead one is replaced.
func (s *Supervisor) StartWorker(modelID, side string) {
	key := WorkerKey(side, modelID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if w, ok := s.workers[key]; ok && w.alive() {
		return
	}

	w := newWorker(key, modelID, side, s.store, s.runner, s.engine, s.unhealthyCycles)
	s.workers[key] = w
	go s.runWorker(w)
	s.logger.Info("worker started", "key", key)
}

// runWorker runs the worker loop and respawns on unhealthy exit.
func (s *Supervisor) runWorker(w *worker) {
	w.run()

	if w.stopped() {
		return // deliberate stop, no respawn
	}

	s.logger.Warn("worker exited unhealthy, scheduling respawn", "key", w.key)
	time.Sleep(respawnDelay)

	s.mu.Lock()
	closed := s.closed
	current := s.workers[w.key]
	s.mu.Unlock()
	if closed || current != w {
		return
	}

	// Re-check the flag: the model may have been disabled or deleted while
	// the worker was dying.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	model, err := s.store.GetModel(ctx, w.modelID)
	cancel()
	if err != nil || model == nil {
		s.StopWorker(w.key)
		return
	}
	enabled := (w.side == SideBuy && model.AutoBuyEnabled) || (w.side == SideSell && model.AutoSellEnabled)
	if !enabled {
		s.StopWorker(w.key)
		return
	}
	s.StartWorker(w.modelID, w.side)
}

// StopWorker signals a graceful stop and waits for the drain, forcing the
// issue after the drain timeout. Stopping an unknown key is a no-op.
func (s *Supervisor) StopWorker(key string) {
	s.mu.Lock()
	w, ok := s.workers[key]
	if ok {
		delete(s.workers, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	w.stop()
	select {
	case <-w.done:
		s.logger.Info("worker stopped", "key", key)
	case <-time.After(drainTimeout):
		s.logger.Warn("worker did not drain in time, abandoning", "key", key)
	}
}

// Running reports the keys of live workers.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.workers))
	for key, w := range s.workers {
		if w.alive() {
			keys = append(keys, key)
		}
	}
	return keys
}

// Shutdown stops every worker and refuses further spawns.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	keys := make([]string, 0, len(s.workers))
	for key := range s.workers {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			s.StopWorker(k)
		}(key)
	}
	wg.Wait()
}
