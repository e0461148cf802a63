package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/strategy"
)

// ==================== FAKES ====================

type fakeStore struct {
	mu         sync.Mutex
	models     map[string]*database.Model
	strategies []database.Strategy
	decided    map[string]bool
	decisions  []database.StrategyDecision
	portfolios []database.Portfolio
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		models:  make(map[string]*database.Model),
		decided: make(map[string]bool),
	}
}

func (f *fakeStore) GetModel(_ context.Context, id string) (*database.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) ListModels(_ context.Context) ([]database.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Model
	for _, m := range f.models {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeStore) ListModelStrategies(_ context.Context, _, _ string) ([]database.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]database.Strategy(nil), f.strategies...), nil
}

func (f *fakeStore) CreateStrategyDecision(_ context.Context, d *database.StrategyDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = d.Symbol + "-decision"
	d.Status = database.DecisionTriggered
	f.decisions = append(f.decisions, *d)
	return nil
}

func (f *fakeStore) DecidedSymbols(_ context.Context, _, _ string, _ time.Time) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.decided))
	for k, v := range f.decided {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) GetAccountValues(_ context.Context, _ string) ([]database.AccountValue, error) {
	return []database.AccountValue{{Balance: 1000, AvailableBalance: 800}}, nil
}

func (f *fakeStore) ListPortfolios(_ context.Context, _ string) ([]database.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]database.Portfolio(nil), f.portfolios...), nil
}

func (f *fakeStore) GetMarketTicker(_ context.Context, symbol string) (*database.MarketTicker, error) {
	pct := 1.5
	return &database.MarketTicker{Symbol: symbol, PriceChangePercent: &pct}, nil
}

func (f *fakeStore) decisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}

type fakeRunner struct {
	candidates []strategy.Candidate
	decisions  []strategy.Decision
	err        error
}

func (f *fakeRunner) Execute(_ context.Context, _ *database.Model, _ *database.Strategy, evalCtx strategy.EvalContext) ([]strategy.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	// Fire only for entities still in scope.
	inScope := make(map[string]bool)
	for _, c := range evalCtx.Candidates {
		inScope[c.Symbol] = true
	}
	for _, p := range evalCtx.Positions {
		inScope[p.Symbol] = true
	}
	var out []strategy.Decision
	for _, d := range f.decisions {
		if inScope[d.Symbol] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRunner) BuildCandidates(_ context.Context, _ *database.Model) ([]strategy.Candidate, error) {
	return f.candidates, nil
}

func (f *fakeRunner) BuildPositions(_ context.Context, _ *database.Model) ([]database.Portfolio, error) {
	return nil, nil
}

type fakeEngine struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeEngine) ExecuteDecision(_ context.Context, _ *database.Model, d *database.StrategyDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, d.Symbol)
	return nil
}

func (f *fakeEngine) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// ==================== TESTS ====================

func testModel() *database.Model {
	return &database.Model{
		ID:             "m1",
		AutoBuyEnabled: true,
		MaxPositions:   5,
		BatchSize:      10,
		BatchGroupSize: 10,
	}
}

func TestWorkerKey(t *testing.T) {
	if got := WorkerKey(SideBuy, "m1"); got != "buy-m1" {
		t.Errorf("WorkerKey = %q, want buy-m1", got)
	}
	if got := WorkerKey(SideSell, "m1"); got != "sell-m1" {
		t.Errorf("WorkerKey = %q, want sell-m1", got)
	}
}

func TestWorkerCycleDispatches(t *testing.T) {
	store := newFakeStore()
	store.models["m1"] = testModel()
	store.strategies = []database.Strategy{{ID: "s1", Name: "momentum", Type: SideBuy}}

	runner := &fakeRunner{
		candidates: []strategy.Candidate{{Symbol: "BTCUSDT"}, {Symbol: "ETHUSDT"}},
		decisions: []strategy.Decision{
			{Symbol: "BTCUSDT", Signal: "buy_to_long", Quantity: 1, Leverage: 5},
			{Symbol: "ETHUSDT", Signal: "buy_to_long", Quantity: 2, Leverage: 5},
		},
	}
	engine := &fakeEngine{}

	w := newWorker("buy-m1", "m1", SideBuy, store, runner, engine, 5)
	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if store.decisionCount() != 2 {
		t.Errorf("persisted %d decisions, want 2", store.decisionCount())
	}
	if got := engine.symbols(); len(got) != 2 {
		t.Errorf("engine executed %v, want both symbols", got)
	}
	for _, d := range store.decisions {
		if d.StrategyName != "momentum" {
			t.Errorf("decision strategy name = %q, want momentum", d.StrategyName)
		}
		if d.Status != database.DecisionTriggered {
			t.Errorf("decision status = %q, want TRIGGERED", d.Status)
		}
	}
}

func TestWorkerFiltersDecidedSymbols(t *testing.T) {
	store := newFakeStore()
	store.models["m1"] = testModel()
	store.strategies = []database.Strategy{{ID: "s1", Name: "momentum", Type: SideBuy}}
	store.decided["BTCUSDT"] = true

	runner := &fakeRunner{
		candidates: []strategy.Candidate{{Symbol: "BTCUSDT"}, {Symbol: "ETHUSDT"}},
		decisions: []strategy.Decision{
			{Symbol: "BTCUSDT", Signal: "buy_to_long", Quantity: 1},
			{Symbol: "ETHUSDT", Signal: "buy_to_long", Quantity: 1},
		},
	}
	engine := &fakeEngine{}

	w := newWorker("buy-m1", "m1", SideBuy, store, runner, engine, 5)
	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got := engine.symbols()
	if len(got) != 1 || got[0] != "ETHUSDT" {
		t.Errorf("executed %v, want only ETHUSDT", got)
	}
}

func TestWorkerBatchSizeCap(t *testing.T) {
	store := newFakeStore()
	model := testModel()
	model.BatchSize = 2
	store.models["m1"] = model
	store.strategies = []database.Strategy{{ID: "s1", Name: "momentum", Type: SideBuy}}

	runner := &fakeRunner{
		candidates: []strategy.Candidate{{Symbol: "AUSDT"}, {Symbol: "BUSDT"}, {Symbol: "CUSDT"}},
		decisions: []strategy.Decision{
			{Symbol: "AUSDT", Signal: "buy_to_long", Quantity: 1},
			{Symbol: "BUSDT", Signal: "buy_to_long", Quantity: 1},
			{Symbol: "CUSDT", Signal: "buy_to_long", Quantity: 1},
		},
	}
	engine := &fakeEngine{}

	w := newWorker("buy-m1", "m1", SideBuy, store, runner, engine, 5)
	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if got := engine.symbols(); len(got) != 2 {
		t.Errorf("executed %v, want batch capped at 2", got)
	}
}

func TestWorkerObsoleteWhenDisabled(t *testing.T) {
	store := newFakeStore()
	model := testModel()
	model.AutoBuyEnabled = false
	store.models["m1"] = model

	w := newWorker("buy-m1", "m1", SideBuy, store, &fakeRunner{}, &fakeEngine{}, 5)
	if _, err := w.cycle(context.Background()); err != errWorkerObsolete {
		t.Errorf("cycle err = %v, want errWorkerObsolete", err)
	}
}

func TestWorkerObsoleteWhenModelDeleted(t *testing.T) {
	store := newFakeStore()
	w := newWorker("buy-gone", "gone", SideBuy, store, &fakeRunner{}, &fakeEngine{}, 5)
	if _, err := w.cycle(context.Background()); err != errWorkerObsolete {
		t.Errorf("cycle err = %v, want errWorkerObsolete", err)
	}
}

func TestSupervisorIdempotentStart(t *testing.T) {
	store := newFakeStore()
	store.models["m1"] = testModel()

	s := NewSupervisor(store, &fakeRunner{}, &fakeEngine{}, 5)
	defer s.Shutdown()

	s.StartWorker("m1", SideBuy)
	s.StartWorker("m1", SideBuy)
	s.StartWorker("m1", SideBuy)

	if got := s.Running(); len(got) != 1 {
		t.Errorf("running workers = %v, want exactly one", got)
	}
}

func TestSupervisorStopUnknownKeyIsNoop(t *testing.T) {
	s := NewSupervisor(newFakeStore(), &fakeRunner{}, &fakeEngine{}, 5)
	defer s.Shutdown()
	s.StopWorker("buy-nope")
}

func TestSupervisorSyncModel(t *testing.T) {
	store := newFakeStore()
	model := testModel()
	model.AutoSellEnabled = true
	store.models["m1"] = model

	s := NewSupervisor(store, &fakeRunner{}, &fakeEngine{}, 5)
	defer s.Shutdown()

	s.SyncModel(model)
	if got := s.Running(); len(got) != 2 {
		t.Fatalf("running = %v, want buy and sell workers", got)
	}

	model.AutoBuyEnabled = false
	store.mu.Lock()
	store.models["m1"] = model
	store.mu.Unlock()
	s.SyncModel(model)

	got := s.Running()
	if len(got) != 1 || got[0] != "sell-m1" {
		t.Errorf("running = %v, want only sell-m1", got)
	}
}
