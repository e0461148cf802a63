package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
)

// ==================== FAKES ====================

type fakeRepo struct {
	mu         sync.Mutex
	models     map[string]*database.Model
	trades     []database.Trade
	logs       []database.BinanceTradeLog
	algos      map[int64]*database.AlgoOrder
	nextAlgoID int64
	portfolios map[string]*database.Portfolio
	decisions  map[string]string // id -> status
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		models:     make(map[string]*database.Model),
		algos:      make(map[int64]*database.AlgoOrder),
		portfolios: make(map[string]*database.Portfolio),
		decisions:  make(map[string]string),
	}
}

func portfolioKey(modelID, symbol, side string) string {
	return modelID + "|" + symbol + "|" + side
}

func (r *fakeRepo) GetModel(_ context.Context, id string) (*database.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *fakeRepo) InsertTrade(_ context.Context, t *database.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = int64(len(r.trades) + 1)
	r.trades = append(r.trades, *t)
	return nil
}

func (r *fakeRepo) InsertBinanceTradeLog(_ context.Context, l *database.BinanceTradeLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *l)
	return nil
}

func (r *fakeRepo) CreateAlgoOrder(_ context.Context, a *database.AlgoOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextAlgoID++
	a.ID = r.nextAlgoID
	a.Status = database.AlgoStatusNew
	cp := *a
	r.algos[a.ID] = &cp
	return nil
}

func (r *fakeRepo) SelectNewAlgoOrders(_ context.Context) ([]database.AlgoOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []database.AlgoOrder
	for _, a := range r.algos {
		if a.Status == database.AlgoStatusNew {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) SelectNewAlgoOrdersBy(_ context.Context, modelID, symbol string) ([]database.AlgoOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []database.AlgoOrder
	for _, a := range r.algos {
		if a.Status == database.AlgoStatusNew && a.ModelID == modelID && a.Symbol == symbol {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateAlgoStatus(_ context.Context, id int64, status string, errorReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.algos[id]
	if !ok || a.Status != database.AlgoStatusNew {
		return nil
	}
	a.Status = status
	a.ErrorReason = errorReason
	return nil
}

func (r *fakeRepo) UpdateAlgoTradeIDAndStatus(_ context.Context, id int64, tradeID int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.algos[id]
	if !ok || a.Status != database.AlgoStatusNew {
		return fmt.Errorf("algo %d is not NEW", id)
	}
	a.Status = status
	a.TradeID = &tradeID
	return nil
}

func (r *fakeRepo) CancelNewAlgoOrdersExcept(_ context.Context, modelID, symbol string, keepID int64) ([]database.AlgoOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason := "superseded"
	var out []database.AlgoOrder
	for _, a := range r.algos {
		if a.ModelID == modelID && a.Symbol == symbol && a.Status == database.AlgoStatusNew && a.ID != keepID {
			a.Status = database.AlgoStatusCancelled
			a.ErrorReason = &reason
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) FindNewAlgoByExchangeID(_ context.Context, algoID int64) (*database.AlgoOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.algos {
		if a.AlgoID == algoID && a.Status == database.AlgoStatusNew {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) UpdateStrategyDecisionStatus(_ context.Context, id, status string, _ *int64, _ *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions[id] == "" || r.decisions[id] == database.DecisionTriggered {
		r.decisions[id] = status
	}
	return nil
}

func (r *fakeRepo) GetPortfolio(_ context.Context, modelID, symbol, side string) (*database.Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.portfolios[portfolioKey(modelID, symbol, side)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) UpsertPortfolio(_ context.Context, p *database.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.portfolios[portfolioKey(p.ModelID, p.Symbol, p.Side)] = &cp
	return nil
}

func (r *fakeRepo) DeletePortfolio(_ context.Context, modelID, symbol, side string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.portfolios, portfolioKey(modelID, symbol, side))
	return nil
}

type fakeExchange struct {
	mu          sync.Mutex
	orders      []binance.OrderParams
	algoOrders  []binance.AlgoOrderParams
	cancelled   []int64
	fillPrice   float64
	nextAlgoID  int64
	placeErr    error
	leverageSet map[string]int
}

func newFakeExchange(fillPrice float64) *fakeExchange {
	return &fakeExchange{fillPrice: fillPrice, leverageSet: make(map[string]int)}
}

func (x *fakeExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leverageSet[symbol] = leverage
	return nil
}

func (x *fakeExchange) PlaceOrder(_ context.Context, params binance.OrderParams) (*binance.OrderResponse, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.placeErr != nil {
		return nil, x.placeErr
	}
	x.orders = append(x.orders, params)
	return &binance.OrderResponse{
		OrderID:     int64(len(x.orders)),
		Status:      "FILLED",
		AvgPrice:    x.fillPrice,
		ExecutedQty: params.Quantity,
		Side:        params.Side,
	}, nil
}

func (x *fakeExchange) PlaceAlgoOrder(_ context.Context, params binance.AlgoOrderParams) (*binance.AlgoOrderResponse, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextAlgoID++
	x.algoOrders = append(x.algoOrders, params)
	return &binance.AlgoOrderResponse{AlgoID: 1000 + x.nextAlgoID, Success: true}, nil
}

func (x *fakeExchange) CancelAlgoOrder(_ context.Context, _ string, algoID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancelled = append(x.cancelled, algoID)
	return nil
}

func (x *fakeExchange) GetCurrentPrice(_ context.Context, _ string) (float64, error) {
	return x.fillPrice, nil
}

type fakePrices map[string]float64

func (f fakePrices) GetPrice(_ context.Context, symbol string) (float64, bool) {
	p, ok := f[symbol]
	return p, ok
}

func newTestEngine(repo *fakeRepo, exchange *fakeExchange) *Engine {
	resolve := func(*database.Model) Exchange { return exchange }
	return New(repo, resolve, fakePrices{}, zerolog.Nop())
}

// ==================== TESTS ====================

func TestRealizedPnL(t *testing.T) {
	tests := []struct {
		name  string
		side  string
		entry float64
		exit  float64
		qty   float64
		fee   float64
		want  float64
	}{
		{"long profit", "LONG", 100, 110, 2, 1, 19},
		{"long loss", "LONG", 100, 95, 1, 0.5, -5.5},
		{"short profit", "SHORT", 100, 90, 2, 1, 19},
		{"short loss", "SHORT", 100, 105, 1, 0.5, -5.5},
		{"flat minus fee", "LONG", 100, 100, 1, 0.2, -0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RealizedPnL(tt.side, tt.entry, tt.exit, tt.qty, tt.fee)
			if got != tt.want {
				t.Errorf("RealizedPnL = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldTrigger(t *testing.T) {
	closingAlgo := func(orderType, positionSide string, trigger float64) *database.AlgoOrder {
		side := "SELL"
		if positionSide == "SHORT" {
			side = "BUY"
		}
		return &database.AlgoOrder{OrderType: orderType, PositionSide: positionSide, Side: side, TriggerPrice: trigger}
	}
	openingAlgo := func(positionSide string, trigger float64) *database.AlgoOrder {
		side := "BUY"
		if positionSide == "SHORT" {
			side = "SELL"
		}
		return &database.AlgoOrder{OrderType: binance.OrderTypeStopMarket, PositionSide: positionSide, Side: side, TriggerPrice: trigger}
	}

	tests := []struct {
		name  string
		algo  *database.AlgoOrder
		price float64
		want  bool
	}{
		{"stop long fires below", closingAlgo("STOP_MARKET", "LONG", 100), 99, true},
		{"stop long holds above", closingAlgo("STOP_MARKET", "LONG", 100), 101, false},
		{"stop long fires at trigger", closingAlgo("STOP_MARKET", "LONG", 100), 100, true},
		{"stop short fires above", closingAlgo("STOP_MARKET", "SHORT", 100), 101, true},
		{"stop short holds below", closingAlgo("STOP_MARKET", "SHORT", 100), 99, false},
		{"take profit long fires above", closingAlgo("TAKE_PROFIT_MARKET", "LONG", 100), 101, true},
		{"take profit long holds below", closingAlgo("TAKE_PROFIT_MARKET", "LONG", 100), 99, false},
		{"take profit short fires below", closingAlgo("TAKE_PROFIT_MARKET", "SHORT", 100), 99, true},
		{"take profit short holds above", closingAlgo("TAKE_PROFIT_MARKET", "SHORT", 100), 101, false},
		{"stop entry long fires on breakout", openingAlgo("LONG", 100), 101, true},
		{"stop entry long holds below", openingAlgo("LONG", 100), 99, false},
		{"stop entry short fires on breakdown", openingAlgo("SHORT", 100), 99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldTrigger(tt.algo, tt.price); got != tt.want {
				t.Errorf("ShouldTrigger(price=%v, trigger=%v) = %v, want %v", tt.price, tt.algo.TriggerPrice, got, tt.want)
			}
		})
	}
}

func TestOpenImmediate(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1", Leverage: 5}
	exchange := newFakeExchange(100)
	e := newTestEngine(repo, exchange)

	d := &database.StrategyDecision{ID: "d1", ModelID: "m1", Symbol: "BTCUSDT", Signal: database.SignalBuyToLong, Quantity: 2, Leverage: 10}
	if err := e.ExecuteDecision(context.Background(), repo.models["m1"], d); err != nil {
		t.Fatalf("ExecuteDecision failed: %v", err)
	}

	if len(repo.trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(repo.trades))
	}
	trade := repo.trades[0]
	if trade.Price != 100 || trade.Quantity != 2 || trade.PnL != nil {
		t.Errorf("opening trade = %+v, want price 100 qty 2 nil pnl", trade)
	}

	p := repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")]
	if p == nil {
		t.Fatal("portfolio row missing after open")
	}
	if p.Quantity != 2 || p.AvgEntryPrice != 100 || p.Leverage != 10 {
		t.Errorf("portfolio = %+v", p)
	}
	if p.InitialMargin != 20 { // 100*2/10
		t.Errorf("initial margin = %v, want 20", p.InitialMargin)
	}
	if repo.decisions["d1"] != database.DecisionExecuted {
		t.Errorf("decision status = %q, want EXECUTED", repo.decisions["d1"])
	}
	if exchange.leverageSet["BTCUSDT"] != 10 {
		t.Errorf("leverage set = %d, want 10", exchange.leverageSet["BTCUSDT"])
	}
}

func TestOpenAveragesEntry(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1"}
	repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")] = &database.Portfolio{
		ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 90, InitialMargin: 9, Leverage: 10,
	}
	exchange := newFakeExchange(110)
	e := newTestEngine(repo, exchange)

	d := &database.StrategyDecision{ID: "d1", ModelID: "m1", Symbol: "BTCUSDT", Signal: database.SignalBuyToLong, Quantity: 1, Leverage: 10}
	if err := e.ExecuteDecision(context.Background(), repo.models["m1"], d); err != nil {
		t.Fatalf("ExecuteDecision failed: %v", err)
	}

	p := repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")]
	if p.Quantity != 2 {
		t.Errorf("quantity = %v, want 2", p.Quantity)
	}
	if p.AvgEntryPrice != 100 { // (90*1 + 110*1) / 2
		t.Errorf("avg entry = %v, want 100", p.AvgEntryPrice)
	}
}

func TestCloseImmediateComputesPnL(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1"}
	repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")] = &database.Portfolio{
		ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 2, AvgEntryPrice: 100, InitialMargin: 20, Leverage: 10,
	}
	exchange := newFakeExchange(110)
	e := newTestEngine(repo, exchange)

	d := &database.StrategyDecision{ID: "d1", ModelID: "m1", Symbol: "BTCUSDT", Signal: database.SignalClosePosition, Quantity: 2}
	if err := e.ExecuteDecision(context.Background(), repo.models["m1"], d); err != nil {
		t.Fatalf("ExecuteDecision failed: %v", err)
	}

	if len(repo.trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(repo.trades))
	}
	trade := repo.trades[0]
	if trade.PnL == nil {
		t.Fatal("closing trade has no pnl")
	}
	wantPnL := (110.0-100.0)*2 - trade.Fee
	if *trade.PnL != wantPnL {
		t.Errorf("pnl = %v, want %v", *trade.PnL, wantPnL)
	}
	if _, ok := repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")]; ok {
		t.Error("portfolio row not removed after full close")
	}
	if len(exchange.orders) != 1 || !exchange.orders[0].ReduceOnly || exchange.orders[0].Side != "SELL" {
		t.Errorf("close order = %+v, want reduce-only SELL", exchange.orders)
	}
}

func TestCloseWithoutPositionRejects(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1"}
	e := newTestEngine(repo, newFakeExchange(100))

	d := &database.StrategyDecision{ID: "d1", ModelID: "m1", Symbol: "BTCUSDT", Signal: database.SignalClosePosition, Quantity: 1}
	if err := e.ExecuteDecision(context.Background(), repo.models["m1"], d); err == nil {
		t.Fatal("expected error closing without a position")
	}
	if repo.decisions["d1"] != database.DecisionRejected {
		t.Errorf("decision status = %q, want REJECTED", repo.decisions["d1"])
	}
}

func TestAlgoSupersession(t *testing.T) {
	repo := newFakeRepo()
	repo.models["modelA"] = &database.Model{ID: "modelA"}
	repo.portfolios[portfolioKey("modelA", "BTCUSDT", "LONG")] = &database.Portfolio{
		ModelID: "modelA", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 45000, InitialMargin: 4500, Leverage: 10,
	}
	exchange := newFakeExchange(45000)
	e := newTestEngine(repo, exchange)

	for i, trigger := range []float64{40000, 42000, 43000} {
		stop := trigger
		d := &database.StrategyDecision{
			ID: fmt.Sprintf("d%d", i+1), ModelID: "modelA", Symbol: "BTCUSDT",
			Signal: database.SignalStopLoss, Quantity: 1, StopPrice: &stop,
		}
		if err := e.ExecuteDecision(context.Background(), repo.models["modelA"], d); err != nil {
			t.Fatalf("algo %d failed: %v", i+1, err)
		}
	}

	var newCount, cancelledCount int
	var survivor *database.AlgoOrder
	for _, a := range repo.algos {
		switch a.Status {
		case database.AlgoStatusNew:
			newCount++
			survivor = a
		case database.AlgoStatusCancelled:
			cancelledCount++
			if a.ErrorReason == nil || *a.ErrorReason != "superseded" {
				t.Errorf("cancelled algo reason = %v, want superseded", a.ErrorReason)
			}
		}
	}
	if newCount != 1 || cancelledCount != 2 {
		t.Fatalf("got %d NEW / %d CANCELLED, want 1/2", newCount, cancelledCount)
	}
	if survivor.TriggerPrice != 43000 {
		t.Errorf("surviving trigger = %v, want 43000 (newest wins)", survivor.TriggerPrice)
	}
	if len(exchange.cancelled) != 2 {
		t.Errorf("exchange cancels = %v, want 2", exchange.cancelled)
	}
}

func TestLocalTriggerFillsAlgo(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1", Leverage: 10}
	repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")] = &database.Portfolio{
		ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10, Leverage: 10,
	}
	decisionID := "d1"
	algo := &database.AlgoOrder{
		AlgoID: 7001, OrderType: binance.OrderTypeStopMarket, Symbol: "BTCUSDT",
		Side: "SELL", PositionSide: "LONG", Quantity: 1, TriggerPrice: 95,
		ModelID: "m1", StrategyDecisionID: &decisionID,
	}
	if err := repo.CreateAlgoOrder(context.Background(), algo); err != nil {
		t.Fatal(err)
	}

	exchange := newFakeExchange(94.5)
	e := newTestEngine(repo, exchange)
	sup := NewAlgoSupervisor(e, repo, fakePrices{"BTCUSDT": 94}, 1, zerolog.Nop())

	sup.scan(context.Background())

	stored := repo.algos[algo.ID]
	if stored.Status != database.AlgoStatusFilled {
		t.Fatalf("algo status = %q, want FILLED", stored.Status)
	}
	if stored.TradeID == nil {
		t.Fatal("algo has no trade link")
	}
	if len(repo.trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(repo.trades))
	}
	if repo.trades[0].PnL == nil || *repo.trades[0].PnL >= 0 {
		t.Errorf("stop loss pnl = %v, want negative", repo.trades[0].PnL)
	}
	if _, ok := repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")]; ok {
		t.Error("portfolio row not removed")
	}
	if repo.decisions["d1"] != database.DecisionExecuted {
		t.Errorf("decision status = %q, want EXECUTED", repo.decisions["d1"])
	}
	// The defensive path must have placed the MARKET close itself.
	if len(exchange.orders) != 1 || exchange.orders[0].Type != binance.OrderTypeMarket {
		t.Errorf("orders = %+v, want one MARKET", exchange.orders)
	}
}

func TestUserDataFillSkipsMarketOrder(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1", Leverage: 10}
	repo.portfolios[portfolioKey("m1", "BTCUSDT", "LONG")] = &database.Portfolio{
		ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10, Leverage: 10,
	}
	algo := &database.AlgoOrder{
		AlgoID: 8001, OrderType: binance.OrderTypeTakeProfitMarket, Symbol: "BTCUSDT",
		Side: "SELL", PositionSide: "LONG", Quantity: 1, TriggerPrice: 120, ModelID: "m1",
	}
	if err := repo.CreateAlgoOrder(context.Background(), algo); err != nil {
		t.Fatal(err)
	}

	exchange := newFakeExchange(120)
	e := newTestEngine(repo, exchange)

	e.HandleOrderUpdate(context.Background(), &binance.OrderUpdateEvent{
		EventType: "ORDER_TRADE_UPDATE",
		Order: binance.OrderUpdateData{
			Symbol: "BTCUSDT", OrderID: 8001, OrderType: binance.OrderTypeTakeProfitMarket,
			OrderStatus: "FILLED", AveragePrice: 121, PositionSide: "LONG",
		},
	})

	stored := repo.algos[algo.ID]
	if stored.Status != database.AlgoStatusFilled {
		t.Fatalf("algo status = %q, want FILLED", stored.Status)
	}
	if len(exchange.orders) != 0 {
		t.Errorf("exchange fill must not place another order, got %+v", exchange.orders)
	}
	if len(repo.trades) != 1 || repo.trades[0].Price != 121 {
		t.Errorf("trade = %+v, want one at exchange-reported 121", repo.trades)
	}
}

func TestTerminalAlgoIgnoresSecondFill(t *testing.T) {
	repo := newFakeRepo()
	repo.models["m1"] = &database.Model{ID: "m1"}
	algo := &database.AlgoOrder{AlgoID: 9001, OrderType: binance.OrderTypeStopMarket, Symbol: "BTCUSDT", Side: "SELL", PositionSide: "LONG", Quantity: 1, TriggerPrice: 95, ModelID: "m1"}
	if err := repo.CreateAlgoOrder(context.Background(), algo); err != nil {
		t.Fatal(err)
	}
	reason := "cancelled by operator"
	if err := repo.UpdateAlgoStatus(context.Background(), algo.ID, database.AlgoStatusCancelled, &reason); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(repo, newFakeExchange(94))
	e.HandleOrderUpdate(context.Background(), &binance.OrderUpdateEvent{
		Order: binance.OrderUpdateData{OrderID: 9001, OrderType: binance.OrderTypeStopMarket, OrderStatus: "FILLED", AveragePrice: 94},
	})

	if repo.algos[algo.ID].Status != database.AlgoStatusCancelled {
		t.Errorf("terminal status mutated to %q", repo.algos[algo.ID].Status)
	}
	if len(repo.trades) != 0 {
		t.Errorf("trades written for a terminal algo: %+v", repo.trades)
	}
}
