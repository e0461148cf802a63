package liquidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"futures-ai-trader/internal/database"
)

type fakeStore struct {
	mu         sync.Mutex
	portfolios []database.Portfolio
	models     map[string]*database.Model
}

func (f *fakeStore) ListAllPortfolios(_ context.Context) ([]database.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]database.Portfolio(nil), f.portfolios...), nil
}

func (f *fakeStore) GetModel(_ context.Context, id string) (*database.Model, error) {
	return f.models[id], nil
}

func (f *fakeStore) UpsertPortfolio(_ context.Context, p *database.Portfolio) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.portfolios {
		if f.portfolios[i].Symbol == p.Symbol && f.portfolios[i].ModelID == p.ModelID && f.portfolios[i].Side == p.Side {
			f.portfolios[i] = *p
		}
	}
	return nil
}

type fakeCloser struct {
	mu       sync.Mutex
	closed   []string
	failures int
	calls    int
}

func (f *fakeCloser) LiquidatePosition(_ context.Context, _ *database.Model, p *database.Portfolio) (*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("exchange unavailable")
	}
	f.closed = append(f.closed, p.Symbol)
	pnl := -5.0
	return &database.Trade{ID: int64(len(f.closed)), Symbol: p.Symbol, PnL: &pnl}, nil
}

type fakePrices map[string]float64

func (f fakePrices) GetPrice(_ context.Context, symbol string) (float64, bool) {
	p, ok := f[symbol]
	return p, ok
}

func pct(v float64) *float64 { return &v }

func TestLossRatio(t *testing.T) {
	tests := []struct {
		name   string
		pnl    float64
		margin float64
		want   float64
	}{
		{"half the margin gone", -5, 10, 0.5},
		{"profit clamps to zero", 5, 10, 0},
		{"margin wiped", -10, 10, 1},
		{"zero margin", -5, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LossRatio(tt.pnl, tt.margin); got != tt.want {
				t.Errorf("LossRatio(%v, %v) = %v, want %v", tt.pnl, tt.margin, got, tt.want)
			}
		})
	}
}

func TestUnrealizedPnL(t *testing.T) {
	if got := UnrealizedPnL("LONG", 100, 95, 1); got != -5 {
		t.Errorf("long pnl = %v, want -5", got)
	}
	if got := UnrealizedPnL("SHORT", 100, 95, 2); got != 10 {
		t.Errorf("short pnl = %v, want 10", got)
	}
}

func TestScanTriggersAtThreshold(t *testing.T) {
	// qty=1, entry=100, margin=10, mark=95: pnl -5, ratio 0.50.
	store := &fakeStore{
		portfolios: []database.Portfolio{
			{ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10},
		},
		models: map[string]*database.Model{
			"m1": {ID: "m1", AutoClosePercent: pct(50)},
		},
	}
	closer := &fakeCloser{}
	loop := NewLoop(store, closer, fakePrices{"BTCUSDT": 95}, 60)

	loop.Scan(context.Background())

	if len(closer.closed) != 1 || closer.closed[0] != "BTCUSDT" {
		t.Fatalf("closed = %v, want BTCUSDT", closer.closed)
	}
	// The scan refreshes the stored mark-to-market pnl.
	if store.portfolios[0].UnrealizedPnL != -5 {
		t.Errorf("stored pnl = %v, want -5", store.portfolios[0].UnrealizedPnL)
	}
}

func TestScanHoldsBelowThreshold(t *testing.T) {
	store := &fakeStore{
		portfolios: []database.Portfolio{
			{ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10},
		},
		models: map[string]*database.Model{
			"m1": {ID: "m1", AutoClosePercent: pct(50)},
		},
	}
	closer := &fakeCloser{}
	loop := NewLoop(store, closer, fakePrices{"BTCUSDT": 96}, 60) // ratio 0.40

	loop.Scan(context.Background())
	if len(closer.closed) != 0 {
		t.Errorf("closed = %v, want none at ratio 0.40", closer.closed)
	}
}

func TestScanSkipsDisabledModels(t *testing.T) {
	store := &fakeStore{
		portfolios: []database.Portfolio{
			{ModelID: "off", Symbol: "AUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10},
			{ModelID: "zero", Symbol: "BUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10},
		},
		models: map[string]*database.Model{
			"off":  {ID: "off", AutoClosePercent: nil},
			"zero": {ID: "zero", AutoClosePercent: pct(0)},
		},
	}
	closer := &fakeCloser{}
	loop := NewLoop(store, closer, fakePrices{"AUSDT": 10, "BUSDT": 10}, 60)

	loop.Scan(context.Background())
	if len(closer.closed) != 0 {
		t.Errorf("closed = %v, want none with auto-close disabled", closer.closed)
	}
}

func TestForceCloseRetries(t *testing.T) {
	store := &fakeStore{
		portfolios: []database.Portfolio{
			{ModelID: "m1", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, AvgEntryPrice: 100, InitialMargin: 10},
		},
		models: map[string]*database.Model{
			"m1": {ID: "m1", AutoClosePercent: pct(50)},
		},
	}
	closer := &fakeCloser{failures: 2}
	loop := NewLoop(store, closer, fakePrices{"BTCUSDT": 90}, 60)
	loop.backoff = time.Millisecond

	loop.Scan(context.Background())

	if closer.calls != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", closer.calls)
	}
	if len(closer.closed) != 1 {
		t.Errorf("closed = %v, want success on third attempt", closer.closed)
	}
}

func TestShortPositionTrigger(t *testing.T) {
	// SHORT entry 100, mark 106: pnl -12 on qty 2, margin 20, ratio 0.60.
	store := &fakeStore{
		portfolios: []database.Portfolio{
			{ModelID: "m1", Symbol: "ETHUSDT", Side: "SHORT", Quantity: 2, AvgEntryPrice: 100, InitialMargin: 20},
		},
		models: map[string]*database.Model{
			"m1": {ID: "m1", AutoClosePercent: pct(50)},
		},
	}
	closer := &fakeCloser{}
	loop := NewLoop(store, closer, fakePrices{"ETHUSDT": 106}, 60)

	loop.Scan(context.Background())
	if len(closer.closed) != 1 {
		t.Errorf("closed = %v, want short liquidated", closer.closed)
	}
}
