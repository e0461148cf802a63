package strategy

import (
	"testing"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/logging"
)

func TestEvaluateCandidates(t *testing.T) {
	prog, err := Compile(`when candidate.change_pct > 5 and account.open_positions < account.max_positions then buy_to_long qty=1 leverage=10 why="gainer"`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	ctx := EvalContext{
		Candidates: []Candidate{
			{Symbol: "BTCUSDT", LastPrice: 60000, ChangePct: 2.1},
			{Symbol: "SOLUSDT", LastPrice: 150, ChangePct: 8.4},
			{Symbol: "DOGEUSDT", LastPrice: 0.1, ChangePct: 12.0},
		},
		Account: AccountState{OpenPositions: 1, MaxPositions: 3},
	}

	decisions, errs := prog.Evaluate(ctx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(decisions))
	}
	if decisions[0].Symbol != "SOLUSDT" || decisions[1].Symbol != "DOGEUSDT" {
		t.Errorf("fired for %s/%s, want SOLUSDT/DOGEUSDT", decisions[0].Symbol, decisions[1].Symbol)
	}
	if decisions[0].Leverage != 10 {
		t.Errorf("leverage = %d, want 10", decisions[0].Leverage)
	}
	if decisions[0].Justification != "gainer" {
		t.Errorf("justification = %q", decisions[0].Justification)
	}
}

func TestEvaluatePositions(t *testing.T) {
	prog, err := Compile(`when position.pnl_pct < -20 then stop_loss qty=position.quantity why="cut losses"
when position.pnl_pct > 50 then take_profit qty=position.quantity`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	ctx := EvalContext{
		Positions: []database.Portfolio{
			{Symbol: "BTCUSDT", Side: "LONG", Quantity: 0.5, AvgEntryPrice: 60000, InitialMargin: 1000, UnrealizedPnL: -250},
			{Symbol: "ETHUSDT", Side: "SHORT", Quantity: 2, AvgEntryPrice: 3000, InitialMargin: 500, UnrealizedPnL: 300},
			{Symbol: "XRPUSDT", Side: "LONG", Quantity: 100, AvgEntryPrice: 0.5, InitialMargin: 100, UnrealizedPnL: 5},
		},
	}

	decisions, errs := prog.Evaluate(ctx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2: %+v", len(decisions), decisions)
	}
	// BTC is at -25% of margin, ETH at +60%.
	if decisions[0].Symbol != "BTCUSDT" || decisions[0].Signal != "stop_loss" {
		t.Errorf("first decision = %+v, want BTCUSDT stop_loss", decisions[0])
	}
	if decisions[0].Quantity != 0.5 {
		t.Errorf("stop_loss qty = %v, want full position 0.5", decisions[0].Quantity)
	}
	if decisions[1].Symbol != "ETHUSDT" || decisions[1].Signal != "take_profit" {
		t.Errorf("second decision = %+v, want ETHUSDT take_profit", decisions[1])
	}
}

func TestEvaluateZeroMarginPosition(t *testing.T) {
	prog, err := Compile(`when position.pnl_pct < -20 then stop_loss qty=position.quantity`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	ctx := EvalContext{
		Positions: []database.Portfolio{
			{Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, InitialMargin: 0, UnrealizedPnL: -100},
		},
	}
	decisions, errs := prog.Evaluate(ctx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	// pnl_pct is defined as 0 when margin is 0; the rule must not fire.
	if len(decisions) != 0 {
		t.Errorf("got %d decisions, want 0", len(decisions))
	}
}

func TestEvaluateErrorSkipsEntityNotCycle(t *testing.T) {
	// position.is_long exists only in position envs; the rule errors for
	// candidates but sell decisions still come out.
	prog, err := Compile(`when position.is_long == 1 and position.pnl_pct > 10 then take_profit qty=position.quantity`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	ctx := EvalContext{
		Candidates: []Candidate{{Symbol: "BTCUSDT", ChangePct: 5}},
		Positions: []database.Portfolio{
			{Symbol: "ETHUSDT", Side: "LONG", Quantity: 1, InitialMargin: 100, UnrealizedPnL: 20},
		},
	}
	decisions, errs := prog.Evaluate(ctx)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1 (candidate env lacks position fields)", len(errs))
	}
	if len(decisions) != 1 || decisions[0].Symbol != "ETHUSDT" {
		t.Fatalf("decisions = %+v, want single ETHUSDT take_profit", decisions)
	}
}

func TestCompileCache(t *testing.T) {
	cc := newCompileCache()

	p1, err := cc.get("s1", "m1", "when 1 > 0 then buy_to_long qty=1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	p2, err := cc.get("s1", "m1", "when 1 > 0 then buy_to_long qty=1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if p1 != p2 {
		t.Error("identical program text did not hit the cache")
	}

	p3, err := cc.get("s1", "m1", "when 2 > 0 then buy_to_long qty=1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if p3 == p1 {
		t.Error("edited program text reused the stale compilation")
	}

	cc.invalidate("s1")
	p4, err := cc.get("s1", "m1", "when 1 > 0 then buy_to_long qty=1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if p4 == p1 {
		t.Error("invalidate left the old compilation in the cache")
	}

	if _, err := cc.get("s2", "m1", "when broken"); err == nil {
		t.Error("compile error not surfaced through the cache")
	}
}

func testLogger() *logging.Logger {
	return logging.WithComponent("strategy_test")
}

func TestValidateDecisions(t *testing.T) {
	model := &database.Model{ID: "m1", Leverage: 5}
	known := map[string]bool{"BTCUSDT": true, "ETHUSDT": true}
	logger := testLogger()

	price := 100.0
	in := []Decision{
		{Symbol: "BTCUSDT", Signal: "buy_to_long", Quantity: 1, Leverage: 10},
		{Symbol: "BTCUSDT", Signal: "warp_drive", Quantity: 1},
		{Symbol: "ETHUSDT", Signal: "buy_to_short", Quantity: 0},
		{Symbol: "FAKEUSDT", Signal: "buy_to_long", Quantity: 1},
		{Symbol: "ETHUSDT", Signal: "buy_to_long", Quantity: 2, Leverage: 300, Price: &price},
		{Symbol: "BTCUSDT", Signal: "close_position", Quantity: 1, Leverage: 0},
	}

	out := ValidateDecisions(in, model, known, logger)
	if len(out) != 3 {
		t.Fatalf("got %d decisions, want 3: %+v", len(out), out)
	}
	if out[0].Leverage != 10 {
		t.Errorf("valid leverage changed: %d", out[0].Leverage)
	}
	if out[1].Leverage != 5 {
		t.Errorf("out-of-range leverage = %d, want clamped to model default 5", out[1].Leverage)
	}
	if out[2].Leverage != 5 {
		t.Errorf("zero leverage = %d, want model default 5", out[2].Leverage)
	}
}

func TestValidateDecisionsEmptyKnownSet(t *testing.T) {
	model := &database.Model{ID: "m1", Leverage: 5}
	in := []Decision{{Symbol: "BTCUSDT", Signal: "buy_to_long", Quantity: 1, Leverage: 3}}
	out := ValidateDecisions(in, model, nil, testLogger())
	if len(out) != 1 {
		t.Fatalf("empty known set must not drop decisions, got %d", len(out))
	}
}
