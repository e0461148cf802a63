package strategy

import (
	"context"
	"fmt"
	"strings"

	"futures-ai-trader/internal/apperr"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/llm"
	"futures-ai-trader/internal/logging"
)

// defaultSystemPrompt is used when a model has no default prompt template.
const defaultSystemPrompt = `You are a quantitative trading strategist for USDT-margined perpetual futures.
Respond with a program in the platform's rule language only, no prose.
Each line: when <condition> then <signal> qty=<expr> [leverage=<expr>] [stop=<expr>] [why="..."]
Signals: buy_to_long, buy_to_short, close_position, stop_loss, take_profit.
Fields: candidate.last_price, candidate.change_pct, candidate.base_volume,
position.quantity, position.entry_price, position.pnl_pct, position.is_long,
account.available_balance, account.open_positions, account.max_positions.`

// Executor runs strategies for a (model, side) cycle. Program-supplied
// strategies compile from the stored text; LLM-backed strategies ask the
// provider for a program first, then compile it the same way.
type Executor struct {
	db         *database.DB
	dispatcher *llm.Dispatcher
	cache      *compileCache
	logger     *logging.Logger
}

// NewExecutor creates a strategy executor.
func NewExecutor(db *database.DB, dispatcher *llm.Dispatcher) *Executor {
	return &Executor{
		db:         db,
		dispatcher: dispatcher,
		cache:      newCompileCache(),
		logger:     logging.WithComponent("strategy_executor"),
	}
}

// InvalidateStrategy drops cached compilations after a program edit.
func (e *Executor) InvalidateStrategy(strategyID string) {
	e.cache.invalidate(strategyID)
}

// Execute runs one strategy against the evaluation context and returns the
// validated decisions. A compile failure disables the strategy for this
// cycle and is returned as an error.
func (e *Executor) Execute(ctx context.Context, model *database.Model, strat *database.Strategy, evalCtx EvalContext) ([]Decision, error) {
	programText := strat.Program
	if e.isLLMBacked(strat) {
		generated, err := e.generateProgram(ctx, model, strat, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("llm generation failed for strategy %s: %w", strat.Name, err)
		}
		programText = generated
	}

	prog, err := e.cache.get(strat.ID, model.ID, programText)
	if err != nil {
		return nil, fmt.Errorf("strategy %s failed to compile: %w", strat.Name, err)
	}

	decisions, evalErrs := prog.Evaluate(evalCtx)
	for _, evalErr := range evalErrs {
		e.logger.Warn("rule evaluation error", "strategy", strat.Name, "model", model.ID, "error", evalErr)
	}

	known := knownSymbols(evalCtx)
	return ValidateDecisions(decisions, model, known, e.logger), nil
}

// isLLMBacked reports whether the strategy asks the model's LLM to write
// the program each cycle.
func (e *Executor) isLLMBacked(strat *database.Strategy) bool {
	return strat.Metadata["source"] == "llm" || strings.TrimSpace(strat.Program) == ""
}

func (e *Executor) generateProgram(ctx context.Context, model *database.Model, strat *database.Strategy, evalCtx EvalContext) (string, error) {
	provider, err := e.db.GetProvider(ctx, model.ProviderID)
	if err != nil {
		return "", fmt.Errorf("failed to load provider: %w", err)
	}
	if provider == nil {
		return "", fmt.Errorf("model %s references missing provider %s", model.ID, model.ProviderID)
	}

	systemText := defaultSystemPrompt
	if prompt, err := e.db.GetDefaultModelPrompt(ctx, model.ID); err == nil && prompt != nil {
		systemText = prompt.Prompt
	}

	userPrompt := renderCyclePrompt(strat, evalCtx)

	raw, err := e.dispatcher.GenerateStrategyCode(
		ctx, provider.ProviderType, provider.BaseURL, provider.APIKey,
		model.ProviderModelName, systemText, userPrompt, llm.DefaultGenerateConfig(),
	)
	if err != nil && apperr.IsTransient(err) {
		// One retry covers rate-limit windows; the dispatcher already slept
		// through any Retry-After.
		e.logger.Warn("transient llm error, retrying once", "model", model.ID, "error", err)
		raw, err = e.dispatcher.GenerateStrategyCode(
			ctx, provider.ProviderType, provider.BaseURL, provider.APIKey,
			model.ProviderModelName, systemText, userPrompt, llm.DefaultGenerateConfig(),
		)
	}
	if err != nil {
		return "", err
	}

	program := llm.ExtractCode(raw)

	conv := &database.Conversation{
		ModelID:    model.ID,
		UserPrompt: userPrompt,
		AIResponse: raw,
	}
	if err := e.db.AppendConversation(ctx, conv); err != nil {
		e.logger.Warn("failed to log conversation", "model", model.ID, "error", err)
	}

	return program, nil
}

// renderCyclePrompt builds the market-snapshot prompt for an LLM cycle.
func renderCyclePrompt(strat *database.Strategy, evalCtx EvalContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Strategy: %s (%s side)\n", strat.Name, strat.Type)
	fmt.Fprintf(&sb, "Account: balance=%.2f available=%.2f open_positions=%d/%d\n",
		evalCtx.Account.Balance, evalCtx.Account.AvailableBalance,
		evalCtx.Account.OpenPositions, evalCtx.Account.MaxPositions)

	if len(evalCtx.Candidates) > 0 {
		sb.WriteString("Candidates:\n")
		for _, c := range evalCtx.Candidates {
			fmt.Fprintf(&sb, "  %s last=%.6f change_pct=%.2f base_volume=%.0f\n",
				c.Symbol, c.LastPrice, c.ChangePct, c.BaseVolume)
		}
	}
	if len(evalCtx.Positions) > 0 {
		sb.WriteString("Open positions:\n")
		for _, p := range evalCtx.Positions {
			fmt.Fprintf(&sb, "  %s %s qty=%.6f entry=%.6f upnl=%.2f\n",
				p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice, p.UnrealizedPnL)
		}
	}
	sb.WriteString("Write the rule program now.")
	return sb.String()
}

// ==================== CANDIDATE / POSITION SETS ====================

const defaultLeaderboardSize = 20

// BuildCandidates assembles the buy-side candidate set per the model's
// symbol source.
func (e *Executor) BuildCandidates(ctx context.Context, model *database.Model) ([]Candidate, error) {
	switch model.SymbolSource {
	case "future":
		futures, err := e.db.ListFutures(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list futures: %w", err)
		}
		var out []Candidate
		for _, f := range futures {
			ticker, err := e.db.GetMarketTicker(ctx, f.Symbol)
			if err != nil {
				continue // untracked by the ingestor yet
			}
			out = append(out, tickerToCandidate(ticker))
		}
		return out, nil
	default: // leaderboard
		tickers, err := e.db.GetTopGainers(ctx, defaultLeaderboardSize, model.BaseVolume)
		if err != nil {
			return nil, fmt.Errorf("failed to load leaderboard: %w", err)
		}
		out := make([]Candidate, 0, len(tickers))
		for i := range tickers {
			out = append(out, tickerToCandidate(&tickers[i]))
		}
		return out, nil
	}
}

// BuildPositions assembles the sell-side position set.
func (e *Executor) BuildPositions(ctx context.Context, model *database.Model) ([]database.Portfolio, error) {
	positions, err := e.db.ListPortfolios(ctx, model.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	return positions, nil
}

func tickerToCandidate(t *database.MarketTicker) Candidate {
	c := Candidate{
		Symbol:      t.Symbol,
		LastPrice:   t.LastPrice,
		QuoteVolume: t.QuoteVolume,
		BaseVolume:  t.BaseVolume,
	}
	if t.OpenPrice != nil {
		c.OpenPrice = *t.OpenPrice
	}
	if t.PriceChangePercent != nil {
		c.ChangePct = *t.PriceChangePercent
	}
	return c
}

// ==================== VALIDATION ====================

var validSignals = map[string]bool{
	database.SignalBuyToLong:     true,
	database.SignalBuyToShort:    true,
	database.SignalClosePosition: true,
	database.SignalStopLoss:      true,
	database.SignalTakeProfit:    true,
}

// ValidateDecisions filters a decision batch. Unknown signals, non-positive
// quantities and unknown symbols are dropped and logged; leverage outside
// [1,125] clamps to the model default (0 on the model means the decision's
// own leverage stands when valid).
func ValidateDecisions(decisions []Decision, model *database.Model, known map[string]bool, logger *logging.Logger) []Decision {
	out := make([]Decision, 0, len(decisions))
	for _, d := range decisions {
		if !validSignals[d.Signal] {
			logger.Warn("dropping decision with unknown signal", "signal", d.Signal, "symbol", d.Symbol)
			continue
		}
		if d.Quantity <= 0 {
			logger.Warn("dropping decision with non-positive quantity", "symbol", d.Symbol, "quantity", d.Quantity)
			continue
		}
		if len(known) > 0 && !known[d.Symbol] {
			logger.Warn("dropping decision for unknown symbol", "symbol", d.Symbol)
			continue
		}
		if d.Leverage < 1 || d.Leverage > 125 {
			d.Leverage = model.Leverage
		}
		out = append(out, d)
	}
	return out
}

func knownSymbols(evalCtx EvalContext) map[string]bool {
	known := make(map[string]bool, len(evalCtx.Candidates)+len(evalCtx.Positions))
	for _, c := range evalCtx.Candidates {
		known[c.Symbol] = true
	}
	for _, p := range evalCtx.Positions {
		known[p.Symbol] = true
	}
	return known
}
