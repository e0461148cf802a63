package strategy

import (
	"fmt"

	"futures-ai-trader/internal/database"
)

// Env resolves dotted field names to numeric values during evaluation.
type Env interface {
	Lookup(name string) (float64, bool)
}

// MapEnv is the standard Env backed by a flat map.
type MapEnv map[string]float64

// Lookup implements Env.
func (m MapEnv) Lookup(name string) (float64, bool) {
	v, ok := m[name]
	return v, ok
}

// Decision is one trade intent emitted by a rule.
type Decision struct {
	Symbol        string
	Signal        string
	Quantity      float64
	Leverage      int
	Price         *float64
	StopPrice     *float64
	Justification string
}

// EvalContext carries the entity sets a program runs over. Buy programs
// iterate Candidates; sell programs iterate Positions. Account and Market
// fields are shared across all entities in a cycle.
type EvalContext struct {
	Candidates []Candidate
	Positions  []database.Portfolio
	Account    AccountState
	Market     MarketState
}

// Candidate is one buy-side symbol under consideration.
type Candidate struct {
	Symbol        string
	LastPrice     float64
	OpenPrice     float64
	ChangePct     float64
	QuoteVolume   float64
	BaseVolume    float64
}

// AccountState is the account snapshot exposed to programs.
type AccountState struct {
	Balance          float64
	AvailableBalance float64
	UnrealizedPnL    float64
	OpenPositions    int
	MaxPositions     int
}

// MarketState carries cycle-wide market aggregates.
type MarketState struct {
	BTCChangePct float64
	ETHChangePct float64
}

// Evaluate runs every rule against every entity in the context and returns
// the fired decisions. A rule evaluation error skips that (rule, entity)
// pair; it does not abort the cycle.
func (prog *Program) Evaluate(ctx EvalContext) ([]Decision, []error) {
	var decisions []Decision
	var errs []error

	common := MapEnv{
		"account.balance":           ctx.Account.Balance,
		"account.available_balance": ctx.Account.AvailableBalance,
		"account.unrealized_pnl":    ctx.Account.UnrealizedPnL,
		"account.open_positions":    float64(ctx.Account.OpenPositions),
		"account.max_positions":     float64(ctx.Account.MaxPositions),
		"market.btc_change_pct":     ctx.Market.BTCChangePct,
		"market.eth_change_pct":     ctx.Market.ETHChangePct,
	}

	for _, c := range ctx.Candidates {
		env := mergeEnv(common, MapEnv{
			"candidate.last_price":   c.LastPrice,
			"candidate.open_price":   c.OpenPrice,
			"candidate.change_pct":   c.ChangePct,
			"candidate.quote_volume": c.QuoteVolume,
			"candidate.base_volume":  c.BaseVolume,
		})
		ds, es := prog.evalEntity(env, c.Symbol)
		decisions = append(decisions, ds...)
		errs = append(errs, es...)
	}

	for _, p := range ctx.Positions {
		pnlPct := 0.0
		if p.InitialMargin > 0 {
			pnlPct = p.UnrealizedPnL / p.InitialMargin * 100
		}
		sideLong := 0.0
		if p.Side == "LONG" {
			sideLong = 1
		}
		env := mergeEnv(common, MapEnv{
			"position.quantity":        p.Quantity,
			"position.entry_price":     p.AvgEntryPrice,
			"position.initial_margin":  p.InitialMargin,
			"position.leverage":        float64(p.Leverage),
			"position.unrealized_pnl":  p.UnrealizedPnL,
			"position.pnl_pct":         pnlPct,
			"position.is_long":         sideLong,
		})
		ds, es := prog.evalEntity(env, p.Symbol)
		decisions = append(decisions, ds...)
		errs = append(errs, es...)
	}

	return decisions, errs
}

func (prog *Program) evalEntity(env Env, symbol string) ([]Decision, []error) {
	var decisions []Decision
	var errs []error

	for _, rule := range prog.Rules {
		fired, err := rule.Condition.eval(env)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule at line %d: %w", rule.Line, err))
			continue
		}
		if fired == 0 {
			continue
		}

		qty, err := rule.Quantity.eval(env)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule at line %d qty: %w", rule.Line, err))
			continue
		}

		d := Decision{
			Symbol:        symbol,
			Signal:        rule.Signal,
			Quantity:      qty,
			Justification: rule.Justification,
		}
		if rule.Leverage != nil {
			lev, err := rule.Leverage.eval(env)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule at line %d leverage: %w", rule.Line, err))
				continue
			}
			d.Leverage = int(lev)
		}
		if rule.Price != nil {
			price, err := rule.Price.eval(env)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule at line %d price: %w", rule.Line, err))
				continue
			}
			d.Price = &price
		}
		if rule.Stop != nil {
			stop, err := rule.Stop.eval(env)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule at line %d stop: %w", rule.Line, err))
				continue
			}
			d.StopPrice = &stop
		}
		decisions = append(decisions, d)
	}
	return decisions, errs
}

func mergeEnv(base, extra MapEnv) MapEnv {
	out := make(MapEnv, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
