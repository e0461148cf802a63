package database

import "time"

// ==================== MODELS & PROVIDERS ====================

// Model is a trading model: one LLM (or user program) with its own capital,
// credentials and worker pair.
type Model struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	ProviderID        string     `json:"provider_id"`
	ProviderModelName string     `json:"provider_model_name"`
	InitialCapital    float64    `json:"initial_capital"`
	Leverage          int        `json:"leverage"` // 0 means "strategy decides per call"
	MaxPositions      int        `json:"max_positions"`
	APIKey            string     `json:"-"`
	APISecret         string     `json:"-"`
	AutoBuyEnabled    bool       `json:"auto_buy_enabled"`
	AutoSellEnabled   bool       `json:"auto_sell_enabled"`
	AutoClosePercent  *float64   `json:"auto_close_percent"` // nil or 0 disables auto-liquidation
	BaseVolume        *float64   `json:"base_volume"`        // leaderboard volume filter, nil = no filter
	SymbolSource      string     `json:"symbol_source"`      // "leaderboard" or "future"
	BatchSize         int        `json:"batch_size"`
	BatchIntervalSec  int        `json:"batch_execution_interval"`
	BatchGroupSize    int        `json:"batch_execution_group_size"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Provider is an LLM provider endpoint.
type Provider struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ProviderType string    `json:"provider_type"` // openai, azure_openai, deepseek, anthropic, gemini, other
	BaseURL      string    `json:"base_url"`
	APIKey       string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Future is a tracked futures contract.
type Future struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"` // upper-case, USDT-quoted, unique
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// ==================== STRATEGIES ====================

// Strategy holds a decision program, either user-supplied or LLM-generated.
type Strategy struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"` // "buy" or "sell"
	Program   string            `json:"program"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ModelStrategy binds a strategy to a model with a priority.
type ModelStrategy struct {
	ID         string    `json:"id"`
	ModelID    string    `json:"model_id"`
	StrategyID string    `json:"strategy_id"`
	Type       string    `json:"type"` // "buy" or "sell"
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

// StrategyDecision statuses
const (
	DecisionTriggered = "TRIGGERED"
	DecisionExecuted  = "EXECUTED"
	DecisionRejected  = "REJECTED"
)

// StrategyDecision records a single decision emitted by a strategy run.
type StrategyDecision struct {
	ID            string    `json:"id"`
	ModelID       string    `json:"model_id"`
	StrategyName  string    `json:"strategy_name"`
	StrategyType  string    `json:"strategy_type"`
	Signal        string    `json:"signal"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	Leverage      int       `json:"leverage"`
	Price         *float64  `json:"price"`
	StopPrice     *float64  `json:"stop_price"`
	Justification string    `json:"justification"`
	Status        string    `json:"status"`
	TradeID       *int64    `json:"trade_id"`
	ErrorReason   *string   `json:"error_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// ==================== TRADING ====================

// Portfolio row: one open position per (model, symbol, side).
type Portfolio struct {
	ModelID       string    `json:"model_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // LONG or SHORT
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	InitialMargin float64   `json:"initial_margin"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Trade signals
const (
	SignalBuyToLong    = "buy_to_long"
	SignalBuyToShort   = "buy_to_short"
	SignalClosePosition = "close_position"
	SignalStopLoss     = "stop_loss"
	SignalTakeProfit   = "take_profit"
)

// Trade is an executed order fill. PnL is set only for closing trades.
type Trade struct {
	ID        int64     `json:"id"`
	ModelID   string    `json:"model_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // "buy" or "sell"
	Signal    string    `json:"signal"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	PnL       *float64  `json:"pnl"`
	CreatedAt time.Time `json:"created_at"`
}

// AlgoOrder statuses
const (
	AlgoStatusNew       = "NEW"
	AlgoStatusCancelled = "CANCELLED"
	AlgoStatusFilled    = "FILLED"
)

// AlgoOrder is a resting conditional order mirrored from the exchange.
type AlgoOrder struct {
	ID                 int64     `json:"id"`
	AlgoID             int64     `json:"algo_id"` // exchange-side id
	ClientAlgoID       string    `json:"client_algo_id"`
	Type               string    `json:"type"`
	AlgoType           string    `json:"algo_type"`
	OrderType          string    `json:"order_type"` // STOP_MARKET or TAKE_PROFIT_MARKET
	Symbol             string    `json:"symbol"`
	Side               string    `json:"side"`
	PositionSide       string    `json:"position_side"`
	Quantity           float64   `json:"quantity"`
	TriggerPrice       float64   `json:"trigger_price"`
	LimitPrice         *float64  `json:"limit_price"`
	Status             string    `json:"status"`
	ModelID            string    `json:"model_id"`
	StrategyDecisionID *string   `json:"strategy_decision_id"`
	TradeID            *int64    `json:"trade_id"`
	ErrorReason        *string   `json:"error_reason"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ==================== ACCOUNT ====================

// AccountValue is the latest account snapshot per (model, alias).
type AccountValue struct {
	ModelID            string    `json:"model_id"`
	AccountAlias       string    `json:"account_alias"`
	Balance            float64   `json:"balance"`
	AvailableBalance   float64   `json:"available_balance"`
	CrossWalletBalance float64   `json:"cross_wallet_balance"`
	CrossPnL           float64   `json:"cross_pnl"`
	CrossUnPnL         float64   `json:"cross_un_pnl"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AccountValueHistory is an append-only account snapshot trail.
type AccountValueHistory struct {
	ID               int64     `json:"id"`
	ModelID          string    `json:"model_id"`
	AccountAlias     string    `json:"account_alias"`
	Balance          float64   `json:"balance"`
	AvailableBalance float64   `json:"available_balance"`
	CrossWallet      float64   `json:"cross_wallet"`
	CrossUnPnL       float64   `json:"cross_un_pnl"`
	TradeID          *int64    `json:"trade_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// AccountValueDaily holds one row per model per UTC+8 trading day.
type AccountValueDaily struct {
	ID               int64     `json:"id"`
	ModelID          string    `json:"model_id"`
	Balance          float64   `json:"balance"`
	AvailableBalance float64   `json:"available_balance"`
	CreatedAt        time.Time `json:"created_at"`
}

// ==================== MARKET DATA ====================

// MarketTicker is the per-symbol 24h ticker row. open_price and
// update_price_date are owned by the price-refresh job, never by the stream.
type MarketTicker struct {
	Symbol             string     `json:"symbol"`
	OpenPrice          *float64   `json:"open_price"`
	LastPrice          float64    `json:"last_price"`
	PriceChange        *float64   `json:"price_change"`
	PriceChangePercent *float64   `json:"price_change_percent"`
	QuoteVolume        float64    `json:"quote_volume"`
	BaseVolume         float64    `json:"base_volume"`
	EventTime          time.Time  `json:"event_time"`
	IngestionTime      time.Time  `json:"ingestion_time"`
	UpdatePriceDate    *time.Time `json:"update_price_date"` // UTC+8
	Side               *string    `json:"side"`              // "long" or "short", derived from change sign
}

// ==================== MISC ====================

// Conversation is an append-only LLM exchange log per model.
type Conversation struct {
	ID         int64     `json:"id"`
	ModelID    string    `json:"model_id"`
	UserPrompt string    `json:"user_prompt"`
	AIResponse string    `json:"ai_response"`
	CotTrace   string    `json:"cot_trace"`
	CreatedAt  time.Time `json:"created_at"`
}

// ModelPrompt is a prompt template attached to a model.
type ModelPrompt struct {
	ID        int64     `json:"id"`
	ModelID   string    `json:"model_id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// BinanceTradeLog captures raw order acks for audit.
type BinanceTradeLog struct {
	ID        int64     `json:"id"`
	ModelID   string    `json:"model_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	OrderType string    `json:"order_type"`
	Payload   string    `json:"payload"` // raw JSON ack
	CreatedAt time.Time `json:"created_at"`
}
