package binance

import "time"

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	// FuturesStreamURL is the production futures WebSocket endpoint
	FuturesStreamURL = "wss://fstream.binance.com"
	// FuturesTestnetStreamURL is the testnet futures WebSocket endpoint
	FuturesTestnetStreamURL = "wss://stream.binancefuture.com"
)

// Order types used by the platform
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Position sides in hedge mode
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

// ==================== ACCOUNT ====================

// AccountInfo is the /fapi/v2/account response subset the platform reads.
type AccountInfo struct {
	TotalWalletBalance    float64        `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64        `json:"totalUnrealizedProfit,string"`
	AvailableBalance      float64        `json:"availableBalance,string"`
	TotalCrossWalletBal   float64        `json:"totalCrossWalletBalance,string"`
	TotalCrossUnPnl       float64        `json:"totalCrossUnPnl,string"`
	Assets                []AccountAsset `json:"assets"`
}

// AccountAsset is one asset entry of the account response.
type AccountAsset struct {
	Asset              string  `json:"asset"`
	WalletBalance      float64 `json:"walletBalance,string"`
	AvailableBalance   float64 `json:"availableBalance,string"`
	CrossWalletBalance float64 `json:"crossWalletBalance,string"`
	CrossUnPnl         float64 `json:"crossUnPnl,string"`
}

// Position is one /fapi/v2/positionRisk entry.
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	IsolatedMargin   float64 `json:"isolatedMargin,string"`
	PositionSide     string  `json:"positionSide"`
}

// ==================== ORDERS ====================

// OrderParams carries the parameters for an immediate order.
type OrderParams struct {
	Symbol           string
	Side             string // BUY or SELL
	Type             string
	PositionSide     string
	Quantity         float64
	Price            float64
	ReduceOnly       bool
	NewClientOrderID string
}

// OrderResponse is the exchange ack for /fapi/v1/order.
type OrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	AvgPrice      float64 `json:"avgPrice,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	OrigQty       float64 `json:"origQty,string"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	Type          string  `json:"type"`
	UpdateTime    int64   `json:"updateTime"`
}

// AlgoOrderParams carries the parameters for a resting conditional order.
type AlgoOrderParams struct {
	Symbol        string
	Side          string
	Type          string // STOP_MARKET or TAKE_PROFIT_MARKET
	PositionSide  string
	Quantity      float64
	TriggerPrice  float64
	Price         float64
	ClosePosition bool
	ReduceOnly    bool
	ClientAlgoID  string
}

// AlgoOrderResponse is the exchange ack for /fapi/v1/algoOrder.
type AlgoOrderResponse struct {
	AlgoID       int64  `json:"algoId"`
	ClientAlgoID string `json:"clientAlgoId"`
	Success      bool   `json:"success"`
	Code         int    `json:"code"`
	Msg          string `json:"msg"`
}

// ==================== MARKET DATA ====================

// Kline is one candle from /fapi/v1/klines.
type Kline struct {
	OpenTime    int64   `json:"open_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CloseTime   int64   `json:"close_time"`
	QuoteVolume float64 `json:"quote_volume"`
	TradeCount  int     `json:"trade_count"`
}

// TickerEvent is one entry of the !ticker@arr all-market stream.
type TickerEvent struct {
	EventType   string  `json:"e"`
	EventTime   int64   `json:"E"`
	Symbol      string  `json:"s"`
	LastPrice   float64 `json:"c,string"`
	OpenPrice   float64 `json:"o,string"`
	HighPrice   float64 `json:"h,string"`
	LowPrice    float64 `json:"l,string"`
	BaseVolume  float64 `json:"v,string"`
	QuoteVolume float64 `json:"q,string"`
}

// KlineEvent is one kline stream payload.
type KlineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// KlinePayload is the candle body of a kline stream event.
type KlinePayload struct {
	StartTime int64   `json:"t"`
	CloseTime int64   `json:"T"`
	Symbol    string  `json:"s"`
	Interval  string  `json:"i"`
	Open      float64 `json:"o,string"`
	Close     float64 `json:"c,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Volume    float64 `json:"v,string"`
	IsClosed  bool    `json:"x"`
}

// ==================== USER DATA STREAM ====================

// ListenKeyResponse is the /fapi/v1/listenKey response.
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// OrderUpdateEvent is an ORDER_TRADE_UPDATE stream event.
type OrderUpdateEvent struct {
	EventType       string          `json:"e"`
	EventTime       int64           `json:"E"`
	TransactionTime int64           `json:"T"`
	Order           OrderUpdateData `json:"o"`
}

// OrderUpdateData is the order body of an ORDER_TRADE_UPDATE event.
type OrderUpdateData struct {
	Symbol              string  `json:"s"`
	ClientOrderID       string  `json:"c"`
	Side                string  `json:"S"`
	OrderType           string  `json:"o"`
	OriginalQuantity    float64 `json:"q,string"`
	AveragePrice        float64 `json:"ap,string"`
	StopPrice           float64 `json:"sp,string"`
	ExecutionType       string  `json:"x"`
	OrderStatus         string  `json:"X"`
	OrderID             int64   `json:"i"`
	LastFilledQty       float64 `json:"l,string"`
	CumulativeFilledQty float64 `json:"z,string"`
	LastFilledPrice     float64 `json:"L,string"`
	Commission          float64 `json:"n,string"`
	TradeID             int64   `json:"t"`
	PositionSide        string  `json:"ps"`
	RealizedProfit      float64 `json:"rp,string"`
}

// StreamHealth summarizes a WebSocket connection for monitoring.
type StreamHealth struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	Reconnects    int       `json:"reconnects"`
	Symbols       int       `json:"symbols"`
}
