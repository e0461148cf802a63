package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"futures-ai-trader/internal/logging"
)

// maxKlineLimit is the largest candle batch a single request may return.
const maxKlineLimit = 500

// Client is a futures REST client bound to one credential pair. Models
// carry their own keys, so the engine holds one Client per model plus a
// credential-less client for public market data.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a futures client. Empty credentials restrict the
// client to public endpoints.
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	// Whitespace in keys breaks signature generation.
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logging.WithComponent("binance_client"),
	}
}

// ==================== ACCOUNT ====================

// GetAccountInfo retrieves the futures account snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	resp, err := c.signedGet(ctx, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account info: %w", err)
	}
	var info AccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("failed to parse account info: %w", err)
	}
	return &info, nil
}

// GetPositions retrieves all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	resp, err := c.signedGet(ctx, "/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}
	return positions, nil
}

// SetLeverage sets the leverage for a symbol before opening a position.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.signedPost(ctx, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}
	return nil
}

// ==================== TRADING ====================

// PlaceOrder submits an immediate (MARKET or LIMIT) order.
func (c *Client) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	reqParams := map[string]string{
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     params.Type,
		"quantity": strconv.FormatFloat(params.Quantity, 'f', -1, 64),
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = params.PositionSide
	}
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
		reqParams["timeInForce"] = "GTC"
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.NewClientOrderID != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderID
	}

	resp, err := c.signedPost(ctx, "/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	var orderResp OrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return &orderResp, nil
}

// PlaceAlgoOrder submits a conditional order through the algo endpoint.
func (c *Client) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	reqParams := map[string]string{
		"algoType": "CONDITIONAL",
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     params.Type,
	}
	if params.TriggerPrice > 0 {
		reqParams["triggerPrice"] = strconv.FormatFloat(params.TriggerPrice, 'f', -1, 64)
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = params.PositionSide
	}
	if params.Quantity > 0 && !params.ClosePosition {
		reqParams["quantity"] = strconv.FormatFloat(params.Quantity, 'f', -1, 64)
	}
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.ClosePosition {
		reqParams["closePosition"] = "true"
	}
	if params.ReduceOnly && !params.ClosePosition {
		reqParams["reduceOnly"] = "true"
	}
	if params.ClientAlgoID != "" {
		reqParams["clientAlgoId"] = params.ClientAlgoID
	}

	resp, err := c.signedPost(ctx, "/fapi/v1/algoOrder", reqParams)
	if err != nil {
		return nil, fmt.Errorf("failed to place algo order: %w", err)
	}
	var algoResp AlgoOrderResponse
	if err := json.Unmarshal(resp, &algoResp); err != nil {
		return nil, fmt.Errorf("failed to parse algo order response: %w", err)
	}
	return &algoResp, nil
}

// CancelAlgoOrder cancels a resting conditional order on the exchange.
func (c *Client) CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error {
	_, err := c.signedDelete(ctx, "/fapi/v1/algoOrder", map[string]string{
		"symbol": symbol,
		"algoId": strconv.FormatInt(algoID, 10),
	})
	if err != nil {
		return fmt.Errorf("failed to cancel algo order %d: %w", algoID, err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetCurrentPrice retrieves the latest traded price for a symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return priceResp.Price, nil
}

// GetKlines retrieves candles for a symbol and interval. The limit is
// capped at the exchange maximum per request.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	resp, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 9 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:    asInt64(row[0]),
			Open:        parseFloat(row[1]),
			High:        parseFloat(row[2]),
			Low:         parseFloat(row[3]),
			Close:       parseFloat(row[4]),
			Volume:      parseFloat(row[5]),
			CloseTime:   asInt64(row[6]),
			QuoteVolume: parseFloat(row[7]),
			TradeCount:  int(asInt64(row[8])),
		})
	}
	return klines, nil
}

// GetFuturesSymbols retrieves all trading USDT perpetual symbols.
func (c *Client) GetFuturesSymbols(ctx context.Context) ([]string, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	var info struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// ==================== USER DATA STREAM ====================

// GetListenKey creates a user data stream listen key.
func (c *Client) GetListenKey(ctx context.Context) (string, error) {
	resp, err := c.signedPost(ctx, "/fapi/v1/listenKey", map[string]string{})
	if err != nil {
		return "", fmt.Errorf("failed to get listen key: %w", err)
	}
	var lk ListenKeyResponse
	if err := json.Unmarshal(resp, &lk); err != nil {
		return "", fmt.Errorf("failed to parse listen key: %w", err)
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.signedRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey})
	if err != nil {
		return fmt.Errorf("failed to keep listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.signedDelete(ctx, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey})
	if err != nil {
		return fmt.Errorf("failed to close listen key: %w", err)
	}
	return nil
}

// ==================== HTTP HELPERS ====================

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
}

func (c *Client) signedGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodGet, endpoint, params)
}

func (c *Client) signedPost(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodPost, endpoint, params)
}

func (c *Client) signedDelete(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodDelete, endpoint, params)
}

func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		// Timestamp is refreshed per attempt so retries stay in recvWindow.
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", "10000")
		query := values.Encode()
		query += "&signature=" + c.sign(query)

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return req, nil
	})
}

func (c *Client) doWithRetry(ctx context.Context, endpoint string, build func() (*http.Request, error)) ([]byte, error) {
	limiter := GetRateLimiter()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !limiter.WaitForSlot(c.apiKey, endpoint, 30*time.Second) {
			return nil, fmt.Errorf("rate limit: circuit open for %s", endpoint)
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				c.sleepRetry(ctx, endpoint, attempt, err)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, werr := strconv.Atoi(usedWeight); werr == nil {
				limiter.UpdateFromHeaders(c.apiKey, weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := ParseAPIError(resp.StatusCode, body)
			lastErr = apiErr

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
				limiter.RecordRateLimitError(c.apiKey, ParseBanUntil(string(body)))
			}
			if IsRetryable(apiErr) && attempt < maxRetries {
				c.sleepRetry(ctx, endpoint, attempt, apiErr)
				continue
			}
			return nil, apiErr
		}
		return body, nil
	}
	return nil, lastErr
}

func (c *Client) sleepRetry(ctx context.Context, endpoint string, attempt int, err error) {
	delay := retryDelay(attempt)
	c.logger.Warn("request failed, retrying",
		"endpoint", endpoint, "attempt", attempt+1, "delay", delay.String(), "error", err)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func asInt64(v interface{}) int64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int64(f)
}
