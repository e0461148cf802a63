package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
)

// takerFeeRate is the flat taker commission applied to MARKET fills when
// the exchange ack does not carry one.
const takerFeeRate = 0.0004

// Repository is the persistence surface the engine mutates. *database.DB
// satisfies it.
type Repository interface {
	GetModel(ctx context.Context, id string) (*database.Model, error)
	InsertTrade(ctx context.Context, t *database.Trade) error
	InsertBinanceTradeLog(ctx context.Context, l *database.BinanceTradeLog) error
	CreateAlgoOrder(ctx context.Context, a *database.AlgoOrder) error
	SelectNewAlgoOrders(ctx context.Context) ([]database.AlgoOrder, error)
	SelectNewAlgoOrdersBy(ctx context.Context, modelID, symbol string) ([]database.AlgoOrder, error)
	UpdateAlgoStatus(ctx context.Context, id int64, status string, errorReason *string) error
	UpdateAlgoTradeIDAndStatus(ctx context.Context, id int64, tradeID int64, status string) error
	CancelNewAlgoOrdersExcept(ctx context.Context, modelID, symbol string, keepID int64) ([]database.AlgoOrder, error)
	FindNewAlgoByExchangeID(ctx context.Context, algoID int64) (*database.AlgoOrder, error)
	UpdateStrategyDecisionStatus(ctx context.Context, id, status string, tradeID *int64, errorReason *string) error
	GetPortfolio(ctx context.Context, modelID, symbol, side string) (*database.Portfolio, error)
	UpsertPortfolio(ctx context.Context, p *database.Portfolio) error
	DeletePortfolio(ctx context.Context, modelID, symbol, side string) error
}

// Exchange is the slice of the exchange client the engine drives.
// *binance.Client satisfies it.
type Exchange interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, params binance.OrderParams) (*binance.OrderResponse, error)
	PlaceAlgoOrder(ctx context.Context, params binance.AlgoOrderParams) (*binance.AlgoOrderResponse, error)
	CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// ExchangeResolver returns the exchange client for a model's credentials.
type ExchangeResolver func(model *database.Model) Exchange

// PriceSource yields the latest known price for a symbol.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, bool)
}

// Engine turns persisted strategy decisions into exchange orders and keeps
// portfolio rows in sync with fills. Per (model, symbol, side), at most one
// modifying operation runs at a time.
type Engine struct {
	repo    Repository
	resolve ExchangeResolver
	prices  PriceSource
	locks   *keyMutex
	logger  zerolog.Logger
}

// New creates an engine.
func New(repo Repository, resolve ExchangeResolver, prices PriceSource, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		resolve: resolve,
		prices:  prices,
		locks:   newKeyMutex(),
		logger:  logger.With().Str("component", "engine").Logger(),
	}
}

// ExecuteDecision routes a TRIGGERED decision down the immediate or the
// conditional path. It owns the decision's transition out of TRIGGERED:
// EXECUTED with a trade id on fill, REJECTED with a reason on any failure.
// Conditional decisions stay TRIGGERED until their algo order fills.
func (e *Engine) ExecuteDecision(ctx context.Context, model *database.Model, decision *database.StrategyDecision) error {
	exchange := e.resolve(model)

	var err error
	switch {
	case decision.Signal == database.SignalStopLoss || decision.Signal == database.SignalTakeProfit || decision.StopPrice != nil:
		err = e.placeConditional(ctx, exchange, model, decision)
	case decision.Signal == database.SignalBuyToLong || decision.Signal == database.SignalBuyToShort:
		err = e.openImmediate(ctx, exchange, model, decision)
	case decision.Signal == database.SignalClosePosition:
		err = e.closeImmediate(ctx, exchange, model, decision)
	default:
		err = fmt.Errorf("unsupported signal %q", decision.Signal)
	}

	if err != nil {
		reason := err.Error()
		if dbErr := e.repo.UpdateStrategyDecisionStatus(ctx, decision.ID, database.DecisionRejected, nil, &reason); dbErr != nil {
			e.logger.Error().Err(dbErr).Str("decision", decision.ID).Msg("failed to reject decision")
		}
		return err
	}
	return nil
}

// ==================== IMMEDIATE PATH ====================

func (e *Engine) openImmediate(ctx context.Context, exchange Exchange, model *database.Model, d *database.StrategyDecision) error {
	positionSide := binance.PositionSideLong
	orderSide := "BUY"
	if d.Signal == database.SignalBuyToShort {
		positionSide = binance.PositionSideShort
		orderSide = "SELL"
	}

	lock := e.locks.lock(model.ID, d.Symbol, positionSide)
	defer lock.Unlock()

	leverage := d.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if err := exchange.SetLeverage(ctx, d.Symbol, leverage); err != nil {
		// Leverage may already be set; the order decides.
		e.logger.Warn().Err(err).Str("symbol", d.Symbol).Int("leverage", leverage).Msg("set leverage failed")
	}

	ack, err := exchange.PlaceOrder(ctx, binance.OrderParams{
		Symbol:           d.Symbol,
		Side:             orderSide,
		Type:             binance.OrderTypeMarket,
		PositionSide:     positionSide,
		Quantity:         d.Quantity,
		NewClientOrderID: clientOrderID(),
	})
	if err != nil {
		return fmt.Errorf("market order failed: %w", err)
	}
	e.recordTradeLog(ctx, model.ID, d.Symbol, "MARKET", ack)

	fillPrice := e.fillPrice(ctx, exchange, d.Symbol, ack.AvgPrice)
	fee := fillPrice * d.Quantity * takerFeeRate

	trade := &database.Trade{
		ModelID:  model.ID,
		Symbol:   d.Symbol,
		Side:     "buy",
		Signal:   d.Signal,
		Quantity: d.Quantity,
		Price:    fillPrice,
		Fee:      fee,
	}
	if err := e.repo.InsertTrade(ctx, trade); err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}

	if err := e.applyOpen(ctx, model.ID, d.Symbol, positionSide, d.Quantity, fillPrice, leverage); err != nil {
		return err
	}

	e.logger.Info().
		Str("model", model.ID).
		Str("symbol", d.Symbol).
		Str("signal", d.Signal).
		Float64("qty", d.Quantity).
		Float64("price", fillPrice).
		Msg("position opened")

	return e.repo.UpdateStrategyDecisionStatus(ctx, d.ID, database.DecisionExecuted, &trade.ID, nil)
}

func (e *Engine) closeImmediate(ctx context.Context, exchange Exchange, model *database.Model, d *database.StrategyDecision) error {
	position, err := e.findPosition(ctx, model.ID, d.Symbol)
	if err != nil {
		return err
	}

	lock := e.locks.lock(model.ID, d.Symbol, position.Side)
	defer lock.Unlock()

	qty := d.Quantity
	if qty > position.Quantity {
		qty = position.Quantity
	}

	orderSide := "SELL"
	if position.Side == binance.PositionSideShort {
		orderSide = "BUY"
	}

	ack, err := exchange.PlaceOrder(ctx, binance.OrderParams{
		Symbol:           d.Symbol,
		Side:             orderSide,
		Type:             binance.OrderTypeMarket,
		PositionSide:     position.Side,
		Quantity:         qty,
		ReduceOnly:       true,
		NewClientOrderID: clientOrderID(),
	})
	if err != nil {
		return fmt.Errorf("market close failed: %w", err)
	}
	e.recordTradeLog(ctx, model.ID, d.Symbol, "MARKET", ack)

	exitPrice := e.fillPrice(ctx, exchange, d.Symbol, ack.AvgPrice)
	trade, err := e.settleClose(ctx, model.ID, position, qty, exitPrice, d.Signal)
	if err != nil {
		return err
	}
	return e.repo.UpdateStrategyDecisionStatus(ctx, d.ID, database.DecisionExecuted, &trade.ID, nil)
}

// settleClose writes the closing trade with realized pnl and shrinks or
// removes the portfolio row. Callers hold the position lock.
func (e *Engine) settleClose(ctx context.Context, modelID string, position *database.Portfolio, qty, exitPrice float64, signal string) (*database.Trade, error) {
	fee := exitPrice * qty * takerFeeRate
	pnl := RealizedPnL(position.Side, position.AvgEntryPrice, exitPrice, qty, fee)

	trade := &database.Trade{
		ModelID:  modelID,
		Symbol:   position.Symbol,
		Side:     "sell",
		Signal:   signal,
		Quantity: qty,
		Price:    exitPrice,
		Fee:      fee,
		PnL:      &pnl,
	}
	if err := e.repo.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record closing trade: %w", err)
	}

	remaining := position.Quantity - qty
	if remaining <= 0 {
		if err := e.repo.DeletePortfolio(ctx, modelID, position.Symbol, position.Side); err != nil {
			return nil, fmt.Errorf("failed to remove closed position: %w", err)
		}
	} else {
		scale := remaining / position.Quantity
		update := *position
		update.Quantity = remaining
		update.InitialMargin = position.InitialMargin * scale
		if err := e.repo.UpsertPortfolio(ctx, &update); err != nil {
			return nil, fmt.Errorf("failed to shrink position: %w", err)
		}
	}

	e.logger.Info().
		Str("model", modelID).
		Str("symbol", position.Symbol).
		Str("side", position.Side).
		Float64("qty", qty).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Msg("position closed")
	return trade, nil
}

// applyOpen merges a fill into the portfolio row, averaging the entry.
func (e *Engine) applyOpen(ctx context.Context, modelID, symbol, side string, qty, price float64, leverage int) error {
	existing, err := e.repo.GetPortfolio(ctx, modelID, symbol, side)
	if err != nil {
		return fmt.Errorf("failed to load portfolio: %w", err)
	}

	margin := price * qty / float64(leverage)
	row := &database.Portfolio{
		ModelID:       modelID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		AvgEntryPrice: price,
		InitialMargin: margin,
		Leverage:      leverage,
	}
	if existing != nil {
		total := existing.Quantity + qty
		row.AvgEntryPrice = (existing.AvgEntryPrice*existing.Quantity + price*qty) / total
		row.Quantity = total
		row.InitialMargin = existing.InitialMargin + margin
	}
	if err := e.repo.UpsertPortfolio(ctx, row); err != nil {
		return fmt.Errorf("failed to upsert portfolio: %w", err)
	}
	return nil
}

// ==================== CONDITIONAL PATH ====================

func (e *Engine) placeConditional(ctx context.Context, exchange Exchange, model *database.Model, d *database.StrategyDecision) error {
	trigger, err := triggerPriceOf(d)
	if err != nil {
		return err
	}

	orderType := binance.OrderTypeStopMarket
	if d.Signal == database.SignalTakeProfit {
		orderType = binance.OrderTypeTakeProfitMarket
	}

	var positionSide, orderSide string
	switch d.Signal {
	case database.SignalBuyToLong:
		positionSide, orderSide = binance.PositionSideLong, "BUY"
	case database.SignalBuyToShort:
		positionSide, orderSide = binance.PositionSideShort, "SELL"
	default:
		// Closing algo: resolve the position it protects.
		position, err := e.findPosition(ctx, model.ID, d.Symbol)
		if err != nil {
			return err
		}
		positionSide = position.Side
		orderSide = "SELL"
		if position.Side == binance.PositionSideShort {
			orderSide = "BUY"
		}
	}

	lock := e.locks.lock(model.ID, d.Symbol, positionSide)
	defer lock.Unlock()

	clientID := clientOrderID()
	ack, err := exchange.PlaceAlgoOrder(ctx, binance.AlgoOrderParams{
		Symbol:       d.Symbol,
		Side:         orderSide,
		Type:         orderType,
		PositionSide: positionSide,
		Quantity:     d.Quantity,
		TriggerPrice: trigger,
		ReduceOnly:   orderSide != "BUY" && positionSide == binance.PositionSideLong || orderSide == "BUY" && positionSide == binance.PositionSideShort,
		ClientAlgoID: clientID,
	})
	if err != nil {
		return fmt.Errorf("algo order failed: %w", err)
	}

	algo := &database.AlgoOrder{
		AlgoID:             ack.AlgoID,
		ClientAlgoID:       clientID,
		Type:               "CONDITIONAL",
		AlgoType:           "CONDITIONAL",
		OrderType:          orderType,
		Symbol:             d.Symbol,
		Side:               orderSide,
		PositionSide:       positionSide,
		Quantity:           d.Quantity,
		TriggerPrice:       trigger,
		ModelID:            model.ID,
		StrategyDecisionID: &d.ID,
	}
	if err := e.repo.CreateAlgoOrder(ctx, algo); err != nil {
		return fmt.Errorf("failed to persist algo order: %w", err)
	}

	e.logger.Info().
		Str("model", model.ID).
		Str("symbol", d.Symbol).
		Str("order_type", orderType).
		Float64("trigger", trigger).
		Int64("algo_id", ack.AlgoID).
		Msg("conditional order placed")

	e.supersede(ctx, exchange, model.ID, d.Symbol, algo.ID)
	return nil
}

// supersede cancels older NEW algos for (model, symbol), locally and on the
// exchange. The newest algo wins.
func (e *Engine) supersede(ctx context.Context, exchange Exchange, modelID, symbol string, keepID int64) {
	cancelled, err := e.repo.CancelNewAlgoOrdersExcept(ctx, modelID, symbol, keepID)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("supersession query failed")
		return
	}
	for _, old := range cancelled {
		if err := exchange.CancelAlgoOrder(ctx, symbol, old.AlgoID); err != nil {
			e.logger.Warn().Err(err).Int64("algo_id", old.AlgoID).Msg("exchange cancel failed for superseded algo")
		}
		if old.StrategyDecisionID != nil {
			reason := "superseded"
			if err := e.repo.UpdateStrategyDecisionStatus(ctx, *old.StrategyDecisionID, database.DecisionRejected, nil, &reason); err != nil {
				e.logger.Warn().Err(err).Str("decision", *old.StrategyDecisionID).Msg("failed to reject superseded decision")
			}
		}
		e.logger.Info().Int64("algo_id", old.AlgoID).Str("symbol", symbol).Msg("algo superseded")
	}
}

// ==================== ALGO COMPLETION ====================

// CompleteAlgoFill settles a NEW algo order that fired: it writes the trade,
// flips the algo to FILLED, reconciles the portfolio and links the decision.
// placeMarket is true when the fill is a local defensive trigger and the
// MARKET order still has to be sent.
func (e *Engine) CompleteAlgoFill(ctx context.Context, algo *database.AlgoOrder, fillPrice float64, placeMarket bool) error {
	model, err := e.repo.GetModel(ctx, algo.ModelID)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if model == nil {
		return fmt.Errorf("algo %d references missing model %s", algo.ID, algo.ModelID)
	}
	exchange := e.resolve(model)

	lock := e.locks.lock(algo.ModelID, algo.Symbol, algo.PositionSide)
	defer lock.Unlock()

	if placeMarket {
		ack, err := exchange.PlaceOrder(ctx, binance.OrderParams{
			Symbol:           algo.Symbol,
			Side:             algo.Side,
			Type:             binance.OrderTypeMarket,
			PositionSide:     algo.PositionSide,
			Quantity:         algo.Quantity,
			ReduceOnly:       !isOpeningAlgo(algo),
			NewClientOrderID: clientOrderID(),
		})
		if err != nil {
			return fmt.Errorf("local trigger market order failed: %w", err)
		}
		e.recordTradeLog(ctx, algo.ModelID, algo.Symbol, "MARKET", ack)
		if ack.AvgPrice > 0 {
			fillPrice = ack.AvgPrice
		}
	}

	if isOpeningAlgo(algo) {
		return e.completeOpeningAlgo(ctx, model, algo, fillPrice)
	}
	return e.completeClosingAlgo(ctx, model, algo, fillPrice)
}

func (e *Engine) completeOpeningAlgo(ctx context.Context, model *database.Model, algo *database.AlgoOrder, fillPrice float64) error {
	fee := fillPrice * algo.Quantity * takerFeeRate
	trade := &database.Trade{
		ModelID:  model.ID,
		Symbol:   algo.Symbol,
		Side:     "buy",
		Signal:   database.SignalBuyToLong,
		Quantity: algo.Quantity,
		Price:    fillPrice,
		Fee:      fee,
	}
	if algo.PositionSide == binance.PositionSideShort {
		trade.Signal = database.SignalBuyToShort
	}
	if err := e.repo.InsertTrade(ctx, trade); err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	if err := e.repo.UpdateAlgoTradeIDAndStatus(ctx, algo.ID, trade.ID, database.AlgoStatusFilled); err != nil {
		return fmt.Errorf("failed to fill algo: %w", err)
	}

	leverage := model.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if err := e.applyOpen(ctx, model.ID, algo.Symbol, algo.PositionSide, algo.Quantity, fillPrice, leverage); err != nil {
		return err
	}
	return e.linkDecision(ctx, algo, trade.ID)
}

func (e *Engine) completeClosingAlgo(ctx context.Context, model *database.Model, algo *database.AlgoOrder, fillPrice float64) error {
	position, err := e.repo.GetPortfolio(ctx, model.ID, algo.Symbol, algo.PositionSide)
	if err != nil {
		return fmt.Errorf("failed to load portfolio: %w", err)
	}
	if position == nil {
		// Nothing left to close; still retire the algo.
		reason := "position already closed"
		return e.repo.UpdateAlgoStatus(ctx, algo.ID, database.AlgoStatusCancelled, &reason)
	}

	qty := algo.Quantity
	if qty > position.Quantity {
		qty = position.Quantity
	}
	signal := database.SignalStopLoss
	if algo.OrderType == binance.OrderTypeTakeProfitMarket {
		signal = database.SignalTakeProfit
	}

	trade, err := e.settleClose(ctx, model.ID, position, qty, fillPrice, signal)
	if err != nil {
		return err
	}
	if err := e.repo.UpdateAlgoTradeIDAndStatus(ctx, algo.ID, trade.ID, database.AlgoStatusFilled); err != nil {
		return fmt.Errorf("failed to fill algo: %w", err)
	}
	return e.linkDecision(ctx, algo, trade.ID)
}

func (e *Engine) linkDecision(ctx context.Context, algo *database.AlgoOrder, tradeID int64) error {
	if algo.StrategyDecisionID == nil {
		return nil
	}
	return e.repo.UpdateStrategyDecisionStatus(ctx, *algo.StrategyDecisionID, database.DecisionExecuted, &tradeID, nil)
}

// CancelAlgo cancels a resting algo locally and on the exchange.
func (e *Engine) CancelAlgo(ctx context.Context, algo *database.AlgoOrder, reason string) error {
	model, err := e.repo.GetModel(ctx, algo.ModelID)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if model != nil {
		if err := e.resolve(model).CancelAlgoOrder(ctx, algo.Symbol, algo.AlgoID); err != nil {
			e.logger.Warn().Err(err).Int64("algo_id", algo.AlgoID).Msg("exchange cancel failed")
		}
	}
	return e.repo.UpdateAlgoStatus(ctx, algo.ID, database.AlgoStatusCancelled, &reason)
}

// LiquidatePosition submits a full-quantity reduce-only MARKET close for a
// position and settles the trade and portfolio row. Used by the
// auto-liquidation loop and manual flatten operations.
func (e *Engine) LiquidatePosition(ctx context.Context, model *database.Model, position *database.Portfolio) (*database.Trade, error) {
	exchange := e.resolve(model)

	lock := e.locks.lock(model.ID, position.Symbol, position.Side)
	defer lock.Unlock()

	// Re-read under the lock; a concurrent fill may have closed it already.
	current, err := e.repo.GetPortfolio(ctx, model.ID, position.Symbol, position.Side)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}
	if current == nil || current.Quantity <= 0 {
		return nil, nil
	}

	orderSide := "SELL"
	if current.Side == binance.PositionSideShort {
		orderSide = "BUY"
	}
	ack, err := exchange.PlaceOrder(ctx, binance.OrderParams{
		Symbol:           current.Symbol,
		Side:             orderSide,
		Type:             binance.OrderTypeMarket,
		PositionSide:     current.Side,
		Quantity:         current.Quantity,
		ReduceOnly:       true,
		NewClientOrderID: clientOrderID(),
	})
	if err != nil {
		return nil, fmt.Errorf("liquidation order failed: %w", err)
	}
	e.recordTradeLog(ctx, model.ID, current.Symbol, "MARKET", ack)

	exitPrice := e.fillPrice(ctx, exchange, current.Symbol, ack.AvgPrice)
	return e.settleClose(ctx, model.ID, current, current.Quantity, exitPrice, database.SignalClosePosition)
}

// ==================== HELPERS ====================

// RealizedPnL computes the realized profit for a close: long positions gain
// when exit exceeds entry, shorts the other way around, fee deducted.
func RealizedPnL(side string, entry, exit, qty, fee float64) float64 {
	if side == binance.PositionSideShort {
		return (entry-exit)*qty - fee
	}
	return (exit-entry)*qty - fee
}

// isOpeningAlgo distinguishes a conditional entry from a protective close.
func isOpeningAlgo(a *database.AlgoOrder) bool {
	long := a.PositionSide == binance.PositionSideLong
	return (a.Side == "BUY") == long
}

// findPosition resolves the portfolio row a closing signal refers to. One
// side at most is expected per (model, symbol) in practice; LONG wins if
// both exist.
func (e *Engine) findPosition(ctx context.Context, modelID, symbol string) (*database.Portfolio, error) {
	for _, side := range []string{binance.PositionSideLong, binance.PositionSideShort} {
		p, err := e.repo.GetPortfolio(ctx, modelID, symbol, side)
		if err != nil {
			return nil, fmt.Errorf("failed to load portfolio: %w", err)
		}
		if p != nil && p.Quantity > 0 {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no open position for %s", symbol)
}

func (e *Engine) fillPrice(ctx context.Context, exchange Exchange, symbol string, ackPrice float64) float64 {
	if ackPrice > 0 {
		return ackPrice
	}
	if price, ok := e.prices.GetPrice(ctx, symbol); ok {
		return price
	}
	if price, err := exchange.GetCurrentPrice(ctx, symbol); err == nil {
		return price
	}
	return 0
}

func triggerPriceOf(d *database.StrategyDecision) (float64, error) {
	if d.StopPrice != nil && *d.StopPrice > 0 {
		return *d.StopPrice, nil
	}
	if d.Price != nil && *d.Price > 0 {
		return *d.Price, nil
	}
	return 0, fmt.Errorf("conditional decision has no trigger price")
}

func (e *Engine) recordTradeLog(ctx context.Context, modelID, symbol, orderType string, ack *binance.OrderResponse) {
	log := &database.BinanceTradeLog{
		ModelID:   modelID,
		Symbol:    symbol,
		Side:      ack.Side,
		OrderType: orderType,
		Payload:   fmt.Sprintf(`{"orderId":%d,"status":%q,"avgPrice":%g,"executedQty":%g}`, ack.OrderID, ack.Status, ack.AvgPrice, ack.ExecutedQty),
	}
	if err := e.repo.InsertBinanceTradeLog(ctx, log); err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to record trade log")
	}
}

func clientOrderID() string {
	return "fat-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
