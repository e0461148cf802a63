package engine

import (
	"context"

	"futures-ai-trader/internal/binance"
)

// HandleOrderUpdate processes an ORDER_TRADE_UPDATE from a model's
// user-data stream. Fills of resting conditional orders are settled through
// the same path as local triggers, minus the MARKET order the exchange
// already executed. Everything else is ignored; immediate orders settle on
// the REST ack.
func (e *Engine) HandleOrderUpdate(ctx context.Context, event *binance.OrderUpdateEvent) {
	order := event.Order
	if order.OrderStatus != "FILLED" {
		return
	}
	if order.OrderType != binance.OrderTypeStopMarket && order.OrderType != binance.OrderTypeTakeProfitMarket {
		return
	}

	algo, err := e.repo.FindNewAlgoByExchangeID(ctx, order.OrderID)
	if err != nil {
		e.logger.Error().Err(err).Int64("order_id", order.OrderID).Msg("algo lookup failed")
		return
	}
	if algo == nil {
		return // not ours, or already settled by the local supervisor
	}

	fillPrice := order.AveragePrice
	if fillPrice <= 0 {
		fillPrice = order.LastFilledPrice
	}

	e.logger.Info().
		Int64("algo_id", algo.AlgoID).
		Str("symbol", algo.Symbol).
		Float64("fill_price", fillPrice).
		Msg("exchange reported algo fill")

	if err := e.CompleteAlgoFill(ctx, algo, fillPrice, false); err != nil {
		e.logger.Error().Err(err).Int64("algo_id", algo.AlgoID).Msg("failed to settle exchange fill")
	}
}

// CancelRestingAlgos cancels every NEW algo for (model, symbol), used when
// an operator flattens a symbol by hand.
func (e *Engine) CancelRestingAlgos(ctx context.Context, modelID, symbol string) error {
	algos, err := e.repo.SelectNewAlgoOrdersBy(ctx, modelID, symbol)
	if err != nil {
		return err
	}
	for i := range algos {
		if err := e.CancelAlgo(ctx, &algos[i], "cancelled by operator"); err != nil {
			return err
		}
	}
	return nil
}
