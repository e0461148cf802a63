package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== TRADES ====================

// InsertTrade appends an executed trade.
func (db *DB) InsertTrade(ctx context.Context, t *Trade) error {
	query := `
		INSERT INTO trades (model_id, symbol, side, signal, quantity, price, fee, pnl, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	now := time.Now().UTC()
	err := db.Pool.QueryRow(ctx, query,
		t.ModelID, t.Symbol, t.Side, t.Signal, t.Quantity, t.Price, t.Fee, t.PnL, now,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	t.CreatedAt = now
	return nil
}

// ListTrades returns recent trades for a model.
func (db *DB) ListTrades(ctx context.Context, modelID string, limit int) ([]Trade, error) {
	query := `
		SELECT id, model_id, symbol, side, signal, quantity, price, fee, pnl, created_at
		FROM trades WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.ModelID, &t.Symbol, &t.Side, &t.Signal, &t.Quantity, &t.Price, &t.Fee, &t.PnL, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ==================== ALGO ORDERS ====================

const algoColumns = `id, algo_id, client_algo_id, type, algo_type, order_type, symbol, side,
		position_side, quantity, trigger_price, limit_price, status, model_id,
		strategy_decision_id, trade_id, error_reason, created_at, updated_at`

func scanAlgo(row interface{ Scan(...any) error }) (*AlgoOrder, error) {
	a := &AlgoOrder{}
	err := row.Scan(
		&a.ID, &a.AlgoID, &a.ClientAlgoID, &a.Type, &a.AlgoType, &a.OrderType, &a.Symbol, &a.Side,
		&a.PositionSide, &a.Quantity, &a.TriggerPrice, &a.LimitPrice, &a.Status, &a.ModelID,
		&a.StrategyDecisionID, &a.TradeID, &a.ErrorReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAlgoOrder persists a resting conditional order in NEW state.
func (db *DB) CreateAlgoOrder(ctx context.Context, a *AlgoOrder) error {
	a.Status = AlgoStatusNew
	now := time.Now().UTC()
	query := `
		INSERT INTO algo_orders (
			algo_id, client_algo_id, type, algo_type, order_type, symbol, side,
			position_side, quantity, trigger_price, limit_price, status, model_id,
			strategy_decision_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING id`

	err := db.Pool.QueryRow(ctx, query,
		a.AlgoID, a.ClientAlgoID, a.Type, a.AlgoType, a.OrderType, a.Symbol, a.Side,
		a.PositionSide, a.Quantity, a.TriggerPrice, a.LimitPrice, a.Status, a.ModelID,
		a.StrategyDecisionID, now,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create algo order: %w", err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// SelectNewAlgoOrders returns every NEW algo order, oldest first.
func (db *DB) SelectNewAlgoOrders(ctx context.Context) ([]AlgoOrder, error) {
	query := `SELECT ` + algoColumns + ` FROM algo_orders WHERE status = 'NEW' ORDER BY created_at ASC`
	return db.queryAlgos(ctx, query)
}

// SelectNewAlgoOrdersBy returns NEW algo orders for (model, symbol).
func (db *DB) SelectNewAlgoOrdersBy(ctx context.Context, modelID, symbol string) ([]AlgoOrder, error) {
	query := `SELECT ` + algoColumns + ` FROM algo_orders
		WHERE status = 'NEW' AND model_id = $1 AND symbol = $2 ORDER BY created_at ASC`
	return db.queryAlgos(ctx, query, modelID, symbol)
}

func (db *DB) queryAlgos(ctx context.Context, query string, args ...any) ([]AlgoOrder, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query algo orders: %w", err)
	}
	defer rows.Close()

	var out []AlgoOrder
	for rows.Next() {
		a, err := scanAlgo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan algo order: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAlgoStatus transitions a NEW algo order to a terminal state.
// Terminal rows never transition again.
func (db *DB) UpdateAlgoStatus(ctx context.Context, id int64, status string, errorReason *string) error {
	if status != AlgoStatusFilled && status != AlgoStatusCancelled {
		return fmt.Errorf("invalid algo transition to %q", status)
	}
	query := `
		UPDATE algo_orders SET status = $2, error_reason = $3, updated_at = $4
		WHERE id = $1 AND status = 'NEW'`

	_, err := db.Pool.Exec(ctx, query, id, status, errorReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update algo status: %w", err)
	}
	return nil
}

// UpdateAlgoTradeIDAndStatus records the executing trade and transitions the
// algo order in one statement.
func (db *DB) UpdateAlgoTradeIDAndStatus(ctx context.Context, id int64, tradeID int64, status string) error {
	if status != AlgoStatusFilled {
		return fmt.Errorf("trade id may only be attached on FILLED, got %q", status)
	}
	query := `
		UPDATE algo_orders SET status = $2, trade_id = $3, updated_at = $4
		WHERE id = $1 AND status = 'NEW'`

	_, err := db.Pool.Exec(ctx, query, id, status, tradeID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to attach trade to algo order: %w", err)
	}
	return nil
}

// CancelNewAlgoOrdersExcept cancels every NEW algo order for (model, symbol)
// other than keepID. Used for supersession when a newer conditional order
// replaces older ones on the same pair.
func (db *DB) CancelNewAlgoOrdersExcept(ctx context.Context, modelID, symbol string, keepID int64) ([]AlgoOrder, error) {
	query := `
		UPDATE algo_orders SET status = 'CANCELLED', error_reason = 'superseded', updated_at = $4
		WHERE model_id = $1 AND symbol = $2 AND status = 'NEW' AND id <> $3
		RETURNING ` + algoColumns

	rows, err := db.Pool.Query(ctx, query, modelID, symbol, keepID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to supersede algo orders: %w", err)
	}
	defer rows.Close()

	var out []AlgoOrder
	for rows.Next() {
		a, err := scanAlgo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan superseded algo: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// FindNewAlgoByExchangeID locates a NEW algo order by the exchange-side id,
// used when the user-data stream reports a fill.
func (db *DB) FindNewAlgoByExchangeID(ctx context.Context, algoID int64) (*AlgoOrder, error) {
	query := `SELECT ` + algoColumns + ` FROM algo_orders WHERE algo_id = $1 AND status = 'NEW' LIMIT 1`
	algos, err := db.queryAlgos(ctx, query, algoID)
	if err != nil {
		return nil, err
	}
	if len(algos) == 0 {
		return nil, nil
	}
	return &algos[0], nil
}

// ListAlgoOrders returns recent algo orders for a model.
func (db *DB) ListAlgoOrders(ctx context.Context, modelID string, limit int) ([]AlgoOrder, error) {
	query := `SELECT ` + algoColumns + ` FROM algo_orders WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2`
	return db.queryAlgos(ctx, query, modelID, limit)
}

// ==================== TRADE LOGS ====================

// InsertBinanceTradeLog captures a raw order ack for audit.
func (db *DB) InsertBinanceTradeLog(ctx context.Context, l *BinanceTradeLog) error {
	query := `
		INSERT INTO binance_trade_logs (model_id, symbol, side, order_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	now := time.Now().UTC()
	err := db.Pool.QueryRow(ctx, query, l.ModelID, l.Symbol, l.Side, l.OrderType, l.Payload, now).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("failed to insert trade log: %w", err)
	}
	l.CreatedAt = now
	return nil
}
