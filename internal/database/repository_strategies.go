package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ==================== STRATEGIES ====================

// CreateStrategy inserts a strategy row.
func (db *DB) CreateStrategy(ctx context.Context, s *Strategy) error {
	if s.Type != "buy" && s.Type != "sell" {
		return fmt.Errorf("strategy type must be buy or sell, got %q", s.Type)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode strategy metadata: %w", err)
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO strategies (id, name, type, program, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	if _, err := db.Pool.Exec(ctx, query, s.ID, s.Name, s.Type, s.Program, meta, now); err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// UpdateStrategyProgram replaces a strategy's program text.
func (db *DB) UpdateStrategyProgram(ctx context.Context, id, program string) error {
	query := `UPDATE strategies SET program = $2, updated_at = $3 WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, query, id, program, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update strategy program: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("strategy %s not found", id)
	}
	return nil
}

func scanStrategy(row interface{ Scan(...any) error }) (*Strategy, error) {
	s := &Strategy{}
	var meta []byte
	if err := row.Scan(&s.ID, &s.Name, &s.Type, &s.Program, &meta, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &s.Metadata)
	}
	return s, nil
}

// GetStrategy retrieves a strategy by id; nil when absent.
func (db *DB) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	query := `SELECT id, name, type, program, metadata, created_at, updated_at FROM strategies WHERE id = $1`
	s, err := scanStrategy(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return s, nil
}

// ListStrategies returns all strategies.
func (db *DB) ListStrategies(ctx context.Context) ([]Strategy, error) {
	query := `SELECT id, name, type, program, metadata, created_at, updated_at FROM strategies ORDER BY created_at ASC`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteStrategy removes a strategy and its model bindings.
func (db *DB) DeleteStrategy(ctx context.Context, id string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin strategy delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM model_strategies WHERE strategy_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete strategy bindings: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	return tx.Commit(ctx)
}

// ==================== MODEL STRATEGIES ====================

// BindModelStrategy attaches a strategy to a model for one side.
func (db *DB) BindModelStrategy(ctx context.Context, ms *ModelStrategy) error {
	if ms.ID == "" {
		ms.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO model_strategies (id, model_id, strategy_id, type, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (model_id, strategy_id, type) DO UPDATE SET priority = EXCLUDED.priority`

	if _, err := db.Pool.Exec(ctx, query, ms.ID, ms.ModelID, ms.StrategyID, ms.Type, ms.Priority, now); err != nil {
		return fmt.Errorf("failed to bind model strategy: %w", err)
	}
	ms.CreatedAt = now
	return nil
}

// UnbindModelStrategy detaches a strategy from a model for one side.
func (db *DB) UnbindModelStrategy(ctx context.Context, modelID, strategyID, side string) error {
	query := `DELETE FROM model_strategies WHERE model_id = $1 AND strategy_id = $2 AND type = $3`
	if _, err := db.Pool.Exec(ctx, query, modelID, strategyID, side); err != nil {
		return fmt.Errorf("failed to unbind model strategy: %w", err)
	}
	return nil
}

// ListModelStrategies returns the strategies bound to (model, side), ordered
// by priority descending then binding age ascending.
func (db *DB) ListModelStrategies(ctx context.Context, modelID, side string) ([]Strategy, error) {
	query := `
		SELECT s.id, s.name, s.type, s.program, s.metadata, s.created_at, s.updated_at
		FROM model_strategies ms
		JOIN strategies s ON s.id = ms.strategy_id
		WHERE ms.model_id = $1 AND ms.type = $2
		ORDER BY ms.priority DESC, ms.created_at ASC`

	rows, err := db.Pool.Query(ctx, query, modelID, side)
	if err != nil {
		return nil, fmt.Errorf("failed to list model strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ==================== STRATEGY DECISIONS ====================

const decisionColumns = `id, model_id, strategy_name, strategy_type, signal, symbol, quantity,
		leverage, price, stop_price, justification, status, trade_id, error_reason, created_at`

func scanDecision(row interface{ Scan(...any) error }) (*StrategyDecision, error) {
	d := &StrategyDecision{}
	err := row.Scan(
		&d.ID, &d.ModelID, &d.StrategyName, &d.StrategyType, &d.Signal, &d.Symbol, &d.Quantity,
		&d.Leverage, &d.Price, &d.StopPrice, &d.Justification, &d.Status, &d.TradeID, &d.ErrorReason, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CreateStrategyDecision persists a decision in TRIGGERED state.
func (db *DB) CreateStrategyDecision(ctx context.Context, d *StrategyDecision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Status = DecisionTriggered
	now := time.Now().UTC()
	query := `
		INSERT INTO strategy_decisions (
			id, model_id, strategy_name, strategy_type, signal, symbol, quantity,
			leverage, price, stop_price, justification, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.Pool.Exec(ctx, query,
		d.ID, d.ModelID, d.StrategyName, d.StrategyType, d.Signal, d.Symbol, d.Quantity,
		d.Leverage, d.Price, d.StopPrice, d.Justification, d.Status, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create strategy decision: %w", err)
	}
	d.CreatedAt = now
	return nil
}

// UpdateStrategyDecisionStatus transitions a decision out of TRIGGERED.
// Terminal rows are never mutated: the WHERE clause only matches TRIGGERED,
// so replays and races are no-ops.
func (db *DB) UpdateStrategyDecisionStatus(ctx context.Context, id, status string, tradeID *int64, errorReason *string) error {
	if status != DecisionExecuted && status != DecisionRejected {
		return fmt.Errorf("invalid decision transition to %q", status)
	}
	query := `
		UPDATE strategy_decisions SET status = $2, trade_id = $3, error_reason = $4
		WHERE id = $1 AND status = $5`

	_, err := db.Pool.Exec(ctx, query, id, status, tradeID, errorReason, DecisionTriggered)
	if err != nil {
		return fmt.Errorf("failed to update decision status: %w", err)
	}
	return nil
}

// ListStrategyDecisions returns recent decisions for a model.
func (db *DB) ListStrategyDecisions(ctx context.Context, modelID string, limit int) ([]StrategyDecision, error) {
	query := `SELECT ` + decisionColumns + ` FROM strategy_decisions WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := db.Pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []StrategyDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DecidedSymbols returns symbols that already carry a decision for the model
// since the given time, used to filter candidate sets between strategies.
func (db *DB) DecidedSymbols(ctx context.Context, modelID, side string, since time.Time) (map[string]bool, error) {
	query := `
		SELECT DISTINCT symbol FROM strategy_decisions
		WHERE model_id = $1 AND strategy_type = $2 AND created_at >= $3`

	rows, err := db.Pool.Query(ctx, query, modelID, side, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query decided symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out[s] = true
	}
	return out, rows.Err()
}

// DeleteStrategyDecisionsForCancelledOrdersBefore purges decisions whose
// only algo orders were cancelled, older than ts. The cancelled orders are
// detached first so the decision rows can go.
func (db *DB) DeleteStrategyDecisionsForCancelledOrdersBefore(ctx context.Context, ts time.Time) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin decision purge: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := `
		SELECT sd.id FROM strategy_decisions sd
		WHERE sd.created_at < $1
		  AND EXISTS (
			SELECT 1 FROM algo_orders ao
			WHERE ao.strategy_decision_id = sd.id AND ao.status = 'CANCELLED'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM algo_orders ao
			WHERE ao.strategy_decision_id = sd.id AND ao.status <> 'CANCELLED'
		  )`

	rows, err := tx.Query(ctx, selectQuery, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to select purgeable decisions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE algo_orders SET strategy_decision_id = NULL WHERE strategy_decision_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("failed to detach cancelled orders: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM strategy_decisions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cancelled decisions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit decision purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
