package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ==================== PORTFOLIOS ====================

// UpsertPortfolio writes the open position for (model, symbol, side).
func (db *DB) UpsertPortfolio(ctx context.Context, p *Portfolio) error {
	query := `
		INSERT INTO portfolios (model_id, symbol, side, quantity, avg_entry_price, initial_margin, leverage, unrealized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (model_id, symbol, side) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			initial_margin = EXCLUDED.initial_margin,
			leverage = EXCLUDED.leverage,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			updated_at = EXCLUDED.updated_at`

	_, err := db.Pool.Exec(ctx, query,
		p.ModelID, p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice, p.InitialMargin, p.Leverage, p.UnrealizedPnL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio: %w", err)
	}
	return nil
}

// GetPortfolio returns the position for (model, symbol, side), nil if flat.
func (db *DB) GetPortfolio(ctx context.Context, modelID, symbol, side string) (*Portfolio, error) {
	query := `
		SELECT model_id, symbol, side, quantity, avg_entry_price, initial_margin, leverage, unrealized_pnl, updated_at
		FROM portfolios WHERE model_id = $1 AND symbol = $2 AND side = $3`

	p := &Portfolio{}
	err := db.Pool.QueryRow(ctx, query, modelID, symbol, side).Scan(
		&p.ModelID, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &p.InitialMargin, &p.Leverage, &p.UnrealizedPnL, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return p, nil
}

// ListPortfolios returns all open positions for a model.
func (db *DB) ListPortfolios(ctx context.Context, modelID string) ([]Portfolio, error) {
	query := `
		SELECT model_id, symbol, side, quantity, avg_entry_price, initial_margin, leverage, unrealized_pnl, updated_at
		FROM portfolios WHERE model_id = $1 ORDER BY symbol ASC, side ASC`

	rows, err := db.Pool.Query(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var out []Portfolio
	for rows.Next() {
		var p Portfolio
		if err := rows.Scan(&p.ModelID, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &p.InitialMargin, &p.Leverage, &p.UnrealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAllPortfolios returns every open position across all models. The
// liquidation loop joins these against each model's auto-close setting.
func (db *DB) ListAllPortfolios(ctx context.Context) ([]Portfolio, error) {
	query := `
		SELECT model_id, symbol, side, quantity, avg_entry_price, initial_margin, leverage, unrealized_pnl, updated_at
		FROM portfolios ORDER BY model_id ASC, symbol ASC`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list all portfolios: %w", err)
	}
	defer rows.Close()

	var out []Portfolio
	for rows.Next() {
		var p Portfolio
		if err := rows.Scan(&p.ModelID, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &p.InitialMargin, &p.Leverage, &p.UnrealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePortfolio removes a flat position row.
func (db *DB) DeletePortfolio(ctx context.Context, modelID, symbol, side string) error {
	_, err := db.Pool.Exec(ctx,
		`DELETE FROM portfolios WHERE model_id = $1 AND symbol = $2 AND side = $3`,
		modelID, symbol, side,
	)
	if err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	return nil
}

// ==================== ACCOUNT VALUES ====================

// UpsertAccountValue writes the latest account snapshot for (model, alias).
func (db *DB) UpsertAccountValue(ctx context.Context, v *AccountValue) error {
	query := `
		INSERT INTO account_values (model_id, account_alias, balance, available_balance, cross_wallet_balance, cross_pnl, cross_un_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (model_id, account_alias) DO UPDATE SET
			balance = EXCLUDED.balance,
			available_balance = EXCLUDED.available_balance,
			cross_wallet_balance = EXCLUDED.cross_wallet_balance,
			cross_pnl = EXCLUDED.cross_pnl,
			cross_un_pnl = EXCLUDED.cross_un_pnl,
			updated_at = EXCLUDED.updated_at`

	_, err := db.Pool.Exec(ctx, query,
		v.ModelID, v.AccountAlias, v.Balance, v.AvailableBalance, v.CrossWalletBalance, v.CrossPnL, v.CrossUnPnL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account value: %w", err)
	}
	return nil
}

// GetAccountValues returns the latest snapshots for a model.
func (db *DB) GetAccountValues(ctx context.Context, modelID string) ([]AccountValue, error) {
	query := `
		SELECT model_id, account_alias, balance, available_balance, cross_wallet_balance, cross_pnl, cross_un_pnl, updated_at
		FROM account_values WHERE model_id = $1 ORDER BY account_alias ASC`

	rows, err := db.Pool.Query(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account values: %w", err)
	}
	defer rows.Close()

	var out []AccountValue
	for rows.Next() {
		var v AccountValue
		if err := rows.Scan(&v.ModelID, &v.AccountAlias, &v.Balance, &v.AvailableBalance, &v.CrossWalletBalance, &v.CrossPnL, &v.CrossUnPnL, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AppendAccountValueHistory appends one row to the snapshot trail.
func (db *DB) AppendAccountValueHistory(ctx context.Context, h *AccountValueHistory) error {
	query := `
		INSERT INTO account_value_history (model_id, account_alias, balance, available_balance, cross_wallet, cross_un_pnl, trade_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	now := time.Now().UTC()
	err := db.Pool.QueryRow(ctx, query,
		h.ModelID, h.AccountAlias, h.Balance, h.AvailableBalance, h.CrossWallet, h.CrossUnPnL, h.TradeID, now,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("failed to append account history: %w", err)
	}
	h.CreatedAt = now
	return nil
}

// ListAccountValueHistory returns recent history rows for a model.
func (db *DB) ListAccountValueHistory(ctx context.Context, modelID string, limit int) ([]AccountValueHistory, error) {
	query := `
		SELECT id, model_id, account_alias, balance, available_balance, cross_wallet, cross_un_pnl, trade_id, created_at
		FROM account_value_history WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list account history: %w", err)
	}
	defer rows.Close()

	var out []AccountValueHistory
	for rows.Next() {
		var h AccountValueHistory
		if err := rows.Scan(&h.ID, &h.ModelID, &h.AccountAlias, &h.Balance, &h.AvailableBalance, &h.CrossWallet, &h.CrossUnPnL, &h.TradeID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertAccountValueDaily writes at most one snapshot per model per UTC+8
// trading day. A second call within the same trading day overwrites the
// existing row instead of appending.
func (db *DB) UpsertAccountValueDaily(ctx context.Context, modelID string, balance, availableBalance float64) error {
	dayStart := TradingDayStart(NowUTC8())
	dayEnd := dayStart.AddDate(0, 0, 1)

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin daily snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM account_values_daily WHERE model_id = $1 AND created_at >= $2 AND created_at < $3`,
		modelID, dayStart, dayEnd,
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO account_values_daily (model_id, balance, available_balance, created_at) VALUES ($1, $2, $3, $4)`,
			modelID, balance, availableBalance, NowUTC8(),
		)
	case err == nil:
		_, err = tx.Exec(ctx,
			`UPDATE account_values_daily SET balance = $2, available_balance = $3 WHERE id = $1`,
			id, balance, availableBalance,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to write daily snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit daily snapshot: %w", err)
	}
	return nil
}

// ListAccountValueDaily returns daily snapshots for a model, newest first.
func (db *DB) ListAccountValueDaily(ctx context.Context, modelID string, limit int) ([]AccountValueDaily, error) {
	query := `
		SELECT id, model_id, balance, available_balance, created_at
		FROM account_values_daily WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily snapshots: %w", err)
	}
	defer rows.Close()

	var out []AccountValueDaily
	for rows.Next() {
		var d AccountValueDaily
		if err := rows.Scan(&d.ID, &d.ModelID, &d.Balance, &d.AvailableBalance, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan daily snapshot: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ==================== CONVERSATIONS ====================

// AppendConversation logs one prompt/response exchange for a model.
func (db *DB) AppendConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (model_id, user_prompt, ai_response, cot_trace, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	now := time.Now().UTC()
	err := db.Pool.QueryRow(ctx, query, c.ModelID, c.UserPrompt, c.AIResponse, c.CotTrace, now).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to append conversation: %w", err)
	}
	c.CreatedAt = now
	return nil
}

// ListConversations returns recent exchanges for a model.
func (db *DB) ListConversations(ctx context.Context, modelID string, limit int) ([]Conversation, error) {
	query := `
		SELECT id, model_id, user_prompt, ai_response, cot_trace, created_at
		FROM conversations WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ModelID, &c.UserPrompt, &c.AIResponse, &c.CotTrace, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ==================== MODEL PROMPTS ====================

// CreateModelPrompt attaches a prompt template to a model. Marking a prompt
// default clears the flag on the model's other prompts.
func (db *DB) CreateModelPrompt(ctx context.Context, p *ModelPrompt) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin prompt create: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.IsDefault {
		if _, err := tx.Exec(ctx, `UPDATE model_prompts SET is_default = FALSE WHERE model_id = $1`, p.ModelID); err != nil {
			return fmt.Errorf("failed to clear default prompts: %w", err)
		}
	}

	now := time.Now().UTC()
	err = tx.QueryRow(ctx,
		`INSERT INTO model_prompts (model_id, name, prompt, is_default, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.ModelID, p.Name, p.Prompt, p.IsDefault, now,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create model prompt: %w", err)
	}
	p.CreatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit prompt create: %w", err)
	}
	return nil
}

// GetDefaultModelPrompt returns the model's default prompt, nil if unset.
func (db *DB) GetDefaultModelPrompt(ctx context.Context, modelID string) (*ModelPrompt, error) {
	query := `
		SELECT id, model_id, name, prompt, is_default, created_at
		FROM model_prompts WHERE model_id = $1 AND is_default = TRUE LIMIT 1`

	p := &ModelPrompt{}
	err := db.Pool.QueryRow(ctx, query, modelID).Scan(&p.ID, &p.ModelID, &p.Name, &p.Prompt, &p.IsDefault, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default prompt: %w", err)
	}
	return p, nil
}

// ListModelPrompts returns all prompts for a model.
func (db *DB) ListModelPrompts(ctx context.Context, modelID string) ([]ModelPrompt, error) {
	query := `
		SELECT id, model_id, name, prompt, is_default, created_at
		FROM model_prompts WHERE model_id = $1 ORDER BY created_at ASC`

	rows, err := db.Pool.Query(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list model prompts: %w", err)
	}
	defer rows.Close()

	var out []ModelPrompt
	for rows.Next() {
		var p ModelPrompt
		if err := rows.Scan(&p.ID, &p.ModelID, &p.Name, &p.Prompt, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteModelPrompt removes a prompt template.
func (db *DB) DeleteModelPrompt(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM model_prompts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete model prompt: %w", err)
	}
	return nil
}
