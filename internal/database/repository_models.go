package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ==================== PROVIDERS ====================

// CreateProvider inserts a new LLM provider.
func (db *DB) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO providers (id, name, provider_type, base_url, api_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	if _, err := db.Pool.Exec(ctx, query, p.ID, p.Name, p.ProviderType, p.BaseURL, p.APIKey, now); err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdateProvider updates an existing provider.
func (db *DB) UpdateProvider(ctx context.Context, p *Provider) error {
	now := time.Now().UTC()
	query := `
		UPDATE providers SET name = $2, provider_type = $3, base_url = $4, api_key = $5, updated_at = $6
		WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query, p.ID, p.Name, p.ProviderType, p.BaseURL, p.APIKey, now)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider %s not found", p.ID)
	}
	p.UpdatedAt = now
	return nil
}

// GetProvider retrieves a provider by id.
func (db *DB) GetProvider(ctx context.Context, id string) (*Provider, error) {
	query := `SELECT id, name, provider_type, base_url, api_key, created_at, updated_at FROM providers WHERE id = $1`
	p := &Provider{}
	err := db.Pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.ProviderType, &p.BaseURL, &p.APIKey, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return p, nil
}

// ListProviders returns all providers.
func (db *DB) ListProviders(ctx context.Context) ([]Provider, error) {
	query := `SELECT id, name, provider_type, base_url, api_key, created_at, updated_at FROM providers ORDER BY created_at ASC`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.ProviderType, &p.BaseURL, &p.APIKey, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider; fails while models reference it.
func (db *DB) DeleteProvider(ctx context.Context, id string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}

// ==================== MODELS ====================

const modelColumns = `id, name, provider_id, provider_model_name, initial_capital, leverage,
		max_positions, api_key, api_secret, auto_buy_enabled, auto_sell_enabled,
		auto_close_percent, base_volume, symbol_source, batch_size,
		batch_execution_interval, batch_execution_group_size, created_at, updated_at`

func scanModel(row interface{ Scan(...any) error }) (*Model, error) {
	m := &Model{}
	err := row.Scan(
		&m.ID, &m.Name, &m.ProviderID, &m.ProviderModelName, &m.InitialCapital, &m.Leverage,
		&m.MaxPositions, &m.APIKey, &m.APISecret, &m.AutoBuyEnabled, &m.AutoSellEnabled,
		&m.AutoClosePercent, &m.BaseVolume, &m.SymbolSource, &m.BatchSize,
		&m.BatchIntervalSec, &m.BatchGroupSize, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateModel enforces the model invariants at the persistence boundary.
func ValidateModel(m *Model) error {
	if m.Leverage < 0 || m.Leverage > 125 {
		return fmt.Errorf("leverage must be in [0,125], got %d", m.Leverage)
	}
	if m.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be >= 1, got %d", m.MaxPositions)
	}
	if m.AutoClosePercent != nil && (*m.AutoClosePercent < 0 || *m.AutoClosePercent > 100) {
		return fmt.Errorf("auto_close_percent must be in (0,100] or null")
	}
	switch m.SymbolSource {
	case "", "leaderboard", "future":
	default:
		return fmt.Errorf("unknown symbol_source %q", m.SymbolSource)
	}
	return nil
}

// CreateModel inserts a new model.
func (db *DB) CreateModel(ctx context.Context, m *Model) error {
	if err := ValidateModel(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SymbolSource == "" {
		m.SymbolSource = "leaderboard"
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO models (
			id, name, provider_id, provider_model_name, initial_capital, leverage,
			max_positions, api_key, api_secret, auto_buy_enabled, auto_sell_enabled,
			auto_close_percent, base_volume, symbol_source, batch_size,
			batch_execution_interval, batch_execution_group_size, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`

	_, err := db.Pool.Exec(ctx, query,
		m.ID, m.Name, m.ProviderID, m.ProviderModelName, m.InitialCapital, m.Leverage,
		m.MaxPositions, m.APIKey, m.APISecret, m.AutoBuyEnabled, m.AutoSellEnabled,
		m.AutoClosePercent, m.BaseVolume, m.SymbolSource, m.BatchSize,
		m.BatchIntervalSec, m.BatchGroupSize, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// UpdateModel updates all mutable model fields.
func (db *DB) UpdateModel(ctx context.Context, m *Model) error {
	if err := ValidateModel(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	query := `
		UPDATE models SET
			name = $2, provider_id = $3, provider_model_name = $4, initial_capital = $5,
			leverage = $6, max_positions = $7, api_key = $8, api_secret = $9,
			auto_buy_enabled = $10, auto_sell_enabled = $11, auto_close_percent = $12,
			base_volume = $13, symbol_source = $14, batch_size = $15,
			batch_execution_interval = $16, batch_execution_group_size = $17, updated_at = $18
		WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query,
		m.ID, m.Name, m.ProviderID, m.ProviderModelName, m.InitialCapital,
		m.Leverage, m.MaxPositions, m.APIKey, m.APISecret,
		m.AutoBuyEnabled, m.AutoSellEnabled, m.AutoClosePercent,
		m.BaseVolume, m.SymbolSource, m.BatchSize,
		m.BatchIntervalSec, m.BatchGroupSize, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model %s not found", m.ID)
	}
	m.UpdatedAt = now
	return nil
}

// SetModelAutoFlag flips auto_buy_enabled or auto_sell_enabled.
func (db *DB) SetModelAutoFlag(ctx context.Context, id, side string, enabled bool) error {
	var column string
	switch side {
	case "buy":
		column = "auto_buy_enabled"
	case "sell":
		column = "auto_sell_enabled"
	default:
		return fmt.Errorf("unknown side %q", side)
	}
	query := fmt.Sprintf(`UPDATE models SET %s = $2, updated_at = $3 WHERE id = $1`, column)
	tag, err := db.Pool.Exec(ctx, query, id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model %s not found", id)
	}
	return nil
}

// GetModel retrieves a model by id; nil when absent.
func (db *DB) GetModel(ctx context.Context, id string) (*Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE id = $1`
	m, err := scanModel(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return m, nil
}

// ListModels returns all models.
func (db *DB) ListModels(ctx context.Context) ([]Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models ORDER BY created_at ASC`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListAutoEnabledModels returns models with either auto flag set.
func (db *DB) ListAutoEnabledModels(ctx context.Context) ([]Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE auto_buy_enabled OR auto_sell_enabled`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-enabled models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteModel removes a model and every row it owns, children first.
// The delete order matters: rows holding foreign keys into trades and
// strategy_decisions go before those tables.
func (db *DB) DeleteModel(ctx context.Context, id string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin model delete: %w", err)
	}
	defer tx.Rollback(ctx)

	statements := []string{
		`DELETE FROM algo_orders WHERE model_id = $1`,
		`DELETE FROM strategy_decisions WHERE model_id = $1`,
		`DELETE FROM binance_trade_logs WHERE model_id = $1`,
		`DELETE FROM conversations WHERE model_id = $1`,
		`DELETE FROM account_value_history WHERE model_id = $1`,
		`DELETE FROM account_values WHERE model_id = $1`,
		`DELETE FROM account_values_daily WHERE model_id = $1`,
		`DELETE FROM trades WHERE model_id = $1`,
		`DELETE FROM portfolios WHERE model_id = $1`,
		`DELETE FROM model_prompts WHERE model_id = $1`,
		`DELETE FROM model_strategies WHERE model_id = $1`,
		`DELETE FROM models WHERE id = $1`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("cascade delete failed at %q: %w", strings.Fields(stmt)[2], err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit model delete: %w", err)
	}
	return nil
}

// ==================== FUTURES ====================

// CreateFuture inserts a tracked futures contract.
func (db *DB) CreateFuture(ctx context.Context, f *Future) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Symbol = strings.ToUpper(f.Symbol)
	if !strings.HasSuffix(f.Symbol, "USDT") {
		return fmt.Errorf("symbol %s is not USDT-quoted", f.Symbol)
	}
	now := time.Now().UTC()
	query := `INSERT INTO futures (id, symbol, name, sort_order, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := db.Pool.Exec(ctx, query, f.ID, f.Symbol, f.Name, f.SortOrder, now); err != nil {
		return fmt.Errorf("failed to create future: %w", err)
	}
	f.CreatedAt = now
	return nil
}

// ListFutures returns tracked contracts ordered by sort order.
func (db *DB) ListFutures(ctx context.Context) ([]Future, error) {
	query := `SELECT id, symbol, name, sort_order, created_at FROM futures ORDER BY sort_order ASC, symbol ASC`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list futures: %w", err)
	}
	defer rows.Close()

	var out []Future
	for rows.Next() {
		var f Future
		if err := rows.Scan(&f.ID, &f.Symbol, &f.Name, &f.SortOrder, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan future: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFuture removes a tracked contract.
func (db *DB) DeleteFuture(ctx context.Context, id string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM futures WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete future: %w", err)
	}
	return nil
}
