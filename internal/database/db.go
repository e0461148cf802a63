package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			provider_type VARCHAR(20) NOT NULL,
			base_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS models (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			provider_id UUID NOT NULL REFERENCES providers(id),
			provider_model_name VARCHAR(200) NOT NULL,
			initial_capital DECIMAL(20, 8) NOT NULL DEFAULT 0,
			leverage INT NOT NULL DEFAULT 0,
			max_positions INT NOT NULL DEFAULT 1,
			api_key TEXT NOT NULL DEFAULT '',
			api_secret TEXT NOT NULL DEFAULT '',
			auto_buy_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_sell_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_close_percent DECIMAL(10, 4),
			base_volume DECIMAL(30, 8),
			symbol_source VARCHAR(20) NOT NULL DEFAULT 'leaderboard',
			batch_size INT NOT NULL DEFAULT 10,
			batch_execution_interval INT NOT NULL DEFAULT 60,
			batch_execution_group_size INT NOT NULL DEFAULT 5,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_provider ON models(provider_id)`,

		`CREATE TABLE IF NOT EXISTS futures (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL UNIQUE,
			name VARCHAR(100) NOT NULL DEFAULT '',
			sort_order INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS strategies (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			type VARCHAR(4) NOT NULL,
			program TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS model_strategies (
			id UUID PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			strategy_id UUID NOT NULL REFERENCES strategies(id),
			type VARCHAR(4) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (model_id, strategy_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_strategies_model_type ON model_strategies(model_id, type)`,

		`CREATE TABLE IF NOT EXISTS market_tickers (
			symbol VARCHAR(20) PRIMARY KEY,
			open_price DECIMAL(20, 8),
			last_price DECIMAL(20, 8) NOT NULL,
			price_change DECIMAL(20, 8),
			price_change_percent DECIMAL(10, 4),
			quote_volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			base_volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			event_time TIMESTAMP NOT NULL,
			ingestion_time TIMESTAMP NOT NULL,
			update_price_date TIMESTAMP,
			side VARCHAR(5)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_tickers_ingestion ON market_tickers(ingestion_time)`,
		`CREATE INDEX IF NOT EXISTS idx_market_tickers_update_price ON market_tickers(update_price_date)`,

		`CREATE TABLE IF NOT EXISTS portfolios (
			model_id UUID NOT NULL REFERENCES models(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			avg_entry_price DECIMAL(20, 8) NOT NULL,
			initial_margin DECIMAL(20, 8) NOT NULL DEFAULT 0,
			leverage INT NOT NULL DEFAULT 1,
			unrealized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (model_id, symbol, side)
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			signal VARCHAR(20) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl DECIMAL(20, 8),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_model ON trades(model_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,

		`CREATE TABLE IF NOT EXISTS strategy_decisions (
			id UUID PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			strategy_name VARCHAR(100) NOT NULL,
			strategy_type VARCHAR(4) NOT NULL,
			signal VARCHAR(20) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL DEFAULT 0,
			price DECIMAL(20, 8),
			stop_price DECIMAL(20, 8),
			justification TEXT NOT NULL DEFAULT '',
			status VARCHAR(10) NOT NULL DEFAULT 'TRIGGERED',
			trade_id BIGINT REFERENCES trades(id),
			error_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_decisions_model ON strategy_decisions(model_id)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_decisions_status ON strategy_decisions(status)`,

		`CREATE TABLE IF NOT EXISTS algo_orders (
			id BIGSERIAL PRIMARY KEY,
			algo_id BIGINT NOT NULL DEFAULT 0,
			client_algo_id VARCHAR(40) NOT NULL DEFAULT '',
			type VARCHAR(20) NOT NULL DEFAULT '',
			algo_type VARCHAR(20) NOT NULL DEFAULT 'CONDITIONAL',
			order_type VARCHAR(25) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			position_side VARCHAR(5) NOT NULL DEFAULT 'BOTH',
			quantity DECIMAL(20, 8) NOT NULL,
			trigger_price DECIMAL(20, 8) NOT NULL,
			limit_price DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'NEW',
			model_id UUID NOT NULL REFERENCES models(id),
			strategy_decision_id UUID REFERENCES strategy_decisions(id),
			trade_id BIGINT REFERENCES trades(id),
			error_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_algo_orders_status ON algo_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_algo_orders_model_symbol ON algo_orders(model_id, symbol)`,

		`CREATE TABLE IF NOT EXISTS account_values (
			model_id UUID NOT NULL REFERENCES models(id),
			account_alias VARCHAR(50) NOT NULL,
			balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			available_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			cross_wallet_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			cross_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			cross_un_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (model_id, account_alias)
		)`,

		`CREATE TABLE IF NOT EXISTS account_value_history (
			id BIGSERIAL PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			account_alias VARCHAR(50) NOT NULL,
			balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			available_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			cross_wallet DECIMAL(20, 8) NOT NULL DEFAULT 0,
			cross_un_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			trade_id BIGINT REFERENCES trades(id),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_account_value_history_model ON account_value_history(model_id)`,

		`CREATE TABLE IF NOT EXISTS account_values_daily (
			id BIGSERIAL PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			available_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_account_values_daily_model ON account_values_daily(model_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			user_prompt TEXT NOT NULL DEFAULT '',
			ai_response TEXT NOT NULL DEFAULT '',
			cot_trace TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_model ON conversations(model_id)`,

		`CREATE TABLE IF NOT EXISTS model_prompts (
			id BIGSERIAL PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			name VARCHAR(100) NOT NULL,
			prompt TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS binance_trade_logs (
			id BIGSERIAL PRIMARY KEY,
			model_id UUID NOT NULL REFERENCES models(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(25) NOT NULL,
			payload JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
