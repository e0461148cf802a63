package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, assembled from the environment.
// A .env file in the working directory is loaded first when present.
type Config struct {
	BinanceConfig   BinanceConfig
	DatabaseConfig  DatabaseConfig
	RedisConfig     RedisConfig
	VaultConfig     VaultConfig
	SchedulerConfig SchedulerConfig
	IngestorConfig  IngestorConfig
	EngineConfig    EngineConfig
	ServerConfig    ServerConfig
	AuthConfig      AuthConfig
	LoggingConfig   LoggingConfig
}

// BinanceConfig holds default exchange credentials. Per-model credentials
// stored on the model row take precedence for trading calls.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	TestNet   bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type VaultConfig struct {
	Enabled bool
	Address string
	Token   string
	Mount   string
}

// SchedulerConfig holds cron expressions and knobs for the scheduled jobs.
type SchedulerConfig struct {
	PriceRefreshCron       string // default "*/5 * * * *"
	PriceRefreshMaxPerMin  int    // default 1000
	TickerCleanupCron      string // default "*/30 * * * *"
	TickerRetentionDays    int    // default 14
	KlineSyncCheckInterval int    // seconds, default 10
	DecisionPurgeCron      string // default "0 */6 * * *"
	DecisionRetentionDays  int    // default 7
	DailySnapshotCron      string // default "5 0 * * *" (08:05 UTC+8)
}

type IngestorConfig struct {
	UpsertBatchSize int // default 200
}

type EngineConfig struct {
	AlgoPollIntervalSec   int // default 2
	LiquidationScanSec    int // default 60
	WorkerUnhealthyCycles int // consecutive internal errors before a worker exits, default 5
}

type ServerConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret string
	Disabled  bool
}

type LoggingConfig struct {
	Level      string
	Output     string
	JSONFormat bool
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BinanceConfig: BinanceConfig{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_API_SECRET"),
			TestNet:   getEnvBool("BINANCE_TESTNET", false),
		},
		DatabaseConfig: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "trader"),
			Password: getEnv("DB_PASSWORD", "trader"),
			Database: getEnv("DB_NAME", "trader"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RedisConfig: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		VaultConfig: VaultConfig{
			Enabled: getEnvBool("VAULT_ENABLED", false),
			Address: getEnv("VAULT_ADDR", "http://127.0.0.1:8200"),
			Token:   os.Getenv("VAULT_TOKEN"),
			Mount:   getEnv("VAULT_MOUNT", "secret"),
		},
		SchedulerConfig: SchedulerConfig{
			PriceRefreshCron:       getEnv("PRICE_REFRESH_CRON", "*/5 * * * *"),
			PriceRefreshMaxPerMin:  getEnvInt("PRICE_REFRESH_MAX_PER_MINUTE", 1000),
			TickerCleanupCron:      getEnv("TICKER_CLEANUP_CRON", "*/30 * * * *"),
			TickerRetentionDays:    getEnvInt("TICKER_RETENTION_DAYS", 14),
			KlineSyncCheckInterval: getEnvInt("KLINE_SYNC_CHECK_INTERVAL", 10),
			DecisionPurgeCron:      getEnv("DECISION_PURGE_CRON", "0 */6 * * *"),
			DecisionRetentionDays:  getEnvInt("DECISION_RETENTION_DAYS", 7),
			DailySnapshotCron:      getEnv("DAILY_SNAPSHOT_CRON", "5 0 * * *"),
		},
		IngestorConfig: IngestorConfig{
			UpsertBatchSize: getEnvInt("TICKER_UPSERT_BATCH_SIZE", 200),
		},
		EngineConfig: EngineConfig{
			AlgoPollIntervalSec:   getEnvInt("ALGO_POLL_INTERVAL_SEC", 2),
			LiquidationScanSec:    getEnvInt("LIQUIDATION_SCAN_SEC", 60),
			WorkerUnhealthyCycles: getEnvInt("WORKER_UNHEALTHY_CYCLES", 5),
		},
		ServerConfig: ServerConfig{
			Host: getEnv("WEB_HOST", "0.0.0.0"),
			Port: getEnvInt("WEB_PORT", 8088),
		},
		AuthConfig: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Disabled:  getEnvBool("AUTH_DISABLED", false),
		},
		LoggingConfig: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "INFO"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			JSONFormat: getEnvBool("LOG_JSON", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SchedulerConfig.TickerRetentionDays < 1 {
		return fmt.Errorf("TICKER_RETENTION_DAYS must be >= 1")
	}
	if c.SchedulerConfig.KlineSyncCheckInterval < 1 {
		return fmt.Errorf("KLINE_SYNC_CHECK_INTERVAL must be >= 1")
	}
	if c.IngestorConfig.UpsertBatchSize < 1 {
		return fmt.Errorf("TICKER_UPSERT_BATCH_SIZE must be >= 1")
	}
	if !c.AuthConfig.Disabled && c.AuthConfig.JWTSecret == "" {
		// No secret means the facade cannot verify tokens; run open rather
		// than lock every route out.
		c.AuthConfig.Disabled = true
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
