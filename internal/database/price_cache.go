package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-ai-trader/config"
	"futures-ai-trader/internal/logging"
)

// ==================== PRICE CACHE ====================

const (
	priceKeyPrefix  = "ticker:last_price:%s"
	defaultPriceTTL = 5 * time.Minute
)

// PriceCache keeps the latest traded price per symbol. Writes go to Redis
// when it is healthy and always to an in-process map, so reads degrade to
// the local copy when Redis is down rather than failing order paths.
type PriceCache struct {
	client  *redis.Client
	logger  *logging.Logger
	enabled bool

	mu      sync.RWMutex
	local   map[string]float64
	healthy bool
}

// NewPriceCache connects to Redis per the config. A failed initial ping
// leaves the cache in degraded (memory-only) mode instead of erroring.
func NewPriceCache(cfg config.RedisConfig, logger *logging.Logger) *PriceCache {
	pc := &PriceCache{
		logger: logger.WithComponent("price_cache"),
		local:  make(map[string]float64),
	}
	if !cfg.Enabled {
		return pc
	}

	pc.enabled = true
	pc.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pc.client.Ping(ctx).Err(); err != nil {
		pc.logger.Warn("redis unavailable, price cache degraded to memory", "error", err)
		return pc
	}
	pc.healthy = true
	pc.logger.Info("price cache connected", "addr", cfg.Addr)
	return pc
}

// SetPrice records the latest price for a symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64) {
	pc.mu.Lock()
	pc.local[symbol] = price
	pc.mu.Unlock()

	if !pc.enabled || pc.client == nil {
		return
	}
	key := fmt.Sprintf(priceKeyPrefix, symbol)
	if err := pc.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), defaultPriceTTL).Err(); err != nil {
		pc.markUnhealthy(err)
		return
	}
	pc.markHealthy()
}

// GetPrice returns the latest known price for a symbol. It tries Redis first
// so multiple processes share one view, then falls back to the local map.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	if pc.enabled && pc.client != nil && pc.isHealthy() {
		key := fmt.Sprintf(priceKeyPrefix, symbol)
		val, err := pc.client.Get(ctx, key).Result()
		if err == nil {
			if price, perr := strconv.ParseFloat(val, 64); perr == nil {
				return price, true
			}
		} else if err != redis.Nil {
			pc.markUnhealthy(err)
		}
	}

	pc.mu.RLock()
	price, ok := pc.local[symbol]
	pc.mu.RUnlock()
	return price, ok
}

func (pc *PriceCache) isHealthy() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.healthy
}

func (pc *PriceCache) markUnhealthy(err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.healthy {
		pc.logger.Warn("redis error, price cache degraded to memory", "error", err)
	}
	pc.healthy = false
}

func (pc *PriceCache) markHealthy() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.healthy = true
}

// Close releases the Redis connection.
func (pc *PriceCache) Close() error {
	if pc.client != nil {
		return pc.client.Close()
	}
	return nil
}
