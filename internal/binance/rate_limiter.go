package binance

import (
	"sync"
	"time"

	"futures-ai-trader/internal/logging"
)

// ==================== RATE LIMITER ====================

// Endpoint weights for the Binance Futures API.
var endpointWeights = map[string]int{
	"/fapi/v2/account":        5,
	"/fapi/v2/positionRisk":   5,
	"/fapi/v1/order":          1,
	"/fapi/v1/openOrders":     1,
	"/fapi/v1/allOpenOrders":  40,
	"/fapi/v1/algoOrder":      1,
	"/fapi/v1/openAlgoOrders": 1,
	"/fapi/v1/ticker/price":   1,
	"/fapi/v1/ticker/24hr":    40,
	"/fapi/v1/klines":         5,
	"/fapi/v1/premiumIndex":   1,
	"/fapi/v1/exchangeInfo":   1,
	"/fapi/v1/leverage":       1,
	"/fapi/v1/listenKey":      1,
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// keyLimiter tracks one API key's weight window and circuit breaker.
type keyLimiter struct {
	mu sync.Mutex

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	circuitOpen bool
	banUntil    time.Time
}

// RateLimiter enforces the per-key weight budget for the futures API.
// Every credential pair gets its own window, since Binance scopes limits
// to the key, not the process.
type RateLimiter struct {
	mu     sync.Mutex
	keys   map[string]*keyLimiter
	logger *logging.Logger
}

var (
	globalRateLimiter     *RateLimiter
	globalRateLimiterOnce sync.Once
)

// GetRateLimiter returns the process-wide rate limiter.
func GetRateLimiter() *RateLimiter {
	globalRateLimiterOnce.Do(func() {
		globalRateLimiter = &RateLimiter{
			keys:   make(map[string]*keyLimiter),
			logger: logging.WithComponent("rate_limiter"),
		}
	})
	return globalRateLimiter
}

func (r *RateLimiter) forKey(apiKey string) *keyLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	kl, ok := r.keys[apiKey]
	if !ok {
		kl = &keyLimiter{
			maxWeight:     2400, // futures per-minute weight limit
			weightResetAt: time.Now().Add(time.Minute),
		}
		r.keys[apiKey] = kl
	}
	return kl
}

// WaitForSlot blocks until the key has weight budget for the endpoint or
// maxWait expires. Returns false when the circuit is open past maxWait.
func (r *RateLimiter) WaitForSlot(apiKey, endpoint string, maxWait time.Duration) bool {
	kl := r.forKey(apiKey)
	deadline := time.Now().Add(maxWait)

	for {
		if kl.tryAcquire(getEndpointWeight(endpoint)) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (kl *keyLimiter) tryAcquire(weight int) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	if kl.circuitOpen {
		if now.Before(kl.banUntil) {
			return false
		}
		kl.circuitOpen = false
	}
	if now.After(kl.weightResetAt) {
		kl.currentWeight = 0
		kl.weightResetAt = now.Add(time.Minute)
	}
	if kl.currentWeight+weight > kl.maxWeight*9/10 {
		return false
	}
	kl.currentWeight += weight
	return true
}

// UpdateFromHeaders syncs the key's window with the exchange-reported weight.
func (r *RateLimiter) UpdateFromHeaders(apiKey string, usedWeight int) {
	kl := r.forKey(apiKey)
	kl.mu.Lock()
	defer kl.mu.Unlock()
	if usedWeight > kl.currentWeight {
		kl.currentWeight = usedWeight
	}
}

// RecordRateLimitError opens the key's circuit until banUntil, or for one
// minute when the ban timestamp is unknown.
func (r *RateLimiter) RecordRateLimitError(apiKey string, banUntil time.Time) {
	kl := r.forKey(apiKey)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	kl.circuitOpen = true
	if banUntil.IsZero() {
		banUntil = time.Now().Add(time.Minute)
	}
	kl.banUntil = banUntil
	r.logger.Warn("circuit open for api key", "ban_until", banUntil.Format(time.RFC3339))
}
