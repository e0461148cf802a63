package binance

import (
	"sync"

	"futures-ai-trader/internal/logging"
)

// ==================== GATEWAY ====================

// Gateway owns the public market client and a cache of per-model signed
// clients. Models carry their own exchange credentials, so a new pair gets
// its own Client (and rate-limit window) on first use.
type Gateway struct {
	mu sync.RWMutex

	public  *Client
	clients map[string]*Client // keyed by api key
	testnet bool
	logger  *logging.Logger
}

var (
	gateway     *Gateway
	gatewayOnce sync.Once
)

// InitGateway configures the process-wide gateway. Safe to call once at
// startup before any ClientFor/Public use.
func InitGateway(testnet bool) *Gateway {
	gatewayOnce.Do(func() {
		gateway = &Gateway{
			public:  NewClient("", "", testnet),
			clients: make(map[string]*Client),
			testnet: testnet,
			logger:  logging.WithComponent("binance_gateway"),
		}
	})
	return gateway
}

// GetGateway returns the process-wide gateway.
func GetGateway() *Gateway {
	return InitGateway(false)
}

// Public returns the credential-less client for market data endpoints.
func (g *Gateway) Public() *Client {
	return g.public
}

// ClientFor returns a signed client for the credential pair, creating and
// caching one on first use.
func (g *Gateway) ClientFor(apiKey, secretKey string) *Client {
	g.mu.RLock()
	c, ok := g.clients[apiKey]
	g.mu.RUnlock()
	if ok {
		return c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c
	}
	c = NewClient(apiKey, secretKey, g.testnet)
	g.clients[apiKey] = c
	return c
}

// Testnet reports whether the gateway targets the testnet endpoints.
func (g *Gateway) Testnet() bool {
	return g.testnet
}
