package binance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-ai-trader/internal/logging"
)

// Connections are rotated before the exchange's session limit; a fresh dial
// well under 30 minutes avoids server-side disconnects mid-candle.
const (
	klineRotateAfter  = 25 * time.Minute
	klineHealthPeriod = 10 * time.Second
	klineStaleAfter   = 60 * time.Second
)

// combinedStreamEnvelope wraps payloads on /stream?streams= connections.
type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// KlineStreamManager maintains one combined-stream connection carrying the
// kline subscriptions for a set of symbols. The desired set can change at
// runtime; the health loop reconciles the live connection against it.
type KlineStreamManager struct {
	mu sync.RWMutex

	desired  map[string]bool // "btcusdt@kline_1m"
	active   map[string]bool // streams on the live connection
	interval string

	wsConn      *websocket.Conn
	connectedAt time.Time
	isRunning   bool
	stopChan    chan struct{}

	onKline func(*KlineEvent)

	baseURL       string
	reconnects    int
	lastMessageAt time.Time
	logger        *logging.Logger
}

// NewKlineStreamManager creates a manager for the given candle interval.
func NewKlineStreamManager(interval string, testnet bool) *KlineStreamManager {
	baseURL := FuturesStreamURL
	if testnet {
		baseURL = FuturesTestnetStreamURL
	}
	return &KlineStreamManager{
		desired:  make(map[string]bool),
		active:   make(map[string]bool),
		interval: interval,
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
		logger:   logging.WithComponent("kline_stream"),
	}
}

// SetKlineCallback sets the handler for incoming kline events.
func (m *KlineStreamManager) SetKlineCallback(cb func(*KlineEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onKline = cb
}

// SetSymbols replaces the desired symbol set. The health loop picks up the
// difference on its next pass.
func (m *KlineStreamManager) SetSymbols(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.desired = make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		m.desired[fmt.Sprintf("%s@kline_%s", strings.ToLower(sym), m.interval)] = true
	}
}

// Start launches the connection and health loops. Idempotent while running.
func (m *KlineStreamManager) Start() error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	go m.healthLoop()
	return nil
}

// Stop tears down the connection.
func (m *KlineStreamManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return
	}
	m.isRunning = false
	close(m.stopChan)
	if m.wsConn != nil {
		m.wsConn.Close()
	}
}

// Health reports connection state for the monitoring endpoint.
func (m *KlineStreamManager) Health() StreamHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StreamHealth{
		Connected:     m.wsConn != nil && m.isRunning,
		LastMessageAt: m.lastMessageAt,
		Reconnects:    m.reconnects,
		Symbols:       len(m.desired),
	}
}

// healthLoop reconciles the live connection against the desired set every
// tick, and rotates connections approaching the session limit.
func (m *KlineStreamManager) healthLoop() {
	ticker := time.NewTicker(klineHealthPeriod)
	defer ticker.Stop()

	m.reconcile()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

func (m *KlineStreamManager) reconcile() {
	m.mu.RLock()
	needsDial := m.wsConn == nil && len(m.desired) > 0
	setChanged := !streamSetsEqual(m.desired, m.active)
	tooOld := m.wsConn != nil && time.Since(m.connectedAt) > klineRotateAfter
	stale := m.wsConn != nil && !m.lastMessageAt.IsZero() && time.Since(m.lastMessageAt) > klineStaleAfter
	empty := len(m.desired) == 0 && m.wsConn != nil
	m.mu.RUnlock()

	switch {
	case empty:
		m.closeConn()
	case needsDial || setChanged || tooOld || stale:
		if tooOld {
			m.logger.Info("rotating kline connection", "age", time.Since(m.connectedAt).String())
		}
		m.redial()
	}
}

func (m *KlineStreamManager) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wsConn != nil {
		m.wsConn.Close()
		m.wsConn = nil
	}
	m.active = make(map[string]bool)
}

// redial opens a fresh combined-stream connection carrying the full desired
// set, then swaps it in and closes the old one.
func (m *KlineStreamManager) redial() {
	m.mu.RLock()
	streams := make([]string, 0, len(m.desired))
	for s := range m.desired {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	if len(streams) == 0 {
		return
	}
	sort.Strings(streams)

	streamURL := m.baseURL + "/stream?streams=" + strings.Join(streams, "/")
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		m.logger.Error("kline stream dial failed", "streams", len(streams), "error", err)
		// Jitter before the next health pass retries.
		time.Sleep(time.Duration(rand.Int63n(int64(2 * time.Second))))
		return
	}

	m.mu.Lock()
	old := m.wsConn
	m.wsConn = conn
	m.connectedAt = time.Now()
	m.lastMessageAt = time.Now()
	if old != nil {
		m.reconnects++
	}
	m.active = make(map[string]bool, len(streams))
	for _, s := range streams {
		m.active[s] = true
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Info("kline stream connected", "streams", len(streams))
	go m.readLoop(conn)
}

func (m *KlineStreamManager) readLoop(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if m.wsConn == conn {
				m.wsConn = nil
				if m.isRunning {
					m.logger.Warn("kline stream read error", "error", err)
				}
			}
			m.mu.Unlock()
			conn.Close()
			return
		}

		var envelope combinedStreamEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}

		var event KlineEvent
		if err := json.Unmarshal(envelope.Data, &event); err != nil || event.EventType != "kline" {
			continue
		}

		m.mu.Lock()
		if m.wsConn == conn {
			m.lastMessageAt = time.Now()
		}
		cb := m.onKline
		m.mu.Unlock()

		if cb != nil {
			cb(&event)
		}
	}
}

func streamSetsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
