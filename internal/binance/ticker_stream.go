package binance

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-ai-trader/internal/logging"
)

// TickerStream consumes the !ticker@arr all-market stream. Every payload is
// the full array of symbols that ticked in the last second.
type TickerStream struct {
	mu sync.RWMutex

	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}

	onBatch func([]TickerEvent)

	baseURL       string
	reconnects    int
	lastMessageAt time.Time
	logger        *logging.Logger
}

// NewTickerStream creates the all-market ticker stream.
func NewTickerStream(testnet bool) *TickerStream {
	baseURL := FuturesStreamURL
	if testnet {
		baseURL = FuturesTestnetStreamURL
	}
	return &TickerStream{
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
		logger:   logging.WithComponent("ticker_stream"),
	}
}

// SetBatchCallback sets the handler invoked for each ticker array payload.
func (s *TickerStream) SetBatchCallback(cb func([]TickerEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBatch = cb
}

// Start connects and begins reading. Idempotent while running.
func (s *TickerStream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.connectLoop()
	return nil
}

// Stop closes the stream.
func (s *TickerStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.wsConn != nil {
		s.wsConn.Close()
	}
}

// Health reports connection state for the monitoring endpoint.
func (s *TickerStream) Health() StreamHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StreamHealth{
		Connected:     s.wsConn != nil && s.isRunning,
		LastMessageAt: s.lastMessageAt,
		Reconnects:    s.reconnects,
	}
}

func (s *TickerStream) connectLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		streamURL := s.baseURL + "/ws/!ticker@arr"
		conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
		if err != nil {
			s.logger.Error("ticker stream dial failed", "error", err)
			s.sleepReconnect()
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.mu.Unlock()
		s.logger.Info("ticker stream connected")

		s.readLoop(conn)

		s.mu.Lock()
		s.wsConn = nil
		running := s.isRunning
		if running {
			s.reconnects++
		}
		s.mu.Unlock()

		if !running {
			return
		}
		s.sleepReconnect()
	}
}

func (s *TickerStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn("ticker stream read error", "error", err)
			return
		}

		var batch []TickerEvent
		if err := json.Unmarshal(message, &batch); err != nil {
			s.logger.Debug("skipping non-array ticker payload", "error", err)
			continue
		}

		s.mu.Lock()
		s.lastMessageAt = time.Now()
		cb := s.onBatch
		s.mu.Unlock()

		if cb != nil && len(batch) > 0 {
			cb(batch)
		}
	}
}

// sleepReconnect waits 1-6s so a fleet of restarts does not thundering-herd
// the endpoint.
func (s *TickerStream) sleepReconnect() {
	delay := time.Second + time.Duration(rand.Int63n(int64(5*time.Second)))
	select {
	case <-s.stopChan:
	case <-time.After(delay):
	}
}
