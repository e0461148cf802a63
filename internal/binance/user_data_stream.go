package binance

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-ai-trader/internal/logging"
)

// UserDataStream consumes one model's user data stream and surfaces order
// fill events, so conditional-order bookkeeping does not depend on REST
// polling alone.
type UserDataStream struct {
	mu sync.RWMutex

	client    *Client
	listenKey string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}

	onOrderUpdate func(*OrderUpdateEvent)

	baseURL       string
	reconnects    int
	lastMessageAt time.Time
	logger        *logging.Logger
}

// NewUserDataStream creates a user data stream bound to one credential pair.
func NewUserDataStream(client *Client, testnet bool) *UserDataStream {
	baseURL := FuturesStreamURL
	if testnet {
		baseURL = FuturesTestnetStreamURL
	}
	return &UserDataStream{
		client:   client,
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
		logger:   logging.WithComponent("user_data_stream"),
	}
}

// SetOrderUpdateCallback sets the handler for ORDER_TRADE_UPDATE events.
func (s *UserDataStream) SetOrderUpdateCallback(cb func(*OrderUpdateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrderUpdate = cb
}

// Start obtains a listen key and begins reading. Idempotent while running.
func (s *UserDataStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	listenKey, err := s.client.GetListenKey(ctx)
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.listenKey = listenKey
	s.mu.Unlock()

	go s.connectLoop()
	go s.keepAliveLoop()
	return nil
}

// Stop closes the stream and releases the listen key.
func (s *UserDataStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	conn := s.wsConn
	listenKey := s.listenKey
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if listenKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.CloseListenKey(ctx, listenKey); err != nil {
			s.logger.Warn("failed to close listen key", "error", err)
		}
	}
}

// Health reports connection state for the monitoring endpoint.
func (s *UserDataStream) Health() StreamHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StreamHealth{
		Connected:     s.wsConn != nil && s.isRunning,
		LastMessageAt: s.lastMessageAt,
		Reconnects:    s.reconnects,
	}
}

func (s *UserDataStream) connectLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		listenKey := s.listenKey
		s.mu.RUnlock()

		conn, _, err := websocket.DefaultDialer.Dial(s.baseURL+"/ws/"+listenKey, nil)
		if err != nil {
			s.logger.Error("user data stream dial failed", "error", err)
			s.sleepReconnect()
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.mu.Unlock()
		s.logger.Info("user data stream connected")

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

func (s *UserDataStream) readLoop(conn *websocket.Conn) {
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
			s.logger.Warn("user data stream read error", "error", err)
			return
		}

		s.mu.Lock()
		s.lastMessageAt = time.Now()
		s.mu.Unlock()

		var envelope struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}

		if envelope.EventType == "ORDER_TRADE_UPDATE" {
			var event OrderUpdateEvent
			if err := json.Unmarshal(message, &event); err != nil {
				s.logger.Debug("failed to parse order update", "error", err)
				continue
			}
			s.mu.RLock()
			cb := s.onOrderUpdate
			s.mu.RUnlock()
			if cb != nil {
				cb(&event)
			}
		}
	}
}

// keepAliveLoop refreshes the listen key every 30 minutes; the key expires
// after 60 minutes of silence.
func (s *UserDataStream) keepAliveLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.RLock()
			listenKey := s.listenKey
			s.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.client.KeepAliveListenKey(ctx, listenKey)
			cancel()
			if err != nil {
				s.logger.Error("listen key keepalive failed, requesting new key", "error", err)
				s.refreshListenKey()
			}
		}
	}
}

func (s *UserDataStream) refreshListenKey() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listenKey, err := s.client.GetListenKey(ctx)
	if err != nil {
		s.logger.Error("failed to refresh listen key", "error", err)
		return
	}

	s.mu.Lock()
	s.listenKey = listenKey
	conn := s.wsConn
	s.mu.Unlock()

	// Force a reconnect so the new key takes effect.
	if conn != nil {
		conn.Close()
	}
}

func (s *UserDataStream) sleepReconnect() {
	delay := time.Second + time.Duration(rand.Int63n(int64(5*time.Second)))
	select {
	case <-s.stopChan:
	case <-time.After(delay):
	}
}
