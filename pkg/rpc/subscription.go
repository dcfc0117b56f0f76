package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/internal/constants"
)

// HeadSubscription delivers new-block-header notifications from a
// websocket endpoint, falling back to polling after repeated failures
// (§4.1 "Subscription").
type HeadSubscription struct {
	logger *zap.Logger
	url    string

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	failures int

	Heads    chan json.RawMessage
	Fallback chan struct{} // closed once when polling fallback should start
}

// SubscribeNewHeads opens a websocket subscription to new block headers.
// The caller owns the returned subscription and must call Close when
// done; Close always cleans up the underlying connection (§4.1 "Always
// clean up subscriptions on shutdown").
func SubscribeNewHeads(ctx context.Context, url string, logger *zap.Logger) (*HeadSubscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HeadSubscription{
		logger:   logger,
		url:      url,
		Heads:    make(chan json.RawMessage, 64),
		Fallback: make(chan struct{}),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	go s.readLoop(ctx)
	return s, nil
}

func (s *HeadSubscription) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("rpc: websocket dial: %w", err)
	}

	subReq := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "starknet_subscribeNewHeads",
		"params":  map[string]interface{}{},
	}
	if err := conn.WriteJSON(subReq); err != nil {
		conn.Close()
		return fmt.Errorf("rpc: websocket subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *HeadSubscription) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.failures++
			n := s.failures
			s.mu.Unlock()

			s.logger.Warn("head subscription read failed", zap.Error(err), zap.Int("consecutive_failures", n))

			if n >= constants.WSFailuresBeforeFallback {
				s.triggerFallback()
				return
			}

			if reconnErr := s.connect(ctx); reconnErr != nil {
				s.logger.Warn("head subscription reconnect failed", zap.Error(reconnErr))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()

		select {
		case s.Heads <- json.RawMessage(msg):
		default:
			s.logger.Warn("head subscription channel full, dropping notification")
		}
	}
}

func (s *HeadSubscription) triggerFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.Fallback:
	default:
		close(s.Fallback)
	}
}

// Close unsubscribes and releases the underlying connection.
func (s *HeadSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		unsub := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      2,
			"method":  "starknet_unsubscribe",
		}
		_ = s.conn.WriteJSON(unsub)
		return s.conn.Close()
	}
	return nil
}
