package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ListenKeyClient is the user-data stream surface of a master's exchange
// binding. *futures_usdt.Client implements it.
type ListenKeyClient interface {
	WSBaseURL() string
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
}

// WakeStream listens to a master's user-data stream and nudges its monitor
// on every order update. Polling stays the source of truth; a broken stream
// only costs latency.
type WakeStream struct {
	client    ListenKeyClient
	wake      func() bool
	keepAlive time.Duration
	redial    time.Duration
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewWakeStream creates a stream that calls wake on ORDER_TRADE_UPDATE.
func NewWakeStream(client ListenKeyClient, wake func() bool, log *zap.Logger) *WakeStream {
	if log == nil {
		log = zap.NewNop()
	}
	return &WakeStream{
		client:    client,
		wake:      wake,
		keepAlive: 30 * time.Minute,
		redial:    5 * time.Second,
		dialer:    websocket.DefaultDialer,
		log:       log.Named("wake_stream"),
	}
}

// Run keeps the stream connected until ctx ends.
func (s *WakeStream) Run(ctx context.Context) {
	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("⚠️ user stream dropped; redialing", zap.Duration("in", s.redial), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.redial):
		}
	}
}

func (s *WakeStream) session(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.client.CloseListenKey(closeCtx)
	}()

	conn, _, err := s.dialer.DialContext(ctx, s.client.WSBaseURL()+listenKey, nil)
	if err != nil {
		return err
	}
	s.log.Info("✓ user stream connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()
	go s.keepAliveLoop(sessCtx)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if isOrderUpdate(msg) {
			s.wake()
		}
	}
}

func (s *WakeStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx); err != nil {
				s.log.Warn("⚠️ listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// isOrderUpdate reports whether msg is an ORDER_TRADE_UPDATE event. The "e"
// field is decoded separately because other events may carry non-string
// payloads there.
func isOrderUpdate(msg []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return false
	}
	v, ok := raw["e"]
	if !ok {
		return false
	}
	var eventType string
	if err := json.Unmarshal(v, &eventType); err != nil {
		return false
	}
	return eventType == "ORDER_TRADE_UPDATE"
}
