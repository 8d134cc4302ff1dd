package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goatkit/queueflow/internal/models"
)

const wsWriteTimeout = 10 * time.Second

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Event string                `json:"event"`
	Data  models.AggregateStats `json:"data"`
}

// WebSocketSink writes snapshots as JSON frames on a websocket.
type WebSocketSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// UpgradeWebSocket upgrades the request and returns a sink for it. On failure
// the upgrader has already written an HTTP error.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocketSink, error) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketSink{conn: conn}, nil
}

// WatchClose returns a context that is cancelled when the client closes the
// connection. Inbound frames are discarded.
func (s *WebSocketSink) WatchClose(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		for {
			if _, _, err := s.conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return ctx, cancel
}

// Send writes one update frame.
func (s *WebSocketSink) Send(ctx context.Context, stats models.AggregateStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wsMessage{Event: EventName, Data: stats})
}

// Close drops the connection without a close frame.
func (s *WebSocketSink) Close() error {
	return s.conn.Close()
}
