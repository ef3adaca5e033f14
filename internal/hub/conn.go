// Package hub terminates WebSocket connections for agents and dashboards:
// upgrade, authentication, the init handshake, read/write pumps, and routing
// of decoded envelopes into the dispatcher, broadcaster, and store.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue depth per connection.
	defaultSendQueue = 256
)

// wsConn wraps a gorilla connection behind the registry's Socket interface.
// Enqueue never blocks: when the outbound queue is full the oldest frame is
// dropped to admit the new one, keeping the per-destination order of the
// frames that survive.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	dropped atomic.Int64

	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   int
	closeReason string
}

func newWSConn(id string, ws *websocket.Conn, queueSize int, logger *slog.Logger) *wsConn {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, queueSize),
		logger: logger,
	}
}

// Enqueue queues frame for delivery. Returns false only when the connection
// is closed or the frame cannot be admitted even after evicting the oldest
// queued one.
func (c *wsConn) Enqueue(frame []byte) (ok bool) {
	// Close can race the channel send; recover rather than lock every frame.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
	}

	// Queue full: drop the oldest frame and retry once.
	select {
	case <-c.send:
		c.dropped.Add(1)
		c.logger.Debug("hub: outbound queue full, dropped oldest frame",
			slog.String("conn_id", c.id))
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped reports how many outbound frames this connection has shed.
func (c *wsConn) Dropped() int64 { return c.dropped.Load() }

// Close shuts the outbound queue down exactly once. The write pump sends the
// close frame with the recorded code and reason before tearing the socket
// down.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closed.Store(true)
		close(c.send)
	})
}

// writePump drains the outbound queue into the socket and keeps the peer
// alive with pings. It exits when the queue is closed or a write fails, and
// always closes the underlying connection on the way out.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code := c.closeCode
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				msg := websocket.FormatCloseMessage(code, c.closeReason)
				_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("hub: write failed",
					slog.String("conn_id", c.id), slog.Any("error", err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
