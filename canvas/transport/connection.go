// Package transport implements the framed bidirectional channel of spec
// §4.7 over gorilla/websocket: per-connection FIFO delivery, heartbeat
// enforcement, a bounded send queue with close-on-overflow backpressure,
// and a max frame size.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MaxFrameBytes is the large-payload safeguard of spec §4.7 (~50 MiB).
const MaxFrameBytes = 50 * 1024 * 1024

// heartbeatInterval/missedBeats match spec §4.7: heartbeat every ~10s,
// terminate after 3 missed beats.
const (
	heartbeatInterval = 10 * time.Second
	missedBeats       = 3
	readDeadline      = heartbeatInterval * missedBeats
)

// sendQueueCapacity bounds the per-connection outbound buffer (spec §5
// "each connection has a bounded send queue; on overflow the connection
// is closed rather than dropping messages silently").
const sendQueueCapacity = 256

// Connection wraps one client websocket and satisfies canvas/room.Peer.
type Connection struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Connection)
}

func newConnection(id string, ws *websocket.Conn, log *zap.Logger, onClose func(*Connection)) *Connection {
	ws.SetReadLimit(MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))

	return &Connection{
		id:      id,
		conn:    ws,
		log:     log,
		send:    make(chan []byte, sendQueueCapacity),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

// ConnectionID satisfies canvas/room.Peer.
func (c *Connection) ConnectionID() string { return c.id }

// Send enqueues msg for delivery, preserving per-connection FIFO order.
// A full queue indicates a slow or stuck client; per spec §5 the
// connection is closed rather than blocking the broadcaster or dropping
// silently.
func (c *Connection) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		c.log.Warn("send queue overflow, closing connection", zap.String("connection", c.id))
		c.Close()
	}
}

// Close tears down the connection exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// touchDeadline resets the read deadline on any inbound frame, logical
// heartbeats included; a client that stops sending anything for
// readDeadline is presumed gone.
func (c *Connection) touchDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
}

// readLoop blocks reading frames until the connection closes, invoking
// onMessage for each one. It never returns until the underlying
// connection errors or Close is called.
func (c *Connection) readLoop(onMessage func(msg []byte)) {
	defer c.Close()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touchDeadline()
		onMessage(msg)
	}
}

// writeLoop drains the send queue to the socket in FIFO order until the
// connection closes.
func (c *Connection) writeLoop() {
	defer c.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
