package transport

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/wire"
)

// Handler receives decoded frames and connection lifecycle events from a
// Transport. canvas/server implements it, routing each message type to
// SessionRegistry, Room, OperationPipeline or sync.Service.
type Handler interface {
	HandleMessage(conn *Connection, envelope wire.Envelope)
	HandleClose(conn *Connection)
}

// Transport owns the websocket upgrade endpoint and the set of live
// connections.
type Transport struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	handler  Handler

	mu    sync.RWMutex
	conns map[string]*Connection
}

// New constructs a Transport. The upgrader is CORS-permissive to match
// the static-asset surface in spec §6; origin checks belong to a
// reverse proxy in front of canvasd, not this layer.
func New(log *zap.Logger, handler Handler) *Transport {
	return &Transport{
		log:     log,
		handler: handler,
		conns:   make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket and runs the
// connection's read/write loops until it closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	conn := newConnection(id, ws, t.log, t.remove)

	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()

	go conn.writeLoop()
	conn.readLoop(func(msg []byte) {
		env, err := decode(msg)
		if err != nil {
			t.log.Debug("dropping malformed frame", zap.String("connection", id), zap.Error(err))
			return
		}
		t.handler.HandleMessage(conn, env)
	})
}

func (t *Transport) remove(conn *Connection) {
	t.mu.Lock()
	delete(t.conns, conn.id)
	t.mu.Unlock()
	t.handler.HandleClose(conn)
}

// Get returns the live connection for id, if any. canvas/server uses
// this to address server-originated frames at a specific
// targetConnection (spec §4.7).
func (t *Transport) Get(id string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

func decode(msg []byte) (wire.Envelope, error) {
	var env wire.Envelope
	err := json.Unmarshal(msg, &env)
	return env, err
}
