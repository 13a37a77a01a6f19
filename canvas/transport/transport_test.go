package transport_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"canvasd.io/canvasd/canvas/transport"
	"canvasd.io/canvasd/canvas/wire"
)

type recordingHandler struct {
	mu      sync.Mutex
	msgs    []wire.Envelope
	closed  []string
	gotMsg  chan struct{}
	gotShut chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{gotMsg: make(chan struct{}, 16), gotShut: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessage(conn *transport.Connection, env wire.Envelope) {
	h.mu.Lock()
	h.msgs = append(h.msgs, env)
	h.mu.Unlock()
	h.gotMsg <- struct{}{}
}

func (h *recordingHandler) HandleClose(conn *transport.Connection) {
	h.mu.Lock()
	h.closed = append(h.closed, conn.ConnectionID())
	h.mu.Unlock()
	h.gotShut <- struct{}{}
}

func dialTestServer(t *testing.T, tr *transport.Transport) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(tr)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws, func() {
		_ = ws.Close()
		srv.Close()
	}
}

func TestServeHTTPDeliversDecodedEnvelope(t *testing.T) {
	h := newRecordingHandler()
	tr := transport.New(zaptest.NewLogger(t), h)
	ws, cleanup := dialTestServer(t, tr)
	defer cleanup()

	require.NoError(t, ws.WriteJSON(wire.Envelope{Type: wire.TypeHeartbeat, Payload: []byte(`{"timestamp":1}`)}))

	select {
	case <-h.gotMsg:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.msgs, 1)
	require.Equal(t, wire.TypeHeartbeat, h.msgs[0].Type)
}

func TestCloseInvokesHandleClose(t *testing.T) {
	h := newRecordingHandler()
	tr := transport.New(zaptest.NewLogger(t), h)
	ws, cleanup := dialTestServer(t, tr)
	defer cleanup()

	require.NoError(t, ws.WriteJSON(wire.Envelope{Type: wire.TypeHeartbeat}))
	<-h.gotMsg

	require.NoError(t, ws.Close())

	select {
	case <-h.gotShut:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	h := newRecordingHandler()
	tr := transport.New(zaptest.NewLogger(t), h)
	ws, cleanup := dialTestServer(t, tr)
	defer cleanup()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteJSON(wire.Envelope{Type: wire.TypeHeartbeat}))

	select {
	case <-h.gotMsg:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the well-formed frame to be delivered")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.msgs, 1, "the malformed frame must not have been delivered")
}
