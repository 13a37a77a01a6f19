package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"canvasd.io/canvasd/canvas/canvasdb"
	"canvasd.io/canvasd/canvas/media"
	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/server"
	"canvasd.io/canvasd/canvas/transport"
	"canvasd.io/canvasd/canvas/wire"
)

type testHarness struct {
	srv   *server.Server
	db    *canvasdb.SQLStore
	httpT *httptest.Server
	wsT   *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := zaptest.NewLogger(t)

	db, err := canvasdb.OpenSQLite(filepath.Join(t.TempDir(), "canvas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs := media.NewDiskBlobs(t.TempDir(), "/uploads")
	registry := media.New(log, db, blobs, nil, nil)

	srv := server.New(server.Config{Log: log, Store: db, Media: registry, InstanceID: "test-instance"})

	tr := transport.New(log, srv)
	wsT := httptest.NewServer(tr)
	t.Cleanup(wsT.Close)

	httpT := httptest.NewServer(srv.HTTP())
	t.Cleanup(httpT.Close)

	return &testHarness{srv: srv, db: db, httpT: httpT, wsT: wsT}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.wsT.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	var env wire.Envelope
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func readEnvelopeOfType(t *testing.T, ws *websocket.Conn, typ string) wire.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, ws)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("never saw envelope of type %q", typ)
	return wire.Envelope{}
}

func TestJoinProjectOverWebsocketReturnsProjectJoined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, err := h.db.CreateUser(ctx, "iris", "Iris")
	require.NoError(t, err)
	project, err := h.db.CreateProject(ctx, "board-one", user.ID)
	require.NoError(t, err)

	ws := h.dial(t)
	require.NoError(t, ws.WriteJSON(mustEnvelope(t, wire.TypeJoinProject, wire.JoinProject{
		ProjectID: uint64(project.ID), Username: "iris", DisplayName: "Iris", TabID: "tab-1",
	})))

	env := readEnvelopeOfType(t, ws, wire.TypeProjectJoined)
	var joined wire.ProjectJoined
	require.NoError(t, json.Unmarshal(env.Payload, &joined))
	require.Equal(t, uint64(project.ID), joined.ProjectID)
}

func TestExecuteOperationOverWebsocketAcks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, err := h.db.CreateUser(ctx, "iris", "Iris")
	require.NoError(t, err)
	project, err := h.db.CreateProject(ctx, "board-one", user.ID)
	require.NoError(t, err)

	ws := h.dial(t)
	require.NoError(t, ws.WriteJSON(mustEnvelope(t, wire.TypeJoinProject, wire.JoinProject{
		ProjectID: uint64(project.ID), Username: "iris", DisplayName: "Iris", TabID: "tab-1",
	})))
	readEnvelopeOfType(t, ws, wire.TypeProjectJoined)

	params, _ := json.Marshal(map[string]interface{}{
		"tempId": "tmp-1", "type": "image",
		"pos": [2]float64{0, 0}, "size": [2]float64{10, 10},
	})
	require.NoError(t, ws.WriteJSON(mustEnvelope(t, wire.TypeExecuteOperation, wire.ExecuteOperation{
		OperationID: "op-1", Type: string(model.OpNodeCreate), Params: params,
	})))

	env := readEnvelopeOfType(t, ws, wire.TypeOperationAck)
	var ack wire.OperationAck
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	require.Equal(t, "op-1", ack.OperationID)
	require.Equal(t, uint64(1), ack.Seq)
}

func TestSwitchingProjectsLeavesOldRoomAndReclaimsIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, err := h.db.CreateUser(ctx, "iris", "Iris")
	require.NoError(t, err)
	projectA, err := h.db.CreateProject(ctx, "board-a", user.ID)
	require.NoError(t, err)
	projectB, err := h.db.CreateProject(ctx, "board-b", user.ID)
	require.NoError(t, err)

	ws := h.dial(t)
	require.NoError(t, ws.WriteJSON(mustEnvelope(t, wire.TypeJoinProject, wire.JoinProject{
		ProjectID: uint64(projectA.ID), Username: "iris", DisplayName: "Iris", TabID: "tab-1",
	})))
	readEnvelopeOfType(t, ws, wire.TypeProjectJoined)
	require.Equal(t, 1, h.srv.ActiveRoomCount())

	require.NoError(t, ws.WriteJSON(mustEnvelope(t, wire.TypeJoinProject, wire.JoinProject{
		ProjectID: uint64(projectB.ID), Username: "iris", DisplayName: "Iris", TabID: "tab-1",
	})))
	env := readEnvelopeOfType(t, ws, wire.TypeProjectJoined)
	var joined wire.ProjectJoined
	require.NoError(t, json.Unmarshal(env.Payload, &joined))
	require.Equal(t, uint64(projectB.ID), joined.ProjectID)

	// Project A had exactly one occupant, who just switched away: the
	// old Room must be torn down, leaving only B's Room live.
	require.Equal(t, 1, h.srv.ActiveRoomCount())

	activeUsersEnv := readEnvelopeOfType(t, ws, wire.TypeActiveUsers)
	var activeUsers wire.ActiveUsers
	require.NoError(t, json.Unmarshal(activeUsersEnv.Payload, &activeUsers))
	require.Len(t, activeUsers.Users, 1)
	require.Equal(t, uint64(user.ID), activeUsers.Users[0].UserID)
	require.Len(t, activeUsers.Users[0].Tabs, 1, "the departed project's tab must not leak into the new room's snapshot")
}

func TestHeartbeatGetsResponse(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(mustEnvelope(t, wire.TypeHeartbeat, wire.Heartbeat{Timestamp: 42})))
	env := readEnvelopeOfType(t, ws, wire.TypeHeartbeatResponse)
	require.Equal(t, wire.TypeHeartbeatResponse, env.Type)
}

func TestHealthEndpointReportsOK(t *testing.T) {
	h := newHarness(t)
	resp, err := h.httpT.Client().Get(h.httpT.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestProjectsCRUDOverHTTP(t *testing.T) {
	h := newHarness(t)
	client := h.httpT.Client()

	owner, err := h.db.CreateUser(context.Background(), "iris", "Iris")
	require.NoError(t, err)

	createBody, _ := json.Marshal(map[string]interface{}{"name": "new-board", "ownerId": owner.ID})
	resp, err := client.Post(h.httpT.URL+"/projects", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)
	var created model.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotZero(t, created.ID)

	listResp, err := client.Get(h.httpT.URL + "/projects")
	require.NoError(t, err)
	require.Equal(t, 200, listResp.StatusCode)
	var projects []model.Project
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&projects))
	listResp.Body.Close()
	require.NotEmpty(t, projects)

	delReq, err := http.NewRequest(http.MethodDelete, h.httpT.URL+"/projects/"+strconv.FormatUint(uint64(created.ID), 10), nil)
	require.NoError(t, err)
	delResp, err := client.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, 204, delResp.StatusCode)
}

func TestUploadOverHTTPIngestsFile(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "hello.bin")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := h.httpT.Client().Post(h.httpT.URL+"/uploads", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["hash"])
}

func mustEnvelope(t *testing.T, typ string, payload interface{}) wire.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return wire.Envelope{Type: typ, Payload: raw}
}
