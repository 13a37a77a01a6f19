package pipeline_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"canvasd.io/canvasd/canvas/canvasdb"
	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/pipeline"
	"canvasd.io/canvasd/canvas/room"
	"canvasd.io/canvasd/canvas/wire"
)

type capturePeer struct {
	id string
	mu sync.Mutex
	in []wire.Envelope
}

func (p *capturePeer) ConnectionID() string { return p.id }
func (p *capturePeer) Send(msg []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, env)
}
func (p *capturePeer) last() wire.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in[len(p.in)-1]
}
func (p *capturePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.in)
}

type fixture struct {
	pipe    *pipeline.Pipeline
	room    *room.Room
	user    model.User
	project model.Project
	self    *capturePeer
	peer    *capturePeer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := canvasdb.OpenSQLite(filepath.Join(dir, "canvas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	u, err := db.CreateUser(ctx, "mina", "Mina")
	require.NoError(t, err)
	proj, err := db.CreateProject(ctx, "board-one", u.ID)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	rm, err := room.New(ctx, log, db, proj.ID)
	require.NoError(t, err)

	self := &capturePeer{id: "conn-self"}
	peer := &capturePeer{id: "conn-peer"}
	rm.Admit(self, u.ID, "tab-1")
	rm.Admit(peer, u.ID, "tab-2")
	rm.Activate("conn-self")
	rm.Activate("conn-peer")

	return fixture{pipe: pipeline.New(log, db), room: rm, user: u, project: proj, self: self, peer: peer}
}

func (f fixture) session() pipeline.SessionContext {
	return pipeline.SessionContext{ConnectionID: f.self.id, UserID: f.user.ID, TabID: "tab-1", ProjectID: f.project.ID, Active: true}
}

func TestExecuteNodeCreateAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	params, _ := json.Marshal(map[string]interface{}{
		"tempId": "c1",
		"type":   "image",
		"pos":    [2]float64{100, 100},
		"size":   [2]float64{200, 200},
	})
	req := wire.ExecuteOperation{OperationID: "op-a", Type: string(model.OpNodeCreate), Params: params}

	err := f.pipe.Execute(ctx, f.room, f.session(), req)
	require.NoError(t, err)

	ack := f.self.last()
	require.Equal(t, wire.TypeOperationAck, ack.Type)
	var ackPayload wire.OperationAck
	require.NoError(t, json.Unmarshal(ack.Payload, &ackPayload))
	require.Equal(t, "op-a", ackPayload.OperationID)
	require.EqualValues(t, 1, ackPayload.Seq)
	require.Equal(t, uint64(0), ackPayload.AssignedIDs["c1"])

	update := f.peer.last()
	require.Equal(t, wire.TypeStateUpdate, update.Type)
	var su wire.StateUpdate
	require.NoError(t, json.Unmarshal(update.Payload, &su))
	require.Len(t, su.Changes.Added, 1)
}

func TestExecuteUnknownTypeRejected(t *testing.T) {
	f := newFixture(t)
	req := wire.ExecuteOperation{OperationID: "op-b", Type: "not_a_type", Params: json.RawMessage(`{}`)}

	err := f.pipe.Execute(context.Background(), f.room, f.session(), req)
	require.Error(t, err)

	rej := f.self.last()
	require.Equal(t, wire.TypeOperationRejected, rej.Type)
	var payload wire.OperationRejected
	require.NoError(t, json.Unmarshal(rej.Payload, &payload))
	require.Equal(t, pipeline.ReasonUnknownType, payload.Reason)
}

func TestExecuteUnresolvedNodeReferenceRejected(t *testing.T) {
	f := newFixture(t)
	params, _ := json.Marshal(map[string]interface{}{"nodeIds": []uint64{999}})
	req := wire.ExecuteOperation{OperationID: "op-c", Type: string(model.OpNodeDelete), Params: params}

	err := f.pipe.Execute(context.Background(), f.room, f.session(), req)
	require.Error(t, err)

	rej := f.self.last()
	var payload wire.OperationRejected
	require.NoError(t, json.Unmarshal(rej.Payload, &payload))
	require.Equal(t, pipeline.ReasonNotFound, payload.Reason)
	require.Equal(t, "node 999", payload.Error)
}

func TestExecuteInlineMediaRejected(t *testing.T) {
	f := newFixture(t)
	params, _ := json.Marshal(map[string]interface{}{
		"tempId": "c1", "type": "image",
		"pos": [2]float64{0, 0}, "size": [2]float64{10, 10},
		"properties": map[string]interface{}{"thumb": "data:image/png;base64,aaaa"},
	})
	req := wire.ExecuteOperation{OperationID: "op-d", Type: string(model.OpNodeCreate), Params: params}

	err := f.pipe.Execute(context.Background(), f.room, f.session(), req)
	require.Error(t, err)

	rej := f.self.last()
	var payload wire.OperationRejected
	require.NoError(t, json.Unmarshal(rej.Payload, &payload))
	require.Equal(t, pipeline.ReasonPayloadInlineMedia, payload.Reason)
}

func TestExecuteNotActiveRejected(t *testing.T) {
	f := newFixture(t)
	sess := f.session()
	sess.Active = false
	req := wire.ExecuteOperation{OperationID: "op-e", Type: string(model.OpNodeCreate), Params: json.RawMessage(`{"type":"text","pos":[0,0],"size":[1,1]}`)}

	err := f.pipe.Execute(context.Background(), f.room, sess, req)
	require.Error(t, err)

	rej := f.self.last()
	var payload wire.OperationRejected
	require.NoError(t, json.Unmarshal(rej.Payload, &payload))
	require.Equal(t, pipeline.ReasonNotAuthenticated, payload.Reason)
}

func TestExecuteSameOperationIDReplaysAckWithoutReapplying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params, _ := json.Marshal(map[string]interface{}{"type": "text", "pos": [2]float64{0, 0}, "size": [2]float64{1, 1}})
	req := wire.ExecuteOperation{OperationID: "op-f", Type: string(model.OpNodeCreate), Params: params}

	require.NoError(t, f.pipe.Execute(ctx, f.room, f.session(), req))
	firstAck := f.self.last()

	require.NoError(t, f.pipe.Execute(ctx, f.room, f.session(), req))
	secondAck := f.self.last()

	require.Equal(t, firstAck.Payload, secondAck.Payload)
	require.EqualValues(t, 1, f.room.SequenceCounter(), "replay must not consume a new seq")
}

func TestExecutePayloadTooLargeRejected(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("x", pipeline.MaxOperationPayloadBytes+1)
	params, _ := json.Marshal(map[string]interface{}{"type": "text", "pos": [2]float64{0, 0}, "size": [2]float64{1, 1}, "properties": map[string]string{"blob": big}})
	req := wire.ExecuteOperation{OperationID: "op-g", Type: string(model.OpNodeCreate), Params: params}

	err := f.pipe.Execute(context.Background(), f.room, f.session(), req)
	require.Error(t, err)

	rej := f.self.last()
	var payload wire.OperationRejected
	require.NoError(t, json.Unmarshal(rej.Payload, &payload))
	require.Equal(t, pipeline.ReasonPayloadTooLarge, payload.Reason)
}

func TestExecuteMoveThenUndoRoundTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	createParams, _ := json.Marshal(map[string]interface{}{"type": "text", "pos": [2]float64{0, 0}, "size": [2]float64{1, 1}})
	require.NoError(t, f.pipe.Execute(ctx, f.room, f.session(), wire.ExecuteOperation{OperationID: "op-h1", Type: string(model.OpNodeCreate), Params: createParams}))

	doc, err := f.pipe.Document(ctx, f.project.ID)
	require.NoError(t, err)
	before := doc.Snapshot()

	moveParams, _ := json.Marshal(map[string]interface{}{"nodeIds": []uint64{0}, "positions": [][2]float64{{50, 50}}})
	require.NoError(t, f.pipe.Execute(ctx, f.room, f.session(), wire.ExecuteOperation{OperationID: "op-h2", Type: string(model.OpNodeMove), Params: moveParams}))
	require.NotEqual(t, before, doc.Snapshot())

	moveBackParams, _ := json.Marshal(map[string]interface{}{"nodeIds": []uint64{0}, "positions": [][2]float64{{0, 0}}})
	require.NoError(t, f.pipe.Execute(ctx, f.room, f.session(), wire.ExecuteOperation{OperationID: "op-h3", Type: string(model.OpNodeMove), Params: moveBackParams}))
	require.JSONEq(t, string(before), string(doc.Snapshot()))
}
