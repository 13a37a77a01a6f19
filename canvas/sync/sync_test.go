package sync_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"canvasd.io/canvasd/canvas/canvasdb"
	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/pipeline"
	"canvasd.io/canvasd/canvas/room"
	"canvasd.io/canvasd/canvas/sync"
	"canvasd.io/canvasd/canvas/wire"
)

func newHarness(t *testing.T) (*sync.Service, *room.Room, *canvasdb.SQLStore, model.Project) {
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

	pipe := pipeline.New(log, db)
	svc := sync.New(db, pipe)
	return svc, rm, db, proj
}

func appendNode(t *testing.T, ctx context.Context, pipe *pipeline.Pipeline, rm *room.Room, projectID model.ProjectID, userID model.UserID, opID string) {
	t.Helper()
	params, _ := json.Marshal(map[string]interface{}{"type": "text", "pos": [2]float64{0, 0}, "size": [2]float64{1, 1}})
	sess := pipeline.SessionContext{ConnectionID: "conn-1", UserID: userID, TabID: "tab-1", ProjectID: projectID, Active: true}
	req := wire.ExecuteOperation{OperationID: opID, Type: string(model.OpNodeCreate), Params: params}
	require.NoError(t, pipe.Execute(ctx, rm, sess, req))
}

func TestCheckUpToDateNeedsNoSync(t *testing.T) {
	svc, rm, _, proj := newHarness(t)
	res, err := svc.Check(context.Background(), rm, proj.ID, 0)
	require.NoError(t, err)
	require.False(t, res.NeedsSync)
}

func TestCheckWithinRingReturnsMissedOps(t *testing.T) {
	ctx := context.Background()
	svc, rm, db, proj := newHarness(t)
	u, err := db.GetUser(ctx, proj.OwnerID)
	require.NoError(t, err)
	pipe := pipeline.New(zaptest.NewLogger(t), db)

	appendNode(t, ctx, pipe, rm, proj.ID, u.ID, "op-1")
	appendNode(t, ctx, pipe, rm, proj.ID, u.ID, "op-2")
	appendNode(t, ctx, pipe, rm, proj.ID, u.ID, "op-3")

	res, err := svc.Check(ctx, rm, proj.ID, 1)
	require.NoError(t, err)
	require.True(t, res.NeedsSync)
	require.Len(t, res.MissedOperations, 2)
	require.EqualValues(t, 2, res.MissedOperations[0].Seq)
	require.EqualValues(t, 3, res.MissedOperations[1].Seq)
}

func TestCheckBeyondRingCapacityForcesFullResync(t *testing.T) {
	ctx := context.Background()
	svc, rm, db, proj := newHarness(t)
	u, err := db.GetUser(ctx, proj.OwnerID)
	require.NoError(t, err)
	pipe := pipeline.New(zaptest.NewLogger(t), db)

	for i := 0; i < room.RingCapacity+5; i++ {
		appendNode(t, ctx, pipe, rm, proj.ID, u.ID, "op-"+strconv.Itoa(i))
	}

	res, err := svc.Check(ctx, rm, proj.ID, 0)
	require.NoError(t, err)
	require.True(t, res.NeedsSync)
	require.Nil(t, res.MissedOperations)
}

func TestFullSyncReturnsCurrentSnapshot(t *testing.T) {
	ctx := context.Background()
	_, rm, db, proj := newHarness(t)
	u, err := db.GetUser(ctx, proj.OwnerID)
	require.NoError(t, err)
	pipe := pipeline.New(zaptest.NewLogger(t), db)
	svc := sync.New(db, pipe)

	appendNode(t, ctx, pipe, rm, proj.ID, u.ID, "op-1")

	blob, latest, err := svc.FullSync(ctx, proj.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, latest)
	require.Contains(t, string(blob), `"nodes"`)
}
