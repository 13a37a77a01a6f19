package canvasdb_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"canvasd.io/canvasd/canvas/canvasdb"
	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/store"
)

func openTestStore(t *testing.T) *canvasdb.SQLStore {
	t.Helper()
	dir := t.TempDir()
	db, err := canvasdb.OpenSQLite(filepath.Join(dir, "canvas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func mustUserAndProject(t *testing.T, ctx context.Context, db *canvasdb.SQLStore) (model.User, model.Project) {
	t.Helper()
	u, err := db.CreateUser(ctx, "iris", "Iris")
	require.NoError(t, err)
	p, err := db.CreateProject(ctx, "board-one", u.ID)
	require.NoError(t, err)
	return u, p
}

func TestAppendOperationContiguousFromOne(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	u, p := mustUserAndProject(t, ctx, db)

	for i := 1; i <= 5; i++ {
		seq, err := db.AppendOperation(ctx, p.ID, u.ID, "tab-a", model.OpNodeCreate, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		require.EqualValues(t, i, seq)
	}

	latest, err := db.LatestSeq(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, latest)
}

func TestAppendOperationConcurrentAppendersStayContiguous(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	u, p := mustUserAndProject(t, ctx, db)

	const n = 20
	seqs := make([]model.Seq, n)
	errsOut := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				seq, err := db.AppendOperation(ctx, p.ID, u.ID, "tab-a", model.OpNodeMove, json.RawMessage(`{}`), nil)
				if err != nil && store.ErrConflict.Has(err) {
					continue // retry, as the spec requires of callers
				}
				seqs[i], errsOut[i] = seq, err
				return
			}
		}(i)
	}
	wg.Wait()

	seen := map[model.Seq]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errsOut[i])
		require.False(t, seen[seqs[i]], "duplicate seq %d", seqs[i])
		seen[seqs[i]] = true
	}
	for i := model.Seq(1); i <= n; i++ {
		require.True(t, seen[i], "missing seq %d", i)
	}
}

func TestOperationsSinceRange(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	u, p := mustUserAndProject(t, ctx, db)

	for i := 0; i < 10; i++ {
		_, err := db.AppendOperation(ctx, p.ID, u.ID, "tab-a", model.OpNodeMove, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}

	ops, err := db.OperationsSince(ctx, p.ID, 3, 4)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	for i, op := range ops {
		require.EqualValues(t, 4+i, op.Seq)
	}
}

func TestRegisterFileIdempotentOnHash(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)

	r1, err := db.RegisterFile(ctx, "deadbeef", store.FileMeta{StoredName: "a.png", Mime: "image/png", Size: 10})
	require.NoError(t, err)
	require.True(t, r1.Created)

	r2, err := db.RegisterFile(ctx, "deadbeef", store.FileMeta{StoredName: "b.png", Mime: "image/png", Size: 99})
	require.NoError(t, err)
	require.False(t, r2.Created)
	require.Equal(t, r1.File.ID, r2.File.ID)
	require.Equal(t, "a.png", r2.File.StoredName)
}

func TestSnapshotSaveLoadPatch(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	_, p := mustUserAndProject(t, ctx, db)

	blob, err := db.LoadSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.Nil(t, blob)

	require.NoError(t, db.SaveSnapshot(ctx, p.ID, json.RawMessage(`{"nodes":[]}`)))
	blob, err = db.LoadSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"nodes":[]}`, string(blob))

	require.NoError(t, db.PatchSnapshot(ctx, p.ID, "viewport.scale", 2.5))
	blob, err = db.LoadSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"nodes":[],"viewport":{"scale":2.5}}`, string(blob))
}

func TestCleanupOrphanFiles(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	_, p := mustUserAndProject(t, ctx, db)

	_, err := db.RegisterFile(ctx, "referenced-hash", store.FileMeta{StoredName: "r.png", Mime: "image/png", Size: 1})
	require.NoError(t, err)
	_, err = db.RegisterFile(ctx, "orphan-hash", store.FileMeta{StoredName: "o.png", Mime: "image/png", Size: 1})
	require.NoError(t, err)

	require.NoError(t, db.SaveSnapshot(ctx, p.ID, json.RawMessage(`{"nodes":[{"properties":{"hash":"referenced-hash"}}]}`)))

	orphans, err := db.CleanupOrphanFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"orphan-hash"}, orphans)

	_, err = db.GetFileByHash(ctx, "orphan-hash")
	require.True(t, store.ErrNotFound.Has(err))
	_, err = db.GetFileByHash(ctx, "referenced-hash")
	require.NoError(t, err)
}
