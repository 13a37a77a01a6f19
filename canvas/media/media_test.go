package media_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"canvasd.io/canvasd/canvas/canvasdb"
	"canvasd.io/canvasd/canvas/media"
)

type fakeProcessor struct{}

func (fakeProcessor) Derive(_ context.Context, data []byte, _ string, sizes []int) (map[int][]byte, error) {
	out := make(map[int][]byte, len(sizes))
	for _, size := range sizes {
		if size > len(data)*1000 {
			continue // simulate "too small to derive" non-fatal miss
		}
		out[size] = append([]byte(nil), data...)
	}
	return out, nil
}

func newTestRegistry(t *testing.T) *media.Registry {
	t.Helper()
	dir := t.TempDir()
	db, err := canvasdb.OpenSQLite(filepath.Join(dir, "canvas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	blobs := media.NewDiskBlobs(filepath.Join(dir, "blobs"), "/uploads")
	return media.New(zaptest.NewLogger(t), db, blobs, fakeProcessor{}, nil)
}

func TestIngestDerivesThumbnails(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	result, err := r.Ingest(ctx, bytes.NewReader([]byte("fake-image-bytes")), "image/png", "")
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Len(t, result.Hash, 64)
	require.NotEmpty(t, result.Thumbs)
}

func TestIngestDedupesOnHash(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	first, err := r.Ingest(ctx, bytes.NewReader([]byte("same-bytes")), "image/png", "")
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := r.Ingest(ctx, bytes.NewReader([]byte("same-bytes")), "image/png", "")
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Hash, second.Hash)
}

func TestIngestRejectsMismatchedDeclaredHash(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.Ingest(ctx, bytes.NewReader([]byte("bytes")), "image/png", "not-the-real-hash")
	require.Error(t, err)
}
