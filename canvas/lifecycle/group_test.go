package lifecycle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"canvasd.io/canvasd/canvas/lifecycle"
)

var errBoom = errors.New("boom")

func TestGroupRunsAllAndClosesInReverseOrder(t *testing.T) {
	log := zaptest.NewLogger(t)

	var closed []string
	var transportStarted, mediaStarted bool

	group := lifecycle.NewGroup(log)
	group.Add(lifecycle.Item{
		Name: "transport",
		Run: func(ctx context.Context) error {
			transportStarted = true
			return nil
		},
		Close: func() error {
			closed = append(closed, "transport")
			return nil
		},
	})
	group.Add(lifecycle.Item{
		Name: "presence",
		Run:  nil,
		Close: func() error {
			closed = append(closed, "presence")
			return nil
		},
	})
	group.Add(lifecycle.Item{
		Name: "media",
		Run: func(ctx context.Context) error {
			mediaStarted = true
			return nil
		},
		Close: nil,
	})

	g, gctx := errgroup.WithContext(context.Background())
	group.Run(gctx, g)
	require.NoError(t, g.Wait())

	require.True(t, transportStarted)
	require.True(t, mediaStarted)

	require.NoError(t, group.Close())
	require.Equal(t, []string{"presence", "transport"}, closed)
}

func TestGroupClosePropagatesAllErrors(t *testing.T) {
	log := zaptest.NewLogger(t)

	group := lifecycle.NewGroup(log)
	group.Add(lifecycle.Item{Name: "a", Close: func() error { return errBoom }})
	group.Add(lifecycle.Item{Name: "b", Close: func() error { return errBoom }})

	err := group.Close()
	require.Error(t, err)
}
