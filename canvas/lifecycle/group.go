// Package lifecycle supervises canvasd's long-running service components
// (in cmd/canvasd: the HTTP and websocket Transport listeners, the store
// and the presence bus) as one errgroup-backed group, adapted from
// storj's private/lifecycle.Group: services Run concurrently and, on
// shutdown, Close in the reverse order they were Added so a later
// component (which may depend on an earlier one) tears down first.
package lifecycle

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zeebo/errs"
)

// Item is one supervised component. Run is optional (nil for a
// component with nothing to do once started, matching item "B" in the
// teacher's own group test). Close is optional for components with
// nothing to release.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group supervises a set of Items.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup constructs an empty Group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add registers item. Order matters: Close runs items in reverse Add
// order.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts every Item with a non-nil Run function as a goroutine in g,
// logging entry/exit. It returns immediately; callers wait on g.Wait().
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() (err error) {
			group.log.Info("starting", zap.String("name", item.Name))
			defer func() {
				if err != nil {
					group.log.Error("fatal error", zap.String("name", item.Name), zap.Error(err))
				} else {
					group.log.Info("exited", zap.String("name", item.Name))
				}
			}()
			return item.Run(ctx)
		})
	}
}

// Close closes every Item with a non-nil Close function in reverse Add
// order, collecting (not short-circuiting on) individual errors.
func (group *Group) Close() error {
	var group_ errs.Group
	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		group.log.Info("closing", zap.String("name", item.Name))
		if err := item.Close(); err != nil {
			group_.Add(err)
		}
	}
	return group_.Err()
}
