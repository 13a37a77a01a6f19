// Package sync implements the SyncService of spec §4.6: the
// sync_check/sync_response catch-up negotiation and the
// request_full_sync fallback.
package sync

import (
	"context"
	"encoding/json"

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/pipeline"
	"canvasd.io/canvasd/canvas/room"
	"canvasd.io/canvasd/canvas/store"
)

// Service is the SyncService.
type Service struct {
	store store.Store
	pipe  *pipeline.Pipeline
}

// New constructs a Service.
func New(st store.Store, pipe *pipeline.Pipeline) *Service {
	return &Service{store: st, pipe: pipe}
}

// CheckResult mirrors wire.SyncResponse but carries model.Operation
// instead of pre-serialized JSON, leaving wire encoding to the caller.
type CheckResult struct {
	NeedsSync        bool
	MissedOperations []model.Operation // nil when a full resync is required
	LatestSeq        model.Seq
}

// Check implements sync_check. It first tries Room's in-memory ring for
// the missed range; if the ring has already evicted part of the range
// but the gap is still within ring capacity, it falls back to Store
// (spec §4.6: "falling back to Store on miss"). A gap larger than ring
// capacity forces a full resync.
func (s *Service) Check(ctx context.Context, rm *room.Room, projectID model.ProjectID, lastSeq model.Seq) (CheckResult, error) {
	latest := rm.SequenceCounter()
	if latest == lastSeq {
		return CheckResult{NeedsSync: false, LatestSeq: latest}, nil
	}

	if latest < lastSeq || latest-lastSeq > room.RingCapacity {
		return CheckResult{NeedsSync: true, LatestSeq: latest}, nil
	}

	if ops, ok := rm.Since(lastSeq, int(latest-lastSeq)); ok {
		return CheckResult{NeedsSync: true, MissedOperations: ops, LatestSeq: latest}, nil
	}

	ops, err := s.store.OperationsSince(ctx, projectID, lastSeq, int(latest-lastSeq))
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{NeedsSync: true, MissedOperations: ops, LatestSeq: latest}, nil
}

// FullSync implements request_full_sync: the caller falls back to this
// when Check reports a gap beyond ring capacity, or unconditionally
// after (re)joining a project. The returned snapshot is the pipeline's
// live in-memory document, which already reflects Store's last save
// marker patched forward by every accepted operation since (spec §4.6).
func (s *Service) FullSync(ctx context.Context, projectID model.ProjectID) (json.RawMessage, model.Seq, error) {
	doc, err := s.pipe.Document(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	latest, err := s.store.LatestSeq(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	return doc.Snapshot(), latest, nil
}
