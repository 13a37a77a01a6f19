// Package pipeline implements the OperationPipeline of spec §4.5: the
// authorize/validate/dedup/sequence/ack-or-reject flow every
// execute_operation frame goes through, plus the per-type
// (validate, apply, undo) registry in ops.go.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/metrics"
	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/room"
	"canvasd.io/canvasd/canvas/store"
	"canvasd.io/canvasd/canvas/wire"
)

// Rejection reasons, spec §7.
const (
	ReasonNotAuthenticated      = "not_authenticated"
	ReasonUnknownType           = "unknown_type"
	ReasonValidationFailed      = "validation_failed"
	ReasonSequenceConflict      = "sequence_conflict"
	ReasonPayloadTooLarge       = "payload_too_large"
	ReasonPayloadInlineMedia    = "payload_contains_inline_media"
	ReasonNotFound              = "not_found"
	ReasonInternal              = "internal"
)

// MaxOperationPayloadBytes bounds a single operation's params (spec §6
// mentions size limits without naming a figure for this layer; 64 KiB
// comfortably covers the largest legitimate payload — a few hundred
// node references in a transaction — while catching anything
// attempting to smuggle binary data inline).
const MaxOperationPayloadBytes = 64 * 1024

// SessionContext identifies the originator of an execute_operation
// frame as resolved by canvas/session + canvas/room before the pipeline
// is invoked.
type SessionContext struct {
	ConnectionID string
	UserID       model.UserID
	TabID        string
	ProjectID    model.ProjectID
	Active       bool
}

// Pipeline is the OperationPipeline.
type Pipeline struct {
	log     *zap.Logger
	store   store.Store
	metrics *metrics.Metrics

	mu     sync.Mutex
	docs   map[model.ProjectID]*Document
	dedups map[model.ProjectID]*dedupCache
}

// New constructs a Pipeline.
func New(log *zap.Logger, st store.Store) *Pipeline {
	return &Pipeline{
		log:    log,
		store:  st,
		docs:   make(map[model.ProjectID]*Document),
		dedups: make(map[model.ProjectID]*dedupCache),
	}
}

// SetMetrics attaches a metrics collector the Pipeline reports dedup
// replays and operation latency to; left nil it skips both.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Document returns the in-memory document for projectID, loading it
// from the store's persisted snapshot on first access.
func (p *Pipeline) Document(ctx context.Context, projectID model.ProjectID) (*Document, error) {
	p.mu.Lock()
	if d, ok := p.docs[projectID]; ok {
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	blob, err := p.store.LoadSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	d, err := loadDocument(blob)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.docs[projectID]; ok {
		return existing, nil
	}
	p.docs[projectID] = d
	return d, nil
}

func (p *Pipeline) dedupFor(projectID model.ProjectID) *dedupCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.dedups[projectID]
	if !ok {
		c = newDedupCache(dedupTTL)
		p.dedups[projectID] = c
	}
	return c
}

// Execute runs the full pipeline for one execute_operation frame,
// sending the ack/rejection to the originator and broadcasting the
// resulting state_update to the rest of the room. The returned error is
// for server-side logging only — rejection is always communicated to
// the client over rm, never by returning an error to the caller.
func (p *Pipeline) Execute(ctx context.Context, rm *room.Room, sess SessionContext, req wire.ExecuteOperation) error {
	dedup := p.dedupFor(sess.ProjectID)
	if cached, retryCount, ok := dedup.lookup(req.OperationID); ok {
		return p.replay(rm, sess.ConnectionID, req.OperationID, cached, retryCount)
	}

	if !sess.Active {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonNotAuthenticated, "session is not active in this project")
	}

	handler, known := Registry[model.OperationType(req.Type)]
	if !known {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonUnknownType, fmt.Sprintf("unregistered operation type %q", req.Type))
	}
	if len(req.Params) > MaxOperationPayloadBytes {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonPayloadTooLarge, "operation payload exceeds the size limit")
	}
	if containsInlineMedia(req.Params) {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonPayloadInlineMedia, "operations may not embed inline media; upload to MediaRegistry first")
	}

	doc, err := p.Document(ctx, sess.ProjectID)
	if err != nil {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonInternal, "loading project state")
	}

	var result ApplyResult
	var validationErr error
	applyStart := time.Now()
	seq, persisted, err := rm.Apply(ctx, sess.UserID, sess.TabID, model.OperationType(req.Type),
		func() (data, undoData json.RawMessage, ok bool, err error) {
			var applyErr error
			doc.mutate(func() {
				if vErr := handler.Validate(doc, req.Params); vErr != nil {
					validationErr = vErr
					return
				}
				result, applyErr = handler.Apply(doc, req.Params)
			})
			if validationErr != nil {
				return nil, nil, false, nil
			}
			if applyErr != nil {
				return nil, nil, false, applyErr
			}
			return req.Params, result.UndoData, true, nil
		},
		nil,
	)
	if p.metrics != nil && err == nil && validationErr == nil && persisted {
		p.metrics.OperationLatency.Observe(time.Since(applyStart).Seconds())
	}
	if err != nil {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonInternal, err.Error())
	}
	if validationErr != nil {
		var notFound *nodeNotFoundError
		if errors.As(validationErr, &notFound) {
			return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonNotFound, validationErr.Error())
		}
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonValidationFailed, validationErr.Error())
	}
	if !persisted {
		return p.reject(rm, dedup, sess.ConnectionID, req.OperationID, ReasonSequenceConflict, "could not sequence operation")
	}

	assigned := make(map[string]uint64, len(result.AssignedIDs))
	for k, v := range result.AssignedIDs {
		assigned[k] = uint64(v)
	}
	ack := ackOutcome{Seq: uint64(seq), AssignedIDs: assigned}
	dedup.store(req.OperationID, outcome{ack: &ack})

	if err := p.sendAck(rm, sess.ConnectionID, req.OperationID, ack); err != nil {
		p.log.Warn("sending operation_ack", zap.Error(err))
	}
	p.broadcastStateUpdate(rm, sess, req.OperationID, uint64(seq), result.Changes)
	return nil
}

func (p *Pipeline) reject(rm *room.Room, dedup *dedupCache, connectionID, operationID, reason, detail string) error {
	msg, err := wire.Encode(wire.TypeOperationRejected, wire.OperationRejected{
		OperationID: operationID,
		Reason:      reason,
		Error:       detail,
	})
	if err != nil {
		return err
	}
	rm.SendTo(connectionID, msg)
	if dedup != nil {
		dedup.store(operationID, outcome{rejects: &rejectOutcome{Reason: reason, Error: detail}})
	}
	return fmt.Errorf("%s: %s", reason, detail)
}

func (p *Pipeline) replay(rm *room.Room, connectionID, operationID string, cached outcome, retryCount int) error {
	p.log.Debug("dedup replay served", zap.String("operationId", operationID), zap.Int("retryCount", retryCount))
	if p.metrics != nil {
		p.metrics.DedupReplaysServed.Inc()
	}
	if cached.ack != nil {
		return p.sendAck(rm, connectionID, operationID, *cached.ack)
	}
	msg, err := wire.Encode(wire.TypeOperationRejected, wire.OperationRejected{
		OperationID: operationID,
		Reason:      cached.rejects.Reason,
		Error:       cached.rejects.Error,
	})
	if err != nil {
		return err
	}
	rm.SendTo(connectionID, msg)
	return nil
}

func (p *Pipeline) sendAck(rm *room.Room, connectionID, operationID string, ack ackOutcome) error {
	msg, err := wire.Encode(wire.TypeOperationAck, wire.OperationAck{
		OperationID: operationID,
		Seq:         ack.Seq,
		AssignedIDs: ack.AssignedIDs,
	})
	if err != nil {
		return err
	}
	rm.SendTo(connectionID, msg)
	return nil
}

func (p *Pipeline) broadcastStateUpdate(rm *room.Room, sess SessionContext, operationID string, seq uint64, changes Changes) {
	payload := wire.StateUpdate{
		StateVersion: seq,
		OperationID:  operationID,
		OriginUserID: uint64(sess.UserID),
		OriginTabID:  sess.TabID,
		Changes: wire.StateUpdateChanges{
			Removed: nodeIDsToUint64(changes.Removed),
		},
	}
	for _, n := range changes.Added {
		raw, _ := json.Marshal(n)
		payload.Changes.Added = append(payload.Changes.Added, raw)
	}
	for _, n := range changes.Updated {
		raw, _ := json.Marshal(n)
		payload.Changes.Updated = append(payload.Changes.Updated, raw)
	}

	msg, err := wire.Encode(wire.TypeStateUpdate, payload)
	if err != nil {
		p.log.Warn("encoding state_update", zap.Error(err))
		return
	}
	rm.BroadcastExcept(sess.ConnectionID, msg)
}

func nodeIDsToUint64(ids []model.NodeID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}

// containsInlineMedia rejects any operation payload smuggling a data
// URI instead of referencing an uploaded hash (spec §4.5 "Payload
// limits").
func containsInlineMedia(params json.RawMessage) bool {
	return bytes.Contains(params, []byte("data:")) && bytes.Contains(params, []byte(";base64,"))
}
