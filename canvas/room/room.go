// Package room implements the per-project in-memory coordination object
// described in spec §4.3: the monotonic sequence counter, the set of
// connected peers eligible for broadcast, and a bounded ring of recent
// operations for fast catch-up. All writes to (sequenceCounter,
// Store.operations for this project) happen inside the Room's single
// lane, giving the project a total order that matches persisted seq
// (spec §5).
package room

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/store"
)

// RingCapacity is N in spec §4.3/§4.6: the number of trailing operations
// kept in memory for O(1) catch-up before a client must fall back to a
// full resync.
const RingCapacity = 256

// SessionState is the per-connection state machine of spec §4.3:
// Joining -> Active -> Leaving (terminal).
type SessionState int32

const (
	StateJoining SessionState = iota
	StateActive
	StateLeaving
)

// Peer is the minimal send target a Room needs; canvas/transport's
// connection wrapper satisfies it. Decoupling Room from the transport
// package keeps the ordering/sequencing core free of websocket framing
// concerns (design note: "typed registry of handlers", not duck-typed).
type Peer interface {
	ConnectionID() string
	Send(msg []byte)
}

type peerEntry struct {
	peer   Peer
	userID model.UserID
	tabID  string
	state  SessionState
}

// JoinResult is the snapshot hand-off returned to a newly admitted
// connection (spec §4.3 admit()).
type JoinResult struct {
	ProjectID       model.ProjectID
	SequenceCounter model.Seq
	ActiveUserIDs   []model.UserID
}

// Room is the coordination object for one project.
type Room struct {
	log       *zap.Logger
	store     store.Store
	projectID model.ProjectID

	// lane serializes everything that must respect the project's total
	// order: sequence assignment, Store.AppendOperation and ring
	// updates. Broadcasts happen outside the lane (spec §5: "Broadcasts
	// occur outside the lane; they are best-effort").
	lane sync.Mutex
	seq  model.Seq
	ring *ring

	peersMu sync.RWMutex
	peers   map[string]*peerEntry

	// maint, if set, is held (RLock) for the duration of each
	// AppendOperation call so a maintenance phase (cleanup, VACUUM, WAL
	// checkpoint) can briefly quiesce every project's lane by taking its
	// Lock (spec §5's maintenance-coordination edge case). nil is
	// equivalent to no maintenance coordination.
	maint *store.MaintenanceLock
}

// SetMaintenanceLock wires m into the room so AppendOperation calls
// coordinate with maintenance phases. Not set by New so existing
// single-room tests and callers that don't run maintenance are
// unaffected.
func (r *Room) SetMaintenanceLock(m *store.MaintenanceLock) {
	r.maint = m
}

// New constructs a Room for projectID, loading the current sequence
// counter from the store so Room.sequenceCounter == Store.latestSeq at
// construction (spec §8 invariant, re-established whenever a Room is
// (re)created after being idle/destroyed).
func New(ctx context.Context, log *zap.Logger, st store.Store, projectID model.ProjectID) (*Room, error) {
	latest, err := st.LatestSeq(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Room{
		log:       log,
		store:     st,
		projectID: projectID,
		seq:       latest,
		ring:      newRing(RingCapacity),
		peers:     make(map[string]*peerEntry),
	}, nil
}

// SequenceCounter returns the room's current sequence counter. Safe for
// concurrent use; the value may be stale by the time the caller acts on
// it unless called from within the lane.
func (r *Room) SequenceCounter() model.Seq {
	r.lane.Lock()
	defer r.lane.Unlock()
	return r.seq
}

// Admit registers a new Joining session and returns the join snapshot.
// The caller transitions the session to Active (via Activate) once the
// project_joined ack has been sent, per the state machine in spec §4.3.
func (r *Room) Admit(peer Peer, userID model.UserID, tabID string) JoinResult {
	r.peersMu.Lock()
	r.peers[peer.ConnectionID()] = &peerEntry{peer: peer, userID: userID, tabID: tabID, state: StateJoining}
	r.peersMu.Unlock()

	return JoinResult{
		ProjectID:       r.projectID,
		SequenceCounter: r.SequenceCounter(),
		ActiveUserIDs:   r.ActiveUserIDs(),
	}
}

// Activate transitions a Joining session to Active.
func (r *Room) Activate(connectionID string) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	if e, ok := r.peers[connectionID]; ok {
		e.state = StateActive
	}
}

// Leave transitions a session to Leaving (terminal) and removes it from
// the broadcast set.
func (r *Room) Leave(connectionID string) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	delete(r.peers, connectionID)
}

// IsEmpty reports whether the room has no remaining peers, the signal
// the server uses to destroy the Room (spec §3 lifecycle).
func (r *Room) IsEmpty() bool {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return len(r.peers) == 0
}

// ActiveUserIDs returns the distinct set of userIDs with at least one
// Active session, matching the active_users invariant in spec §8.
func (r *Room) ActiveUserIDs() []model.UserID {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	seen := map[model.UserID]bool{}
	var ids []model.UserID
	for _, e := range r.peers {
		if e.state != StateActive || seen[e.userID] {
			continue
		}
		seen[e.userID] = true
		ids = append(ids, e.userID)
	}
	return ids
}

// Append sequences and persists one operation inside the project's
// single-writer lane (spec §4.5 step 5, §5). It retries on
// store.ErrConflict since, in a multi-process deployment, a peer process
// could race this Room's view of the sequence counter; within a single
// process the lane already prevents that, so the retry loop is a
// correctness backstop rather than the common path.
func (r *Room) Append(ctx context.Context, userID model.UserID, tabID string, typ model.OperationType, data, undoData json.RawMessage) (model.Seq, error) {
	r.lane.Lock()
	defer r.lane.Unlock()

	for {
		seq, err := r.appendOperationGuarded(ctx, userID, tabID, typ, data, undoData)
		if err != nil {
			if store.ErrConflict.Has(err) {
				continue
			}
			return 0, err
		}
		r.seq = seq
		r.ring.push(model.Operation{
			Seq:       seq,
			ProjectID: r.projectID,
			UserID:    userID,
			TabID:     tabID,
			Type:      typ,
			Data:      data,
			UndoData:  undoData,
		})
		return seq, nil
	}
}

// Apply runs prepare while holding the project lane, before anything is
// persisted: this is where canvas/pipeline validates against and
// mutates its in-memory document, so a rejected operation never
// consumes a seq and a concurrent operation on the same project can
// never observe the document mid-mutation. If prepare reports ok=false
// (validation failed) nothing is persisted. Otherwise Apply commits
// data/undoData via Store.AppendOperation, then runs effect(seq) — used
// to stamp the assigned seq onto whatever prepare already mutated —
// before updating the ring and releasing the lane.
func (r *Room) Apply(
	ctx context.Context,
	userID model.UserID, tabID string, typ model.OperationType,
	prepare func() (data, undoData json.RawMessage, ok bool, err error),
	effect func(seq model.Seq) error,
) (seq model.Seq, ok bool, err error) {
	r.lane.Lock()
	defer r.lane.Unlock()

	for {
		data, undoData, ok, err := prepare()
		if err != nil || !ok {
			return 0, false, err
		}

		seq, err := r.appendOperationGuarded(ctx, userID, tabID, typ, data, undoData)
		if err != nil {
			if store.ErrConflict.Has(err) {
				continue
			}
			return 0, false, err
		}
		if effect != nil {
			if err := effect(seq); err != nil {
				return 0, false, err
			}
		}
		r.seq = seq
		r.ring.push(model.Operation{
			Seq:       seq,
			ProjectID: r.projectID,
			UserID:    userID,
			TabID:     tabID,
			Type:      typ,
			Data:      data,
			UndoData:  undoData,
		})
		return seq, true, nil
	}
}

// appendOperationGuarded calls Store.AppendOperation while briefly
// holding the maintenance lock's RLock, if one is configured.
func (r *Room) appendOperationGuarded(ctx context.Context, userID model.UserID, tabID string, typ model.OperationType, data, undoData json.RawMessage) (model.Seq, error) {
	if r.maint != nil {
		release := r.maint.BeginAppend()
		defer release()
	}
	return r.store.AppendOperation(ctx, r.projectID, userID, tabID, typ, data, undoData)
}

// Since returns the ring's ops in (lastSeq, lastSeq+limit] if they are
// all still resident, or ok=false if the ring has already evicted part
// of that range (the caller should fall back to Store, or trigger full
// resync if the gap exceeds RingCapacity — spec §4.6).
func (r *Room) Since(lastSeq model.Seq, limit int) (ops []model.Operation, ok bool) {
	r.lane.Lock()
	defer r.lane.Unlock()
	return r.ring.since(lastSeq, limit)
}

// BroadcastExcept sends msg to every Active peer other than
// excludeConnectionID.
func (r *Room) BroadcastExcept(excludeConnectionID string, msg []byte) {
	for _, p := range r.activePeers() {
		if p.ConnectionID() == excludeConnectionID {
			continue
		}
		p.Send(msg)
	}
}

// BroadcastAll sends msg to every Active peer.
func (r *Room) BroadcastAll(msg []byte) {
	for _, p := range r.activePeers() {
		p.Send(msg)
	}
}

// SendTo sends msg to one specific connection, Active or Joining (used
// for acks/rejections sent directly back to the originator, and for
// sendRoomStateToClient-style initial snapshots before the session is
// fully Active).
func (r *Room) SendTo(connectionID string, msg []byte) {
	r.peersMu.RLock()
	e, ok := r.peers[connectionID]
	r.peersMu.RUnlock()
	if ok {
		e.peer.Send(msg)
	}
}

// activePeers takes a copy-on-read snapshot of Active peers so sends
// never happen while holding the peers lock (spec §5: "Session maps use
// copy-on-read snapshots for presence broadcasts to avoid holding locks
// across sends").
func (r *Room) activePeers() []Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, e := range r.peers {
		if e.state == StateActive {
			peers = append(peers, e.peer)
		}
	}
	return peers
}
