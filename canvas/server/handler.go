package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/room"
	"canvasd.io/canvasd/canvas/session"
	"canvasd.io/canvasd/canvas/transport"
	"canvasd.io/canvasd/canvas/wire"
)

// connState is what the server remembers about a live connection beyond
// what SessionRegistry tracks, so HandleMessage doesn't need to re-parse
// identity on every frame.
type connState struct {
	userID    model.UserID
	username  string
	tabID     string
	projectID model.ProjectID
}

var _ transport.Handler = (*Server)(nil)

// HandleMessage routes one decoded frame to the owning component,
// matching spec §6's client->server message list.
func (s *Server) HandleMessage(conn *transport.Connection, env wire.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case wire.TypeJoinProject:
		s.handleJoinProject(ctx, conn, env)
	case wire.TypeLeaveProject:
		s.handleLeaveProject(conn)
	case wire.TypeExecuteOperation:
		s.handleExecuteOperation(ctx, conn, env)
	case wire.TypeSyncCheck:
		s.handleSyncCheck(ctx, conn, env)
	case wire.TypeRequestFullSync:
		s.handleRequestFullSync(ctx, conn)
	case wire.TypeHeartbeat:
		s.handleHeartbeat(conn, env)
	default:
		s.log.Debug("unrecognized frame type", zap.String("type", env.Type), zap.String("connection", conn.ConnectionID()))
	}
}

// HandleClose tears down a connection's session across SessionRegistry,
// its Room, and the local connState table, and destroys the Room if it
// is now empty.
func (s *Server) HandleClose(conn *transport.Connection) {
	_, wasConnected := s.conn(conn.ConnectionID())
	s.handleLeaveProject(conn)
	if wasConnected {
		s.metrics.ConnectedPeers.Dec()
		s.metrics.ActiveRooms.Set(float64(s.rooms.count()))
	}
}

func (s *Server) handleJoinProject(ctx context.Context, conn *transport.Connection, env wire.Envelope) {
	var req wire.JoinProject
	if err := unmarshalPayload(env, &req); err != nil {
		return
	}

	user, err := s.resolveUser(ctx, req.Username, req.DisplayName)
	if err != nil {
		s.log.Warn("resolving user for join_project", zap.Error(err))
		return
	}

	projectID := model.ProjectID(req.ProjectID)
	rm, err := s.rooms.get(ctx, projectID)
	if err != nil {
		s.log.Warn("constructing room", zap.Error(err))
		return
	}

	prevState, alreadyConnected := s.conn(conn.ConnectionID())
	switching := alreadyConnected && prevState.projectID != projectID

	join := rm.Admit(conn, user.ID, req.TabID)
	s.setConn(conn.ConnectionID(), connState{userID: user.ID, username: user.Username, tabID: req.TabID, projectID: projectID})

	var events []session.PresenceEvent
	if switching {
		// Leave(old) must stop the old Room's broadcasts from reaching
		// this connection before Join(new)'s snapshot is delivered, per
		// spec §4.4's "brief window" invariant.
		oldRm, oldErr := s.rooms.get(ctx, prevState.projectID)
		if oldErr == nil {
			oldRm.Leave(conn.ConnectionID())
		}
		events = s.sessions.SwitchProject(conn.ConnectionID(), user, projectID, req.TabID)
		if oldErr == nil {
			s.broadcastPresenceFor(oldRm, prevState.projectID, events)
		}
		s.rooms.releaseIfEmpty(prevState.projectID)
		// The old project's session just ended; the Inc below accounts
		// for the new one, so balance it here rather than double-count.
		s.metrics.ActiveSessions.Dec()
	} else {
		events = s.sessions.Join(conn.ConnectionID(), user, projectID, req.TabID)
	}
	rm.Activate(conn.ConnectionID())

	s.metrics.ActiveSessions.Inc()
	if !alreadyConnected {
		s.metrics.ConnectedPeers.Inc()
	}
	s.metrics.ActiveRooms.Set(float64(s.rooms.count()))

	msg, err := wire.Encode(wire.TypeProjectJoined, wire.ProjectJoined{
		ProjectID:      req.ProjectID,
		SessionID:      conn.ConnectionID(),
		SequenceNumber: uint64(join.SequenceCounter),
	})
	if err != nil {
		s.log.Warn("encoding project_joined", zap.Error(err))
		return
	}
	rm.SendTo(conn.ConnectionID(), msg)

	s.broadcastPresenceFor(rm, projectID, events)
}

func (s *Server) handleLeaveProject(conn *transport.Connection) {
	st, ok := s.conn(conn.ConnectionID())
	if !ok {
		return
	}
	s.clearConn(conn.ConnectionID())

	events := s.sessions.Leave(conn.ConnectionID())

	if rm, err := s.rooms.get(context.Background(), st.projectID); err == nil {
		rm.Leave(conn.ConnectionID())
		s.broadcastPresence(rm, events)
		s.rooms.releaseIfEmpty(st.projectID)
	}
	s.metrics.ActiveSessions.Dec()
}

func (s *Server) handleExecuteOperation(ctx context.Context, conn *transport.Connection, env wire.Envelope) {
	var req wire.ExecuteOperation
	if err := unmarshalPayload(env, &req); err != nil {
		return
	}

	st, ok := s.conn(conn.ConnectionID())
	if !ok {
		return
	}
	rm, err := s.rooms.get(ctx, st.projectID)
	if err != nil {
		s.log.Warn("resolving room for execute_operation", zap.Error(err))
		return
	}

	sess := activeSessionContext(conn.ConnectionID(), st)
	if err := s.pipeline.Execute(ctx, rm, sess, req); err != nil {
		s.log.Debug("execute_operation rejected", zap.String("operationId", req.OperationID), zap.Error(err))
		s.metrics.OperationsRejected.WithLabelValues(req.Type).Inc()
		return
	}
	s.metrics.OperationsTotal.WithLabelValues(req.Type).Inc()
}

func (s *Server) handleSyncCheck(ctx context.Context, conn *transport.Connection, env wire.Envelope) {
	var req wire.SyncCheck
	if err := unmarshalPayload(env, &req); err != nil {
		return
	}
	st, ok := s.conn(conn.ConnectionID())
	if !ok {
		return
	}
	rm, err := s.rooms.get(ctx, st.projectID)
	if err != nil {
		return
	}

	result, err := s.sync.Check(ctx, rm, st.projectID, model.Seq(req.LastSeq))
	if err != nil {
		s.log.Warn("sync_check failed", zap.Error(err))
		return
	}
	if result.NeedsSync && result.MissedOperations == nil {
		s.metrics.SyncFullResyncs.Inc()
	}

	resp := wire.SyncResponse{NeedsSync: result.NeedsSync, LatestSeq: uint64(result.LatestSeq)}
	for _, op := range result.MissedOperations {
		resp.MissedOperations = append(resp.MissedOperations, op.Data)
	}
	msg, err := wire.Encode(wire.TypeSyncResponse, resp)
	if err != nil {
		return
	}
	rm.SendTo(conn.ConnectionID(), msg)
}

func (s *Server) handleRequestFullSync(ctx context.Context, conn *transport.Connection) {
	st, ok := s.conn(conn.ConnectionID())
	if !ok {
		return
	}
	rm, err := s.rooms.get(ctx, st.projectID)
	if err != nil {
		return
	}

	state, seq, err := s.sync.FullSync(ctx, st.projectID)
	if err != nil {
		s.log.Warn("request_full_sync failed", zap.Error(err))
		return
	}
	msg, err := wire.Encode(wire.TypeFullStateSync, wire.FullStateSync{State: state, StateVersion: uint64(seq)})
	if err != nil {
		return
	}
	rm.SendTo(conn.ConnectionID(), msg)
}

func (s *Server) handleHeartbeat(conn *transport.Connection, env wire.Envelope) {
	var req wire.Heartbeat
	if err := unmarshalPayload(env, &req); err != nil {
		return
	}
	msg, err := wire.Encode(wire.TypeHeartbeatResponse, wire.HeartbeatResponse{Timestamp: time.Now().Unix()})
	if err != nil {
		return
	}
	conn.Send(msg)
}

// broadcastPresence encodes and broadcasts every presence event returned
// by SessionRegistry (spec §4.4).
func (s *Server) broadcastPresence(rm *room.Room, events []session.PresenceEvent) {
	for _, ev := range events {
		s.sendPresenceEvent(rm, ev)
	}
}

// broadcastPresenceFor is broadcastPresence restricted to the events
// belonging to projectID, for callers (a project switch) whose events
// slice spans two projects and must not cross-deliver to the wrong
// Room.
func (s *Server) broadcastPresenceFor(rm *room.Room, projectID model.ProjectID, events []session.PresenceEvent) {
	for _, ev := range events {
		if ev.ProjectID != projectID {
			continue
		}
		s.sendPresenceEvent(rm, ev)
	}
}

func (s *Server) sendPresenceEvent(rm *room.Room, ev session.PresenceEvent) {
	switch ev.Type {
	case session.EventActiveUsers:
		msg, err := wire.Encode(wire.TypeActiveUsers, wire.ActiveUsers{Users: toWireActiveUsers(ev.ActiveUsers)})
		if err != nil {
			return
		}
		rm.BroadcastAll(msg)
	default:
		typ := string(ev.Type)
		msg, err := wire.Encode(typ, wire.PresenceChange{UserID: uint64(ev.UserID)})
		if err != nil {
			return
		}
		rm.BroadcastAll(msg)
	}
}

func toWireActiveUsers(users []session.ActiveUser) []wire.ActiveUser {
	out := make([]wire.ActiveUser, 0, len(users))
	for _, u := range users {
		tabs := make([]wire.Tab, 0, len(u.Tabs))
		for _, t := range u.Tabs {
			tabs = append(tabs, wire.Tab{ConnectionID: t.ConnectionID, TabID: t.TabID})
		}
		out = append(out, wire.ActiveUser{
			UserID:      uint64(u.UserID),
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Tabs:        tabs,
		})
	}
	return out
}
