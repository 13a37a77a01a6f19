// Package server wires together Store, MediaRegistry, the per-project
// Room pool, SessionRegistry, OperationPipeline and SyncService behind
// one websocket endpoint and the HTTP collaborator surface of spec §6.
// It is the only package that holds references to every other
// component; everything else in canvas/ stays decoupled from it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/media"
	"canvasd.io/canvasd/canvas/metrics"
	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/pipeline"
	"canvasd.io/canvasd/canvas/presence"
	"canvasd.io/canvasd/canvas/session"
	"canvasd.io/canvasd/canvas/store"
	syncsvc "canvasd.io/canvasd/canvas/sync"
	"canvasd.io/canvasd/canvas/wire"
)

// Server is the process-wide collaborator gluing every component
// together. Construct one with New and pass it to transport.New as the
// Handler, and mount its HTTP() handler for the collaborator surface.
type Server struct {
	log      *zap.Logger
	store    store.Store
	media    *media.Registry
	pipeline *pipeline.Pipeline
	sync     *syncsvc.Service
	sessions *session.Registry
	metrics  *metrics.Metrics
	presence presence.Bus
	maint    *store.MaintenanceLock

	rooms *rooms

	connsMu sync.RWMutex
	conns   map[string]connState

	instanceID string
}

// Config bundles the collaborators a Server needs. Fields left nil get
// a safe default: Metrics gets a fresh registry-backed instance,
// Presence gets presence.NoopBus{}.
type Config struct {
	Log        *zap.Logger
	Store      store.Store
	Media      *media.Registry
	Metrics    *metrics.Metrics
	Presence   presence.Bus
	InstanceID string
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Presence == nil {
		cfg.Presence = presence.NoopBus{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	maint := &store.MaintenanceLock{}
	pipe := pipeline.New(cfg.Log, cfg.Store)
	pipe.SetMetrics(cfg.Metrics)

	return &Server{
		log:        cfg.Log,
		store:      cfg.Store,
		media:      cfg.Media,
		pipeline:   pipe,
		sync:       syncsvc.New(cfg.Store, pipe),
		sessions:   session.New(),
		metrics:    cfg.Metrics,
		presence:   cfg.Presence,
		maint:      maint,
		rooms:      newRooms(cfg.Log, cfg.Store, maint),
		conns:      make(map[string]connState),
		instanceID: cfg.InstanceID,
	}
}

// ActiveRoomCount exposes the live room count, the same value the
// canvasd_room_active_rooms gauge is set from.
func (s *Server) ActiveRoomCount() int {
	return s.rooms.count()
}

func (s *Server) conn(connectionID string) (connState, bool) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	st, ok := s.conns[connectionID]
	return st, ok
}

func (s *Server) setConn(connectionID string, st connState) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[connectionID] = st
}

func (s *Server) clearConn(connectionID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, connectionID)
}

// resolveUser creates the user on first sight of username, matching
// spec §4.4's "first-join-creates" identity model: canvasd has no
// separate signup flow, a join_project frame is itself the registration.
func (s *Server) resolveUser(ctx context.Context, username, displayName string) (model.User, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return existing, nil
	}
	if !store.ErrNotFound.Has(err) {
		return model.User{}, err
	}
	return s.store.CreateUser(ctx, username, displayName)
}

func activeSessionContext(connectionID string, st connState) pipeline.SessionContext {
	return pipeline.SessionContext{
		ConnectionID: connectionID,
		UserID:       st.userID,
		TabID:        st.tabID,
		ProjectID:    st.projectID,
		Active:       true,
	}
}

func unmarshalPayload(env wire.Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	return json.Unmarshal(env.Payload, v)
}
