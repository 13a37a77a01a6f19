// Package session implements the SessionRegistry of spec §4.4:
// connection lifecycle, multi-tab presence bookkeeping, and the
// Leave-then-Join sequencing a project switch requires. It holds no
// transport or Room references; canvas/server drives Room broadcasts
// from the PresenceEvents this package returns, keeping presence
// computation unit-testable in isolation.
package session

import (
	"sync"

	"canvasd.io/canvasd/canvas/model"
)

// EventType enumerates the presence events of spec §4.4.
type EventType string

const (
	EventUserJoined  EventType = "user_joined"
	EventUserLeft    EventType = "user_left"
	EventTabClosed   EventType = "tab_closed"
	EventActiveUsers EventType = "active_users"
)

// Tab identifies one connection of a user within a project.
type Tab struct {
	ConnectionID string
	TabID        string
}

// ActiveUser is one entry of an active_users snapshot.
type ActiveUser struct {
	UserID      model.UserID
	Username    string
	DisplayName string
	Tabs        []Tab
}

// PresenceEvent is emitted by Join/Leave for the caller to broadcast
// into the relevant Room.
type PresenceEvent struct {
	Type        EventType
	ProjectID   model.ProjectID
	UserID      model.UserID // set for user_joined/user_left/tab_closed
	ActiveUsers []ActiveUser // set for active_users
}

type entry struct {
	connectionID string
	userID       model.UserID
	username     string
	displayName  string
	projectID    model.ProjectID
	tabID        string
}

type projectKey struct {
	projectID model.ProjectID
	userID    model.UserID
}

// Registry is the SessionRegistry.
type Registry struct {
	mu sync.RWMutex

	byConnection map[string]*entry
	// tabsByUser groups a user's live connections within one project, so
	// the registry can tell a tab_closed apart from a user_left without
	// scanning every connection.
	tabsByUser map[projectKey]map[string]*entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byConnection: make(map[string]*entry),
		tabsByUser:   make(map[projectKey]map[string]*entry),
	}
}

// Join records connectionID as a new Active session of user in
// projectID/tabID and returns the presence events the caller must
// broadcast: user_joined (only if this is the user's first tab in the
// project) followed by an active_users snapshot.
func (r *Registry) Join(connectionID string, user model.User, projectID model.ProjectID, tabID string) []PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{
		connectionID: connectionID,
		userID:       user.ID,
		username:     user.Username,
		displayName:  user.DisplayName,
		projectID:    projectID,
		tabID:        tabID,
	}
	r.byConnection[connectionID] = e

	key := projectKey{projectID: projectID, userID: user.ID}
	tabs, existed := r.tabsByUser[key]
	if !existed {
		tabs = make(map[string]*entry)
		r.tabsByUser[key] = tabs
	}
	tabs[connectionID] = e

	var events []PresenceEvent
	if !existed {
		events = append(events, PresenceEvent{Type: EventUserJoined, ProjectID: projectID, UserID: user.ID})
	}
	events = append(events, PresenceEvent{Type: EventActiveUsers, ProjectID: projectID, ActiveUsers: r.activeUsersLocked(projectID)})
	return events
}

// Leave tears down connectionID's session and returns the presence
// events the caller must broadcast into the connection's former
// project: tab_closed if the user retains another live tab there,
// otherwise user_left, each followed by an active_users snapshot. Leave
// on an unknown connectionID is a no-op.
func (r *Registry) Leave(connectionID string) []PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConnection[connectionID]
	if !ok {
		return nil
	}
	delete(r.byConnection, connectionID)

	key := projectKey{projectID: e.projectID, userID: e.userID}
	tabs := r.tabsByUser[key]
	delete(tabs, connectionID)

	var events []PresenceEvent
	if len(tabs) == 0 {
		delete(r.tabsByUser, key)
		events = append(events, PresenceEvent{Type: EventUserLeft, ProjectID: e.projectID, UserID: e.userID})
	} else {
		events = append(events, PresenceEvent{Type: EventTabClosed, ProjectID: e.projectID, UserID: e.userID})
	}
	events = append(events, PresenceEvent{Type: EventActiveUsers, ProjectID: e.projectID, ActiveUsers: r.activeUsersLocked(e.projectID)})
	return events
}

// SwitchProject performs the Leave(old)-then-Join(new) sequence spec
// §4.4 requires when a connection changes projects, returning the old
// project's events followed by the new project's. The caller must stop
// routing the connection's broadcasts from the old Room before
// delivering the new Room's join snapshot, per the "brief window"
// invariant; this package only orders the presence events, it does not
// itself gate delivery.
func (r *Registry) SwitchProject(connectionID string, user model.User, newProjectID model.ProjectID, newTabID string) []PresenceEvent {
	events := r.Leave(connectionID)
	events = append(events, r.Join(connectionID, user, newProjectID, newTabID)...)
	return events
}

// ActiveUsers returns the current active_users snapshot for projectID.
func (r *Registry) ActiveUsers(projectID model.ProjectID) []ActiveUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeUsersLocked(projectID)
}

// activeUsersLocked must be called with r.mu held (read or write).
func (r *Registry) activeUsersLocked(projectID model.ProjectID) []ActiveUser {
	byUser := map[model.UserID]*ActiveUser{}
	var order []model.UserID
	for key, tabs := range r.tabsByUser {
		if key.projectID != projectID || len(tabs) == 0 {
			continue
		}
		var sample *entry
		var tabRefs []Tab
		for _, e := range tabs {
			sample = e
			tabRefs = append(tabRefs, Tab{ConnectionID: e.connectionID, TabID: e.tabID})
		}
		byUser[key.userID] = &ActiveUser{
			UserID:      key.userID,
			Username:    sample.username,
			DisplayName: sample.displayName,
			Tabs:        tabRefs,
		}
		order = append(order, key.userID)
	}
	users := make([]ActiveUser, 0, len(order))
	for _, id := range order {
		users = append(users, *byUser[id])
	}
	return users
}

// ConnectionProject reports the project a live connection currently
// belongs to. canvas/server routes frames by its own connection table
// and does not call it.
func (r *Registry) ConnectionProject(connectionID string) (model.ProjectID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConnection[connectionID]
	if !ok {
		return 0, false
	}
	return e.projectID, true
}
