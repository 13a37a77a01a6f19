package session_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/session"
)

func userFixture(id model.UserID, name string) model.User {
	return model.User{ID: id, Username: name, DisplayName: name}
}

func eventTypes(events []session.PresenceEvent) []session.EventType {
	out := make([]session.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestJoinFirstTabEmitsUserJoined(t *testing.T) {
	reg := session.New()
	u := userFixture(1, "mina")

	events := reg.Join("conn-1", u, model.ProjectID(7), "tab-1")
	require.Equal(t, []session.EventType{session.EventUserJoined, session.EventActiveUsers}, eventTypes(events))

	snapshot := events[1].ActiveUsers
	require.Len(t, snapshot, 1)
	require.Equal(t, u.ID, snapshot[0].UserID)
	require.Len(t, snapshot[0].Tabs, 1)
}

func TestSecondTabOfSameUserDoesNotEmitUserJoinedAgain(t *testing.T) {
	reg := session.New()
	u := userFixture(1, "mina")

	reg.Join("conn-1", u, model.ProjectID(7), "tab-1")
	events := reg.Join("conn-2", u, model.ProjectID(7), "tab-2")

	require.Equal(t, []session.EventType{session.EventActiveUsers}, eventTypes(events))
	require.Len(t, events[0].ActiveUsers, 1)
	require.Len(t, events[0].ActiveUsers[0].Tabs, 2)
}

func TestClosingOneOfTwoTabsEmitsTabClosedNotUserLeft(t *testing.T) {
	reg := session.New()
	u := userFixture(1, "mina")
	reg.Join("conn-1", u, model.ProjectID(7), "tab-1")
	reg.Join("conn-2", u, model.ProjectID(7), "tab-2")

	events := reg.Leave("conn-1")
	require.Equal(t, []session.EventType{session.EventTabClosed, session.EventActiveUsers}, eventTypes(events))
	require.Len(t, events[1].ActiveUsers, 1)
	require.Len(t, events[1].ActiveUsers[0].Tabs, 1)
}

func TestClosingLastTabEmitsUserLeft(t *testing.T) {
	reg := session.New()
	u := userFixture(1, "mina")
	reg.Join("conn-1", u, model.ProjectID(7), "tab-1")

	events := reg.Leave("conn-1")
	require.Equal(t, []session.EventType{session.EventUserLeft, session.EventActiveUsers}, eventTypes(events))
	require.Empty(t, events[1].ActiveUsers)
}

func TestLeaveUnknownConnectionIsNoop(t *testing.T) {
	reg := session.New()
	require.Nil(t, reg.Leave("ghost"))
}

func TestSwitchProjectOrdersOldLeaveBeforeNewJoin(t *testing.T) {
	reg := session.New()
	u := userFixture(1, "mina")
	reg.Join("conn-1", u, model.ProjectID(7), "tab-1")

	events := reg.SwitchProject("conn-1", u, model.ProjectID(9), "tab-1")
	require.Equal(t, []session.EventType{
		session.EventUserLeft, session.EventActiveUsers,
		session.EventUserJoined, session.EventActiveUsers,
	}, eventTypes(events))

	require.Empty(t, reg.ActiveUsers(model.ProjectID(7)))
	require.Len(t, reg.ActiveUsers(model.ProjectID(9)), 1)

	proj, ok := reg.ConnectionProject("conn-1")
	require.True(t, ok)
	require.Equal(t, model.ProjectID(9), proj)
}

func TestActiveUsersDistinctAcrossMultipleUsers(t *testing.T) {
	reg := session.New()
	a, b := userFixture(1, "mina"), userFixture(2, "theo")
	reg.Join("conn-a", a, model.ProjectID(7), "tab-1")
	reg.Join("conn-b", b, model.ProjectID(7), "tab-1")

	users := reg.ActiveUsers(model.ProjectID(7))
	require.Len(t, users, 2)
}
