package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/group"
	"github.com/mystify/realtime/internal/topic"
)

func newGroupFixture(t *testing.T) (*fixture, *group.MemoryStore) {
	t.Helper()
	f := newFixture(t)
	groups := group.NewMemoryStore()
	deps := f.svc.deps
	deps.Groups = groups
	f.svc = NewService(deps, DefaultConfig())
	return f, groups
}

func rosterEvents(t *testing.T, f *fixture, groupID string) []GroupEventPayload {
	t.Helper()
	evs, err := f.log.ReadSince(context.Background(), topic.Group(groupID), 0, 0)
	require.NoError(t, err)
	var out []GroupEventPayload
	for _, ev := range evs {
		if ev.Kind != eventlog.KindSystem {
			continue
		}
		assert.Equal(t, systemActor, ev.ActorID)
		var p GroupEventPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestGroup_MembersOnly(t *testing.T) {
	f, _ := newGroupFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateGroup(ctx, "alice", "book club", []string{"bob"})
	require.NoError(t, err)
	conv := topic.Group(g.ID)

	_, err = f.svc.Append(ctx, AppendRequest{Topic: conv, Kind: eventlog.KindMessage, ActorID: "bob", Payload: message("hello all")})
	require.NoError(t, err)

	_, err = f.svc.Append(ctx, AppendRequest{Topic: conv, Kind: eventlog.KindMessage, ActorID: "mallory", Payload: message("let me in")})
	requireReason(t, err, errs.ReasonNotParticipant)
	requireReason(t, f.svc.CanRead(ctx, "mallory", conv), errs.ReasonNotParticipant)
	_, err = f.svc.History(ctx, "mallory", conv, 0, 10)
	requireReason(t, err, errs.ReasonNotParticipant)

	assert.NoError(t, f.svc.CanRead(ctx, "alice", conv))
	history, err := f.svc.History(ctx, "bob", conv, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, eventlog.KindSystem, history[0].Kind)
	assert.Equal(t, eventlog.KindMessage, history[1].Kind)

	// Clients cannot forge roster events.
	_, err = f.svc.Append(ctx, AppendRequest{Topic: conv, Kind: eventlog.KindSystem, ActorID: "alice", Payload: json.RawMessage(`{"event":"group_deleted"}`)})
	requireReason(t, err, errs.ReasonNotParticipant)

	requireReason(t, f.svc.CanRead(ctx, "alice", topic.Group("unknown")), errs.ReasonNotParticipant)
}

func TestGroup_RosterEvents(t *testing.T) {
	f, _ := newGroupFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, err := f.svc.CreateGroup(ctx, "alice", "crew", []string{"bob"})
	require.NoError(t, err)

	sub, err := f.router.Subscribe(ctx, "bob-conn", topic.Group(g.ID), 1)
	require.NoError(t, err)

	added, err := f.svc.AddGroupMembers(ctx, "alice", g.ID, []string{"bob", "carol", "dave"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, added)

	ev := recv(t, sub)
	var p GroupEventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, GroupEventPayload{Event: GroupMembersAdded, ActorID: "alice", UserIDs: []string{"carol", "dave"}}, p)

	added, err = f.svc.AddGroupMembers(ctx, "alice", g.ID, []string{"carol"})
	require.NoError(t, err)
	assert.Empty(t, added)

	require.NoError(t, f.svc.RemoveGroupMember(ctx, "alice", g.ID, "dave"))
	require.NoError(t, f.svc.RemoveGroupMember(ctx, "carol", g.ID, "carol"))

	events := rosterEvents(t, f, g.ID)
	require.Len(t, events, 4)
	assert.Equal(t, GroupCreated, events[0].Event)
	assert.Equal(t, "crew", events[0].Name)
	assert.ElementsMatch(t, []string{"alice", "bob"}, events[0].UserIDs)
	assert.Equal(t, GroupEventPayload{Event: GroupMemberRemoved, ActorID: "alice", UserIDs: []string{"dave"}}, events[2])
	assert.Equal(t, GroupEventPayload{Event: GroupMemberLeft, ActorID: "carol", UserIDs: []string{"carol"}}, events[3])

	members, err := f.svc.GroupMembers(ctx, "bob", g.ID)
	require.NoError(t, err)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	requireReason(t, f.svc.CanRead(ctx, "carol", topic.Group(g.ID)), errs.ReasonNotParticipant)
}

func TestGroup_AdminOnly(t *testing.T) {
	f, _ := newGroupFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateGroup(ctx, "alice", "crew", []string{"bob", "carol"})
	require.NoError(t, err)

	_, err = f.svc.AddGroupMembers(ctx, "bob", g.ID, []string{"mallory"})
	requireReason(t, err, errs.ReasonNotParticipant)
	requireReason(t, f.svc.RemoveGroupMember(ctx, "bob", g.ID, "carol"), errs.ReasonNotParticipant)
	requireReason(t, f.svc.RemoveGroupMember(ctx, "alice", g.ID, "alice"), errs.ReasonInvalidPayload)
	requireReason(t, f.svc.DeleteGroup(ctx, "bob", g.ID), errs.ReasonNotParticipant)

	_, err = f.svc.GroupMembers(ctx, "mallory", g.ID)
	requireReason(t, err, errs.ReasonNotParticipant)

	err = f.svc.RemoveGroupMember(ctx, "alice", g.ID, "mallory")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
	_, err = f.svc.AddGroupMembers(ctx, "alice", "missing", []string{"bob"})
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	assert.Len(t, rosterEvents(t, f, g.ID), 1, "refused changes leave no trace")
}

func TestGroup_Delete(t *testing.T) {
	f, groups := newGroupFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateGroup(ctx, "alice", "gone soon", []string{"bob"})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteGroup(ctx, "alice", g.ID))

	_, err = groups.Get(ctx, g.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	events := rosterEvents(t, f, g.ID)
	require.Len(t, events, 2)
	assert.Equal(t, GroupDeleted, events[1].Event)

	requireReason(t, f.svc.CanRead(ctx, "bob", topic.Group(g.ID)), errs.ReasonNotParticipant)
	_, err = f.svc.Append(ctx, AppendRequest{Topic: topic.Group(g.ID), Kind: eventlog.KindMessage, ActorID: "alice", Payload: message("anyone?")})
	requireReason(t, err, errs.ReasonNotParticipant)
}

func TestGroup_Disabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateGroup(context.Background(), "alice", "crew", nil)
	requireReason(t, err, errs.ReasonInvalidPayload)
}

func TestAppend_LeaderboardIsServiceOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Append(context.Background(), AppendRequest{
		Topic: topic.Leaderboard("2026-03-01"), Kind: eventlog.KindMessage, ActorID: "alice", Payload: message("i won"),
	})
	requireReason(t, err, errs.ReasonNotParticipant)
}
