package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/group"
	"github.com/mystify/realtime/internal/topic"
)

// CreateGroup stores a group administered by adminID and seats members.
func (s *Service) CreateGroup(ctx context.Context, adminID, name string, members []string) (group.Group, error) {
	if err := s.groupsEnabled(); err != nil {
		return group.Group{}, err
	}
	g, err := s.deps.Groups.Create(ctx, group.Group{Name: name, AdminID: adminID}, members)
	if err != nil {
		return group.Group{}, err
	}
	seated, err := s.deps.Groups.Members(ctx, g.ID)
	if err != nil {
		return group.Group{}, err
	}
	users := make([]string, 0, len(seated))
	for _, m := range seated {
		users = append(users, m.UserID)
	}
	s.rosterEvent(ctx, g.ID, GroupEventPayload{Event: GroupCreated, ActorID: adminID, Name: g.Name, UserIDs: users})
	return g, nil
}

// AddGroupMembers seats users in a group. Only the admin may add members.
// It returns the users that were not seated yet.
func (s *Service) AddGroupMembers(ctx context.Context, actorID, groupID string, userIDs []string) ([]string, error) {
	if _, err := s.groupAdmin(ctx, actorID, groupID); err != nil {
		return nil, err
	}
	added, err := s.deps.Groups.AddMembers(ctx, groupID, userIDs)
	if err != nil || len(added) == 0 {
		return added, err
	}
	s.rosterEvent(ctx, groupID, GroupEventPayload{Event: GroupMembersAdded, ActorID: actorID, UserIDs: added})
	return added, nil
}

// RemoveGroupMember takes userID's seat. The admin may remove anyone but
// themselves; any other member may only leave.
func (s *Service) RemoveGroupMember(ctx context.Context, actorID, groupID, userID string) error {
	if err := s.groupsEnabled(); err != nil {
		return err
	}
	g, err := s.deps.Groups.Get(ctx, groupID)
	if err != nil {
		return err
	}
	switch {
	case userID == g.AdminID:
		return errs.Reject(errs.ReasonInvalidPayload, "the admin cannot leave %s, delete it instead", groupID)
	case actorID != userID && actorID != g.AdminID:
		return errs.Reject(errs.ReasonNotParticipant, "only the admin of %s can remove members", groupID)
	}

	removed, err := s.deps.Groups.RemoveMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("conversation: %s in group %s: %w", userID, groupID, errs.ErrNotFound)
	}
	event := GroupMemberRemoved
	if actorID == userID {
		event = GroupMemberLeft
	}
	s.rosterEvent(ctx, groupID, GroupEventPayload{Event: event, ActorID: actorID, UserIDs: []string{userID}})
	return nil
}

// DeleteGroup removes a group. Only the admin may delete it. The history
// stays in the log but no one can read it afterwards.
func (s *Service) DeleteGroup(ctx context.Context, actorID, groupID string) error {
	if _, err := s.groupAdmin(ctx, actorID, groupID); err != nil {
		return err
	}
	s.rosterEvent(ctx, groupID, GroupEventPayload{Event: GroupDeleted, ActorID: actorID})
	return s.deps.Groups.Delete(ctx, groupID)
}

// GroupMembers lists a group's roster to one of its members.
func (s *Service) GroupMembers(ctx context.Context, userID, groupID string) ([]group.Member, error) {
	if err := s.groupsEnabled(); err != nil {
		return nil, err
	}
	if _, err := s.deps.Groups.Get(ctx, groupID); err != nil {
		return nil, err
	}
	if err := s.checkMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	return s.deps.Groups.Members(ctx, groupID)
}

func (s *Service) groupsEnabled() error {
	if s.deps.Groups == nil {
		return errs.Reject(errs.ReasonInvalidPayload, "groups are disabled")
	}
	return nil
}

func (s *Service) groupAdmin(ctx context.Context, actorID, groupID string) (group.Group, error) {
	if err := s.groupsEnabled(); err != nil {
		return group.Group{}, err
	}
	g, err := s.deps.Groups.Get(ctx, groupID)
	if err != nil {
		return group.Group{}, err
	}
	if actorID != g.AdminID {
		return group.Group{}, errs.Reject(errs.ReasonNotParticipant, "only the admin of %s can do that", groupID)
	}
	return g, nil
}

// checkMember passes when no group store is wired.
func (s *Service) checkMember(ctx context.Context, groupID, userID string) error {
	if s.deps.Groups == nil {
		return nil
	}
	ok, err := s.deps.Groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return fmt.Errorf("conversation: membership lookup: %w", err)
	}
	if !ok {
		return errs.Reject(errs.ReasonNotParticipant, "%s is not a member of group %s", userID, groupID)
	}
	return nil
}

// rosterEvent records a roster change on the group topic. The store change
// already happened, so failures here are logged only.
func (s *Service) rosterEvent(ctx context.Context, groupID string, p GroupEventPayload) {
	payload, err := json.Marshal(p)
	if err != nil {
		log.Printf("[conversation] encode %s for group %s: %v", p.Event, groupID, err)
		return
	}
	if _, err := s.record(ctx, AppendRequest{
		Topic:   topic.Group(groupID),
		Kind:    eventlog.KindSystem,
		ActorID: systemActor,
		Payload: payload,
	}); err != nil {
		log.Printf("[conversation] %s for group %s: %v", p.Event, groupID, err)
	}
}
