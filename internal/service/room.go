package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomchat/internal/model"
)

const maxRoomNameLen = 100

type RoomService struct {
	rooms RoomStore
	users UserStore
}

func NewRoomService(rooms RoomStore, users UserStore) *RoomService {
	return &RoomService{rooms: rooms, users: users}
}

// MembershipChange is the room after a membership mutation, plus users who lost access.
type MembershipChange struct {
	Room    *model.Room
	Removed []string
}

// Audience returns everyone who should hear about the change.
func (c *MembershipChange) Audience() []string {
	out := slices.Clone(c.Room.MemberIDs)
	for _, id := range c.Removed {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Create makes creatorID the first member; unknown member ids are dropped.
func (s *RoomService) Create(ctx context.Context, creatorID, name string, private bool, memberIDs []string) (*model.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxRoomNameLen {
		return nil, ErrInvalidInput
	}
	members := []string{creatorID}
	if len(memberIDs) > 0 {
		known, err := s.users.GetByIDs(ctx, memberIDs)
		if err != nil {
			return nil, err
		}
		for _, u := range known {
			if !slices.Contains(members, u.ID) {
				members = append(members, u.ID)
			}
		}
	}
	rm := &model.Room{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: creatorID,
		IsPrivate: private,
		MemberIDs: members,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.rooms.Create(ctx, rm); err != nil {
		return nil, fromRepo(err)
	}
	return rm, nil
}

// Get returns the room if userID may see it; private rooms are hidden from non-members.
func (s *RoomService) Get(ctx context.Context, userID, roomID string) (*model.Room, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if !rm.CanView(userID) {
		return nil, ErrNotFound
	}
	return rm, nil
}

// GetWithMembers resolves member profiles for the room view.
func (s *RoomService) GetWithMembers(ctx context.Context, userID, roomID string) (*model.RoomWithMembers, error) {
	rm, err := s.Get(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	users, err := s.users.GetByIDs(ctx, rm.MemberIDs)
	if err != nil {
		return nil, err
	}
	out := &model.RoomWithMembers{Room: *rm, Members: make([]model.UserPublic, 0, len(users))}
	for i := range users {
		out.Members = append(out.Members, users[i].ToPublic())
	}
	return out, nil
}

func (s *RoomService) List(ctx context.Context, userID string) ([]model.Room, error) {
	return s.rooms.ListVisible(ctx, userID)
}

// AddMembers lets any member invite others.
func (s *RoomService) AddMembers(ctx context.Context, actorID, roomID string, userIDs []string) (*MembershipChange, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if !rm.HasMember(actorID) {
		return nil, ErrForbidden
	}
	if len(userIDs) == 0 {
		return nil, ErrInvalidInput
	}
	if err := s.rooms.AddMembers(ctx, roomID, userIDs); err != nil {
		return nil, fromRepo(err)
	}
	return s.reload(ctx, roomID, nil)
}

// RemoveMember is allowed to the room creator, or to a member removing themselves.
// The creator cannot be removed.
func (s *RoomService) RemoveMember(ctx context.Context, actorID, roomID, userID string) (*MembershipChange, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if actorID != rm.CreatedBy && actorID != userID {
		return nil, ErrForbidden
	}
	if userID == rm.CreatedBy {
		return nil, ErrForbidden
	}
	if !rm.HasMember(userID) {
		return nil, ErrNotFound
	}
	if err := s.rooms.RemoveMember(ctx, roomID, userID); err != nil {
		return nil, fromRepo(err)
	}
	return s.reload(ctx, roomID, []string{userID})
}

// Join adds the caller to a public room.
func (s *RoomService) Join(ctx context.Context, userID, roomID string) (*MembershipChange, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if rm.HasMember(userID) {
		return &MembershipChange{Room: rm}, nil
	}
	if rm.IsPrivate {
		return nil, ErrNotFound
	}
	if err := s.rooms.AddMembers(ctx, roomID, []string{userID}); err != nil {
		return nil, fromRepo(err)
	}
	return s.reload(ctx, roomID, nil)
}

func (s *RoomService) Leave(ctx context.Context, userID, roomID string) (*MembershipChange, error) {
	return s.RemoveMember(ctx, userID, roomID, userID)
}

func (s *RoomService) reload(ctx context.Context, roomID string, removed []string) (*MembershipChange, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	return &MembershipChange{Room: rm, Removed: removed}, nil
}
