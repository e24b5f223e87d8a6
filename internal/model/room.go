package model

import (
	"slices"
	"time"
)

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	IsPrivate bool      `json:"is_private"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Room) HasMember(userID string) bool {
	return slices.Contains(r.MemberIDs, userID)
}

// CanView reports whether userID may read the room: public rooms are open to everyone.
func (r *Room) CanView(userID string) bool {
	return !r.IsPrivate || r.HasMember(userID)
}

// RoomWithMembers is the room list view with member profiles resolved.
type RoomWithMembers struct {
	Room
	Members []UserPublic `json:"members"`
}
