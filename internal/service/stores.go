package service

import (
	"context"
	"time"

	"github.com/roomchat/internal/model"
)

// The store interfaces are satisfied by the pgx repositories and by in-memory fakes in tests.

type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]model.User, error)
	ListAll(ctx context.Context, limit int) ([]model.User, error)
	ListOnline(ctx context.Context) ([]model.User, error)
	SearchByUsername(ctx context.Context, query string, limit int) ([]model.User, error)
	UpdateProfile(ctx context.Context, id, username, avatarURL string) error
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
}

type RoomStore interface {
	Create(ctx context.Context, rm *model.Room) error
	GetByID(ctx context.Context, id string) (*model.Room, error)
	ListVisible(ctx context.Context, userID string) ([]model.Room, error)
	AddMembers(ctx context.Context, roomID string, userIDs []string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]model.Message, error)
	ListRoom(ctx context.Context, roomID, viewer string, before time.Time, limit int) ([]model.Message, error)
	ListDirect(ctx context.Context, viewer, peer string, before time.Time, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, ids []string) ([]string, error)
	AddDeletedFor(ctx context.Context, id, userID string) ([]string, error)
	Delete(ctx context.Context, id string) error
}

type FileMetaStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]model.File, error)
}

type UnreadStore interface {
	AddBatch(ctx context.Context, messageID string, keys map[string]string) ([]string, error)
	Counts(ctx context.Context, userID string) (map[string]int, error)
	CountsFor(ctx context.Context, userIDs []string) (map[string]map[string]int, error)
	ClearChat(ctx context.Context, userID, chatKey string) error
	RemoveMessages(ctx context.Context, userID string, messageIDs []string) error
}
