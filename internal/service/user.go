package service

import (
	"context"
	"strings"

	"github.com/roomchat/internal/model"
)

const (
	defaultUserList = 100
	maxUserList     = 500
	maxUsernameLen  = 50
)

// UserService is the read side of the directory plus profile edits.
type UserService struct {
	users UserStore
}

func NewUserService(users UserStore) *UserService {
	return &UserService{users: users}
}

// ProfileUpdate carries optional changes; nil fields are left as they are.
type ProfileUpdate struct {
	Username  *string
	AvatarURL *string
}

func publicUsers(users []model.User) []model.UserPublic {
	out := make([]model.UserPublic, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToPublic())
	}
	return out
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultUserList
	}
	return min(n, maxUserList)
}

func (s *UserService) List(ctx context.Context, limit int) ([]model.UserPublic, error) {
	users, err := s.users.ListAll(ctx, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return publicUsers(users), nil
}

func (s *UserService) Online(ctx context.Context) ([]model.UserPublic, error) {
	users, err := s.users.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	return publicUsers(users), nil
}

// Search matches the query against usernames and emails.
func (s *UserService) Search(ctx context.Context, query string, limit int) ([]model.UserPublic, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.UserPublic{}, nil
	}
	users, err := s.users.SearchByUsername(ctx, query, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return publicUsers(users), nil
}

func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fromRepo(err)
	}
	return u, nil
}

func (s *UserService) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*model.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" || len(name) > maxUsernameLen {
			return nil, ErrInvalidInput
		}
		u.Username = name
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = strings.TrimSpace(*upd.AvatarURL)
	}
	if err := s.users.UpdateProfile(ctx, id, u.Username, u.AvatarURL); err != nil {
		return nil, fromRepo(err)
	}
	return u, nil
}
