package service

import (
	"context"
	"errors"
	"testing"

	"github.com/roomchat/internal/service/servicetest"
)

func TestUpdateProfile(t *testing.T) {
	db := servicetest.NewDB()
	db.AddUser("alice", "alice")
	db.AddUser("bob", "bob")
	s := NewUserService(db.Users())
	ctx := context.Background()

	avatar := "https://cdn.example/a.png"
	u, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{AvatarURL: &avatar})
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "alice" || u.AvatarURL != avatar {
		t.Fatalf("user = %+v", u)
	}

	taken := "Bob"
	if _, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{Username: &taken}); !errors.Is(err, ErrConflict) {
		t.Fatalf("taken username err = %v", err)
	}
	blank := "  "
	if _, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{Username: &blank}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank username err = %v", err)
	}
	if _, err := s.UpdateProfile(ctx, "nobody", ProfileUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	db := servicetest.NewDB()
	db.AddUser("alice", "alice")
	s := NewUserService(db.Users())
	got, err := s.Search(context.Background(), " ", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("Search = %v, %v", got, err)
	}
	got, _ = s.Search(context.Background(), "ali", 10)
	if len(got) != 1 || got[0].ID != "alice" {
		t.Fatalf("Search(ali) = %+v", got)
	}
}
