package service

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/roomchat/internal/service/servicetest"
)

func TestRoomMembership(t *testing.T) {
	ctx := context.Background()
	db := servicetest.NewDB()
	for _, id := range []string{"alice", "bob", "carol"} {
		db.AddUser(id, id)
	}
	svc := NewRoomService(db.Rooms(), db.Users())

	rm, err := svc.Create(ctx, "alice", "general", true, []string{"bob", "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(rm.MemberIDs, []string{"alice", "bob"}) {
		t.Fatalf("members = %v", rm.MemberIDs)
	}
	if _, err := svc.Get(ctx, "carol", rm.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("private room visible to outsider: %v", err)
	}
	if _, err := svc.Join(ctx, "carol", rm.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("join private err = %v", err)
	}
	if _, err := svc.AddMembers(ctx, "carol", rm.ID, []string{"carol"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider add err = %v", err)
	}

	change, err := svc.AddMembers(ctx, "bob", rm.ID, []string{"carol"})
	if err != nil {
		t.Fatal(err)
	}
	if !change.Room.HasMember("carol") {
		t.Fatalf("carol missing: %v", change.Room.MemberIDs)
	}

	if _, err := svc.RemoveMember(ctx, "bob", rm.ID, "carol"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-creator remove err = %v", err)
	}
	change, err = svc.Leave(ctx, "carol", rm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if change.Room.HasMember("carol") || !slices.Contains(change.Audience(), "carol") {
		t.Fatalf("leave change = %+v audience %v", change.Room, change.Audience())
	}
	if _, err := svc.RemoveMember(ctx, "alice", rm.ID, "alice"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("creator removal err = %v", err)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	db := servicetest.NewDB()
	db.AddUser("alice", "alice")
	svc := NewRoomService(db.Rooms(), db.Users())
	if _, err := svc.Create(context.Background(), "alice", "  ", false, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}
