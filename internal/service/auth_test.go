package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roomchat/internal/auth"
	"github.com/roomchat/internal/service/servicetest"
)

func TestRegisterLoginAuthenticate(t *testing.T) {
	ctx := context.Background()
	db := servicetest.NewDB()
	svc := NewAuthService(db.Users(), auth.NewTokenIssuer("k", time.Hour))

	res, err := svc.Register(ctx, "alice", "Alice@Example.com", "secret1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Token == "" || res.User.Email != "alice@example.com" {
		t.Fatalf("result = %+v", res)
	}

	if _, err := svc.Register(ctx, "alice", "other@example.com", "secret1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate username err = %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "alice@example.com", "secret1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email err = %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "bob@example.com", "123"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password err = %v", err)
	}

	for _, login := range []string{"alice", "ALICE@example.com"} {
		if _, err := svc.Login(ctx, login, "secret1"); err != nil {
			t.Fatalf("Login(%q): %v", login, err)
		}
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown user err = %v", err)
	}

	u, err := svc.Authenticate(ctx, res.Token)
	if err != nil || u.Username != "alice" {
		t.Fatalf("Authenticate = %v, %v", u, err)
	}
	if _, err := svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad token err = %v", err)
	}
}
