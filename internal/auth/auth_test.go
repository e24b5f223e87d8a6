package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	tok, err := issuer.Issue("u1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	id, err := issuer.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id != "u1" {
		t.Fatalf("subject = %q, want u1", id)
	}
}

func TestTokenRejected(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	tok, _ := issuer.Issue("u1", "alice")

	other := NewTokenIssuer("other", time.Hour)
	if _, err := other.Parse(tok); err != ErrInvalidToken {
		t.Fatalf("wrong secret: err = %v", err)
	}

	expired := NewTokenIssuer("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Issue("u1", "alice")
	if _, err := issuer.Parse(old); err != ErrInvalidToken {
		t.Fatalf("expired: err = %v", err)
	}

	for _, bad := range []string{"", "not-a-token", tok + "x"} {
		if _, err := issuer.Parse(bad); err != ErrInvalidToken {
			t.Fatalf("Parse(%q) err = %v", bad, err)
		}
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPassword("hunter22", hash); err != nil {
		t.Fatalf("CheckPassword: %v", err)
	}
	if err := CheckPassword("wrong", hash); err != ErrMismatchedPassword {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatal("empty password should fail")
	}
}
