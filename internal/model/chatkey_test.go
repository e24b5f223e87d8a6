package model

import "testing"

func TestParseChatKey(t *testing.T) {
	tests := []struct {
		key      string
		kind, id string
		wantErr  bool
	}{
		{key: "room_r1", kind: "room", id: "r1"},
		{key: "user_u-42", kind: "user", id: "u-42"},
		{key: "room_", wantErr: true},
		{key: "chat_1", wantErr: true},
		{key: "", wantErr: true},
	}
	for _, tt := range tests {
		kind, id, err := ParseChatKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseChatKey(%q) err = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if kind != tt.kind || id != tt.id {
			t.Fatalf("ParseChatKey(%q) = %q, %q", tt.key, kind, id)
		}
	}
}

func TestMessageChatKeyFor(t *testing.T) {
	room := "r1"
	bob := "bob"
	roomMsg := &Message{SenderID: "alice", RoomID: &room}
	if got := roomMsg.ChatKeyFor("bob"); got != "room_r1" {
		t.Fatalf("room message key = %q", got)
	}
	dm := &Message{SenderID: "alice", RecipientID: &bob}
	if got := dm.ChatKeyFor("bob"); got != "user_alice" {
		t.Fatalf("recipient key = %q", got)
	}
	if got := dm.ChatKeyFor("alice"); got != "user_bob" {
		t.Fatalf("sender key = %q", got)
	}
	if got := dm.Parties(); len(got) != 2 {
		t.Fatalf("Parties() = %v", got)
	}
}
