package storage

import (
	"context"
	"encoding/json"
)

// PresenceRegistry counts live WebSocket connections per user across every API instance.
// Implementations: redis.Client (shared), memory.Client (single process, -dev and tests).
type PresenceRegistry interface {
	// Connect registers one more connection and reports whether it is the user's first.
	Connect(ctx context.Context, userID string) (first bool, err error)
	// Disconnect drops one connection and reports whether it was the user's last.
	Disconnect(ctx context.Context, userID string) (last bool, err error)
	Online(ctx context.Context) ([]string, error)
	Close() error
}

// Envelope is one encoded server event plus its audience. Every instance delivers it
// to the matching local sockets, each socket at most once.
type Envelope struct {
	UserIDs   []string        `json:"user_ids,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Event     json.RawMessage `json:"event"`
	// Unsubscribe is applied before delivery on every instance.
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
}

// Unsubscribe drops the users' sockets from a room channel.
type Unsubscribe struct {
	RoomID  string   `json:"room_id"`
	UserIDs []string `json:"user_ids"`
}

// Bus carries envelopes between API instances, the publishing instance included.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe invokes fn for every envelope until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}
