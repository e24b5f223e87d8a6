package model

import "time"

type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content,omitempty"`
	Attachments []string    `json:"attachments,omitempty"`
	RecipientID *string     `json:"recipient_id,omitempty"`
	RoomID      *string     `json:"room_id,omitempty"`
	Read        bool        `json:"read"`
	DeletedFor  []string    `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	Sender      *UserPublic `json:"sender,omitempty"`
	Files       []File      `json:"files,omitempty"`
}

// IsRoom reports whether the message is addressed to a room rather than a user.
func (m *Message) IsRoom() bool { return m.RoomID != nil }

// ChatKeyFor returns the unread bucket the message falls into for reader.
// Direct messages are keyed by the other party.
func (m *Message) ChatKeyFor(reader string) string {
	if m.RoomID != nil {
		return RoomKey(*m.RoomID)
	}
	if m.SenderID == reader && m.RecipientID != nil {
		return UserKey(*m.RecipientID)
	}
	return UserKey(m.SenderID)
}

// Parties lists the users entitled to see a direct message. Room messages return nil;
// their audience is the room membership.
func (m *Message) Parties() []string {
	if m.RecipientID == nil {
		return nil
	}
	if *m.RecipientID == m.SenderID {
		return []string{m.SenderID}
	}
	return []string{m.SenderID, *m.RecipientID}
}

// SendMessage is the input of a send; exactly one of RoomID and RecipientID is set.
type SendMessage struct {
	SenderID    string
	Content     string
	Attachments []string
	RoomID      string
	RecipientID string
}
