package ws

import (
	"bytes"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/roomchat/internal/model"
)

type EventType string

// Client → server.
const (
	EventJoinRoom          EventType = "join_room"
	EventLeaveRoom         EventType = "leave_room"
	EventSendMessage       EventType = "send_message"
	EventTyping            EventType = "typing"
	EventMarkRead          EventType = "mark_read"
	EventGetUnreadMessages EventType = "get_unread_messages"
	EventMarkMessagesRead  EventType = "mark_messages_read"
)

// Server → client.
const (
	EventNewMessage       EventType = "new_message"
	EventUserStatusChange EventType = "user_status_change"
	EventTypingIndicator  EventType = "typing_indicator"
	EventMessageRead      EventType = "message_read"
	EventUnreadCount      EventType = "unread_messages_count"
	EventNewRoom          EventType = "new_room"
	EventRoomUpdated      EventType = "room_updated"
	EventMessageDeleted   EventType = "message_deleted"
	EventAck              EventType = "ack"
	EventError            EventType = "error"
)

// IncomingMessage is what the client sends to the server. Fields are per event type.
type IncomingMessage struct {
	Type        EventType `json:"type"`
	AckID       string    `json:"ack_id,omitempty"`
	RoomID      string    `json:"room_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	ChatKey     string    `json:"chat_key,omitempty"`
	MessageIDs  []string  `json:"message_ids,omitempty"`
	IsTyping    bool      `json:"is_typing,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type UserStatusPayload struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastActive time.Time `json:"last_active"`
}

type TypingPayload struct {
	ChatKey  string `json:"chat_key"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type MessageReadPayload struct {
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
	ChatKey   string `json:"chat_key"`
}

type RoomUpdatedPayload struct {
	Room    *model.Room `json:"room"`
	Removed []string    `json:"removed,omitempty"`
}

type MessageDeletedPayload struct {
	MessageID   string `json:"message_id"`
	ChatKey     string `json:"chat_key"`
	HardDeleted bool   `json:"hard_deleted"`
}

type AckPayload struct {
	AckID   string `json:"ack_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Event   EventType `json:"event,omitempty"`
	Message string    `json:"message"`
}

// bufPool pools bytes.Buffer for JSON encoding on the fan-out path.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// encode renders msg once so every recipient socket shares the same bytes.
func encode(msg OutgoingMessage) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return bytes.Clone(data), nil
}
