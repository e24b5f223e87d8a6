// Package events publishes chat activity for downstream consumers (search indexing,
// notifications). Publishing never blocks message delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roomchat/internal/model"
)

// MessageEvent is the record written for every delivered message.
type MessageEvent struct {
	Type        string    `json:"type"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RoomID      string    `json:"room_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Audience    int       `json:"audience"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewMessageEvent(m *model.Message, audience int) MessageEvent {
	ev := MessageEvent{
		Type:        "message.created",
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		Attachments: m.Attachments,
		Audience:    audience,
		CreatedAt:   m.CreatedAt,
	}
	if m.RoomID != nil {
		ev.RoomID = *m.RoomID
	}
	if m.RecipientID != nil {
		ev.RecipientID = *m.RecipientID
	}
	return ev
}

// Key groups events of one conversation on one partition.
func (e MessageEvent) Key() string {
	if e.RoomID != "" {
		return model.RoomKey(e.RoomID)
	}
	a, b := e.SenderID, e.RecipientID
	if a > b {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

type Publisher interface {
	PublishMessage(ctx context.Context, ev MessageEvent) error
	Close() error
}

// Nop is used when no brokers are configured.
type Nop struct{}

func (Nop) PublishMessage(context.Context, MessageEvent) error { return nil }
func (Nop) Close() error                                      { return nil }

// KafkaPublisher writes asynchronously; broker errors surface through the writer's
// completion callback, not the caller.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string, onError func(error)) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil && onError != nil {
				onError(fmt.Errorf("kafka write %d messages: %w", len(messages), err))
			}
		},
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishMessage(ctx context.Context, ev MessageEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events.PublishMessage: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Time:  time.Now(),
	})
}

// Close flushes pending batches.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
