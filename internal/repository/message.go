package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
)

const messageSelect = `SELECT m.id, m.sender_id, m.content, m.attachments, m.recipient_id, m.room_id, m.read, m.deleted_for, m.created_at,
       u.id, u.username, u.email, u.avatar_url, u.is_online, u.last_active
  FROM messages m
  JOIN users u ON u.id = m.sender_id`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	sender := &model.UserPublic{}
	if err := s.Scan(&m.ID, &m.SenderID, &m.Content, &m.Attachments, &m.RecipientID, &m.RoomID, &m.Read, &m.DeletedFor, &m.CreatedAt,
		&sender.ID, &sender.Username, &sender.Email, &sender.AvatarURL, &sender.IsOnline, &sender.LastActive); err != nil {
		return err
	}
	m.Sender = sender
	return nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, sender_id, content, attachments, recipient_id, room_id, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		m.ID, m.SenderID, m.Content, attachments, m.RecipientID, m.RoomID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	if err := scanMessage(r.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1`, id), m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) list(ctx context.Context, op, query string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.%s query: %w", op, err)
	}
	defer rows.Close()
	messages := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.%s rows: %w", op, err)
	}
	return messages, nil
}

func (r *MessageRepository) GetByIDs(ctx context.Context, ids []string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByIDs", time.Now())()
	if len(ids) == 0 {
		return []model.Message{}, nil
	}
	return r.list(ctx, "GetByIDs", messageSelect+` WHERE m.id = ANY($1)`, ids)
}

// ListRoom returns the newest room messages created before `before`, skipping
// those viewer deleted for themselves.
func (r *MessageRepository) ListRoom(ctx context.Context, roomID, viewer string, before time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListRoom", time.Now())()
	return r.list(ctx, "ListRoom", messageSelect+`
 WHERE m.room_id = $1 AND NOT ($2 = ANY(m.deleted_for)) AND m.created_at < $3
 ORDER BY m.created_at DESC
 LIMIT $4`, roomID, viewer, before, limit)
}

// ListDirect returns the conversation between viewer and peer, newest first.
func (r *MessageRepository) ListDirect(ctx context.Context, viewer, peer string, before time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListDirect", time.Now())()
	return r.list(ctx, "ListDirect", messageSelect+`
 WHERE ((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))
   AND NOT ($1 = ANY(m.deleted_for)) AND m.created_at < $3
 ORDER BY m.created_at DESC
 LIMIT $4`, viewer, peer, before, limit)
}

// MarkRead sets the read flag and returns the ids that actually changed.
func (r *MessageRepository) MarkRead(ctx context.Context, ids []string) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `UPDATE messages SET read = true WHERE id = ANY($1) AND NOT read RETURNING id`, ids)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return changed, nil
}

// AddDeletedFor records a soft delete and returns the full deleted_for set.
func (r *MessageRepository) AddDeletedFor(ctx context.Context, id, userID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.AddDeletedFor", time.Now())()
	var deletedFor []string
	err := r.pool.QueryRow(ctx,
		`UPDATE messages
		    SET deleted_for = CASE WHEN $2 = ANY(deleted_for) THEN deleted_for ELSE array_append(deleted_for, $2) END
		  WHERE id = $1
		 RETURNING deleted_for`, id, userID,
	).Scan(&deletedFor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.AddDeletedFor: %w", err)
	}
	return deletedFor, nil
}

// Delete removes the message; its unread entries go with it.
func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
