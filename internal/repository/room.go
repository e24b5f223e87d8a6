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

const roomSelect = `SELECT r.id, r.name, r.created_by, r.is_private, r.created_at,
       COALESCE(array_agg(m.user_id ORDER BY m.joined_at) FILTER (WHERE m.user_id IS NOT NULL), '{}')
  FROM rooms r
  LEFT JOIN room_members m ON m.room_id = r.id`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(s interface{ Scan(dest ...any) error }, rm *model.Room) error {
	return s.Scan(&rm.ID, &rm.Name, &rm.CreatedBy, &rm.IsPrivate, &rm.CreatedAt, &rm.MemberIDs)
}

// Create inserts the room and its initial members in one transaction.
func (r *RoomRepository) Create(ctx context.Context, rm *model.Room) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, name, created_by, is_private, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rm.ID, rm.Name, rm.CreatedBy, rm.IsPrivate, rm.CreatedAt,
	); err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	for _, uid := range rm.MemberIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			rm.ID, uid, rm.CreatedAt,
		); err != nil {
			return fmt.Errorf("roomRepo.Create member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.Create commit: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	rm := &model.Room{}
	row := r.pool.QueryRow(ctx, roomSelect+` WHERE r.id = $1 GROUP BY r.id`, id)
	if err := scanRoom(row, rm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	return rm, nil
}

// ListVisible returns public rooms plus the private rooms userID belongs to.
func (r *RoomRepository) ListVisible(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.ListVisible", time.Now())()
	rows, err := r.pool.Query(ctx, roomSelect+`
 WHERE NOT r.is_private
    OR EXISTS (SELECT 1 FROM room_members x WHERE x.room_id = r.id AND x.user_id = $1)
 GROUP BY r.id
 ORDER BY r.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListVisible query: %w", err)
	}
	defer rows.Close()
	rooms := make([]model.Room, 0)
	for rows.Next() {
		var rm model.Room
		if err := scanRoom(rows, &rm); err != nil {
			return nil, fmt.Errorf("roomRepo.ListVisible scan: %w", err)
		}
		rooms = append(rooms, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListVisible rows: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) AddMembers(ctx context.Context, roomID string, userIDs []string) error {
	defer logger.DeferLogDuration("room.AddMembers", time.Now())()
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at)
		 SELECT $1, u.id, $3 FROM users u WHERE u.id = ANY($2)
		 ON CONFLICT DO NOTHING`,
		roomID, userIDs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("roomRepo.AddMembers: %w", err)
	}
	return nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
