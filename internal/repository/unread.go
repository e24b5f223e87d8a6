package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomchat/internal/logger"
)

// UnreadRepository keeps one row per unread (user, message). Counts are derived,
// so concurrent deliveries never lose an increment and redelivery is a no-op.
type UnreadRepository struct {
	pool *pgxpool.Pool
}

func NewUnreadRepository(pool *pgxpool.Pool) *UnreadRepository {
	return &UnreadRepository{pool: pool}
}

// AddBatch records messageID as unread for every user in keys (user id -> chat key) in
// one statement. It returns the users whose entry is new.
func (r *UnreadRepository) AddBatch(ctx context.Context, messageID string, keys map[string]string) ([]string, error) {
	defer logger.DeferLogDuration("unread.AddBatch", time.Now())()
	if len(keys) == 0 {
		return nil, nil
	}
	users := make([]string, 0, len(keys))
	chatKeys := make([]string, 0, len(keys))
	for uid, key := range keys {
		users = append(users, uid)
		chatKeys = append(chatKeys, key)
	}
	rows, err := r.pool.Query(ctx,
		`INSERT INTO unread_entries (user_id, message_id, chat_key, created_at)
		 SELECT t.user_id, $3, t.chat_key, $4 FROM unnest($1::text[], $2::text[]) AS t(user_id, chat_key)
		 ON CONFLICT (user_id, message_id) DO NOTHING
		 RETURNING user_id`,
		users, chatKeys, messageID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("unreadRepo.AddBatch: %w", err)
	}
	added, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("unreadRepo.AddBatch rows: %w", err)
	}
	return added, nil
}

// Counts returns chat key → number of unread messages. Keys with zero entries are absent.
func (r *UnreadRepository) Counts(ctx context.Context, userID string) (map[string]int, error) {
	defer logger.DeferLogDuration("unread.Counts", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_key, COUNT(*) FROM unread_entries WHERE user_id = $1 GROUP BY chat_key`, userID)
	if err != nil {
		return nil, fmt.Errorf("unreadRepo.Counts query: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("unreadRepo.Counts scan: %w", err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unreadRepo.Counts rows: %w", err)
	}
	return counts, nil
}

// CountsFor returns the snapshot of every listed user in one query. Users without
// entries map to an empty snapshot.
func (r *UnreadRepository) CountsFor(ctx context.Context, userIDs []string) (map[string]map[string]int, error) {
	defer logger.DeferLogDuration("unread.CountsFor", time.Now())()
	out := make(map[string]map[string]int, len(userIDs))
	for _, id := range userIDs {
		out[id] = make(map[string]int)
	}
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, chat_key, COUNT(*) FROM unread_entries WHERE user_id = ANY($1)
		 GROUP BY user_id, chat_key`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("unreadRepo.CountsFor query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid, key string
		var n int
		if err := rows.Scan(&uid, &key, &n); err != nil {
			return nil, fmt.Errorf("unreadRepo.CountsFor scan: %w", err)
		}
		out[uid][key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unreadRepo.CountsFor rows: %w", err)
	}
	return out, nil
}

func (r *UnreadRepository) ClearChat(ctx context.Context, userID, chatKey string) error {
	defer logger.DeferLogDuration("unread.ClearChat", time.Now())()
	if _, err := r.pool.Exec(ctx, `DELETE FROM unread_entries WHERE user_id = $1 AND chat_key = $2`, userID, chatKey); err != nil {
		return fmt.Errorf("unreadRepo.ClearChat: %w", err)
	}
	return nil
}

func (r *UnreadRepository) RemoveMessages(ctx context.Context, userID string, messageIDs []string) error {
	defer logger.DeferLogDuration("unread.RemoveMessages", time.Now())()
	if len(messageIDs) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM unread_entries WHERE user_id = $1 AND message_id = ANY($2)`, userID, messageIDs); err != nil {
		return fmt.Errorf("unreadRepo.RemoveMessages: %w", err)
	}
	return nil
}
