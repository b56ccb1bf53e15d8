package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tutorchat/internal/logger"
)

// ReadMarkRepository stores the per-(chat, user) read watermark: the seq up
// to which the user has read every message.
type ReadMarkRepository struct {
	pool *pgxpool.Pool
}

func NewReadMarkRepository(pool *pgxpool.Pool) *ReadMarkRepository {
	return &ReadMarkRepository{pool: pool}
}

// Advance moves the watermark to at least seq and returns the stored value.
// GREATEST keeps the watermark monotonic under out-of-order delivery.
func (r *ReadMarkRepository) Advance(ctx context.Context, chatID, userID string, seq int64) (int64, error) {
	defer logger.DeferLogDuration("read.Advance", time.Now())()
	var watermark int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO chat_reads (chat_id, user_id, watermark_seq, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id, user_id)
		 DO UPDATE SET watermark_seq = GREATEST(chat_reads.watermark_seq, EXCLUDED.watermark_seq),
		               updated_at = EXCLUDED.updated_at
		 RETURNING watermark_seq`,
		chatID, userID, seq, time.Now().UTC(),
	).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("readRepo.Advance: %w", err)
	}

	// Flip the stored delivery state of covered messages from other senders.
	if _, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE chat_id = $1 AND sender_id != $2 AND seq <= $3 AND status != 'read'`,
		chatID, userID, watermark,
	); err != nil {
		return 0, fmt.Errorf("readRepo.Advance mark: %w", err)
	}
	return watermark, nil
}

func (r *ReadMarkRepository) Get(ctx context.Context, chatID, userID string) (int64, error) {
	defer logger.DeferLogDuration("read.Get", time.Now())()
	var watermark int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT watermark_seq FROM chat_reads WHERE chat_id = $1 AND user_id = $2), 0)`,
		chatID, userID,
	).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("readRepo.Get: %w", err)
	}
	return watermark, nil
}

// CountUnread counts non-deleted messages from other senders above the
// user's watermark, for the chat-list badge.
func (r *ReadMarkRepository) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("read.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 WHERE m.chat_id = $1 AND m.sender_id != $2 AND NOT m.is_deleted
		   AND m.seq > COALESCE(
		     (SELECT watermark_seq FROM chat_reads WHERE chat_id = $1 AND user_id = $2), 0)`,
		chatID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("readRepo.CountUnread: %w", err)
	}
	return n, nil
}
