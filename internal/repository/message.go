package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tutorchat/internal/logger"
	"github.com/tutorchat/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create persists a message and fills in its server-assigned Seq.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, content_type, file_url, file_name, file_mime, offer_id, status, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING seq`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.ContentType, m.FileURL, m.FileName, m.FileMIME,
		nullIfEmpty(m.OfferID), m.Status, m.ReplyToID, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	var offerID *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, seq, chat_id, sender_id, content, content_type, file_url, file_name, file_mime, offer_id, status, reply_to_id, is_deleted, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.Seq, &m.ChatID, &m.SenderID, &m.Content, &m.ContentType, &m.FileURL, &m.FileName,
		&m.FileMIME, &offerID, &m.Status, &m.ReplyToID, &m.IsDeleted, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if offerID != nil {
		m.OfferID = *offerID
	}
	return m, nil
}

// GetChatMessages returns up to limit messages of a chat ordered by seq,
// oldest first. beforeSeq > 0 pages backwards through history.
func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, limit int, beforeSeq int64) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, seq, chat_id, sender_id, content, content_type, file_url, file_name, file_mime, COALESCE(offer_id, ''), status, reply_to_id, is_deleted, created_at
		 FROM messages
		 WHERE chat_id = $1 AND ($2 <= 0 OR seq < $2)
		 ORDER BY seq DESC
		 LIMIT $3`, chatID, beforeSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.ChatID, &m.SenderID, &m.Content, &m.ContentType, &m.FileURL,
			&m.FileName, &m.FileMIME, &m.OfferID, &m.Status, &m.ReplyToID, &m.IsDeleted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetChatMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages rows: %w", err)
	}
	// Reverse into ascending seq order for the client.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountNonTutor counts the messages in a chat whose sender does not hold
// the tutor role. Tombstones count too (a deleted row keeps its sender), so
// the count never decreases and the tutor-initiation unlock never reverts.
// The rule reads this per send rather than caching it, so concurrent first
// messages race safely.
func (r *MessageRepository) CountNonTutor(ctx context.Context, chatID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountNonTutor", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 WHERE m.chat_id = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM user_roles ur
		     WHERE ur.user_id = m.sender_id AND ur.role = 'tutor'
		   )`, chatID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountNonTutor: %w", err)
	}
	return n, nil
}

// SoftDelete tombstones a message: the row keeps its id and seq so ordering
// and reply references stay stable, but the content is cleared.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET is_deleted = TRUE, content = '', file_url = '', file_name = '', file_mime = ''
		 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}

// Latest returns the newest message of a chat, or nil for an empty chat.
func (r *MessageRepository) Latest(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Latest", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, seq, chat_id, sender_id, content, content_type, file_url, file_name, file_mime, COALESCE(offer_id, ''), status, reply_to_id, is_deleted, created_at
		 FROM messages WHERE chat_id = $1
		 ORDER BY seq DESC LIMIT 1`, chatID,
	).Scan(&m.ID, &m.Seq, &m.ChatID, &m.SenderID, &m.Content, &m.ContentType, &m.FileURL,
		&m.FileName, &m.FileMIME, &m.OfferID, &m.Status, &m.ReplyToID, &m.IsDeleted, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Latest: %w", err)
	}
	return m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
