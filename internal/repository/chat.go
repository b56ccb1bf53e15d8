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

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func (r *ChatRepository) Create(ctx context.Context, c *model.Chat, participantIDs []string) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO chats (id, subject, created_by, active_offer_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Subject, c.CreatedBy, c.ActiveOfferID, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	for _, userID := range participantIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, joined_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, userID, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("chatRepo.Create participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, subject, created_by, active_offer_id, created_at
		 FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.Subject, &c.CreatedBy, &c.ActiveOfferID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ChatRepository) GetParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipantIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) GetParticipants(ctx context.Context, chatID string) ([]model.User, error) {
	defer logger.DeferLogDuration("chat.GetParticipants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.avatar_url, u.last_seen_at, u.is_online, u.created_at
		 FROM users u
		 JOIN chat_participants cp ON cp.user_id = u.id
		 WHERE cp.chat_id = $1
		 ORDER BY cp.joined_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipants query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 4)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.AvatarURL, &u.LastSeenAt, &u.IsOnline, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetParticipants scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipants rows: %w", err)
	}
	return users, nil
}

// ChatIDsOf returns the ids of every chat the user participates in.
func (r *ChatRepository) ChatIDsOf(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.ChatIDsOf", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id FROM chat_participants WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ChatIDsOf query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.ChatIDsOf scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ChatIDsOf rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.subject, c.created_by, c.active_offer_id, c.created_at
		 FROM chats c
		 JOIN chat_participants cp ON cp.chat_id = c.id
		 WHERE cp.user_id = $1
		 ORDER BY c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.Subject, &c.CreatedBy, &c.ActiveOfferID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}
