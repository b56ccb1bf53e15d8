package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tutorchat/internal/chat"
	"github.com/tutorchat/internal/logger"
	"github.com/tutorchat/internal/middleware"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/repository"
)

// ReadNotifier pushes watermark advances to live socket connections.
type ReadNotifier interface {
	NotifyRead(mark *chat.ReadMark)
}

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	msgRepo  *repository.MessageRepository
	readRepo *repository.ReadMarkRepository
	userRepo *repository.UserRepository
	pipeline *chat.Pipeline
	notifier ReadNotifier
}

func NewChatHandler(
	chatRepo *repository.ChatRepository,
	msgRepo *repository.MessageRepository,
	readRepo *repository.ReadMarkRepository,
	userRepo *repository.UserRepository,
	pipeline *chat.Pipeline,
	notifier ReadNotifier,
) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, msgRepo: msgRepo, readRepo: readRepo, userRepo: userRepo, pipeline: pipeline, notifier: notifier}
}

// GetUserChats returns the user's chat list with last message, participants
// and unread count per chat.
func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	chats, err := h.chatRepo.GetUserChats(r.Context(), userID)
	if err != nil {
		logger.Errorf("get chats user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}

	out := make([]model.ChatWithLastMessage, 0, len(chats))
	for _, c := range chats {
		row := model.ChatWithLastMessage{Chat: c}

		if last, err := h.msgRepo.Latest(r.Context(), c.ID); err == nil && last != nil {
			row.LastMessage = last
		}
		if unread, err := h.readRepo.CountUnread(r.Context(), c.ID, userID); err == nil {
			row.UnreadCount = unread
		}
		participants, err := h.chatRepo.GetParticipants(r.Context(), c.ID)
		if err == nil {
			row.Participants = make([]model.UserPublic, 0, len(participants))
			for i := range participants {
				row.Participants = append(row.Participants, participants[i].ToPublic())
			}
		}
		out = append(out, row)
	}

	writeJSON(w, http.StatusOK, out)
}

type createChatRequest struct {
	Subject        string   `json:"subject"`
	ParticipantIDs []string `json:"participant_ids"`
}

// CreateChat creates a conversation. The creator is always a participant.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ParticipantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "participant_ids required")
		return
	}

	participants := req.ParticipantIDs
	found := false
	for _, id := range participants {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		participants = append(participants, userID)
	}
	for _, id := range participants {
		if _, err := h.userRepo.GetByID(r.Context(), id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusBadRequest, "unknown participant")
				return
			}
			logger.Errorf("create chat participant lookup %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	c := &model.Chat{
		ID:        uuid.New().String(),
		Subject:   req.Subject,
		CreatedBy: userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.chatRepo.Create(r.Context(), c, participants); err != nil {
		logger.Errorf("create chat: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// GetChat returns one chat with its participants. Non-participants get 403.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.chatRepo.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		logger.Errorf("get chat membership chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "unable to complete action")
		return
	}

	c, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		logger.Errorf("get chat %s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	row := model.ChatWithLastMessage{Chat: *c}
	participants, err := h.chatRepo.GetParticipants(r.Context(), chatID)
	if err == nil {
		row.Participants = make([]model.UserPublic, 0, len(participants))
		for i := range participants {
			row.Participants = append(row.Participants, participants[i].ToPublic())
		}
	}
	if last, err := h.msgRepo.Latest(r.Context(), chatID); err == nil && last != nil {
		row.LastMessage = last
	}

	writeJSON(w, http.StatusOK, row)
}

// GetMessages returns a history page in ascending server order. before_seq
// pages backwards from a known position.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.chatRepo.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		logger.Errorf("get messages membership chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "unable to complete action")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 100 {
		limit = 100
	}
	beforeSeq := queryInt64(r, "before_seq", 0)

	messages, err := h.msgRepo.GetChatMessages(r.Context(), chatID, limit, beforeSeq)
	if err != nil {
		logger.Errorf("get messages chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

type markReadRequest struct {
	MessageID string `json:"message_id"`
}

// MarkAsRead advances the caller's read watermark. An empty message_id
// means "everything currently in the chat".
func (h *ChatHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	var req markReadRequest
	if r.Body != nil {
		// A missing body is the mark-everything case.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mark, updated, err := h.pipeline.MarkRead(r.Context(), chatID, userID, req.MessageID)
	if err != nil {
		writePipelineError(w, err, "mark read chat="+chatID)
		return
	}
	if mark == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	// Reads made over HTTP reach socket clients the same way socket reads
	// do; stale marks stay silent to keep the watermark monotonic on the
	// wire.
	if updated && h.notifier != nil {
		h.notifier.NotifyRead(mark)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"watermark_seq":        mark.WatermarkSeq,
		"watermark_message_id": mark.WatermarkMessageID,
	})
}
