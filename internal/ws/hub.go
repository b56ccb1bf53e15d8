// Package ws is the server side of the chat socket: the hub (room registry,
// presence, event dispatch) and the per-connection pumps.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tutorchat/internal/chat"
	"github.com/tutorchat/internal/logger"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/repository"
)

// Pipeline is the message pipeline consumed by the hub.
type Pipeline interface {
	Send(ctx context.Context, in chat.SendInput) (*model.Message, error)
	Delete(ctx context.Context, messageID, requesterID string) (*model.Message, error)
	MarkRead(ctx context.Context, chatID, userID, messageID string) (*chat.ReadMark, bool, error)
}

// MembershipStore answers which chats a user participates in.
type MembershipStore interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	ChatIDsOf(ctx context.Context, userID string) ([]string, error)
}

// PresenceStore persists the online flag so the REST surface agrees with
// the socket.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Hub is the room registry and fan-out source of truth. rooms maps a chat
// id to the connections currently joined; users maps a user id to all of
// that user's connections and doubles as the presence reference count.
// Both maps are mutated only through the hub's own API.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	users    map[string]map[*Client]struct{}
	total    int
	maxConns int

	pipeline Pipeline
	members  MembershipStore
	presence PresenceStore
	typing   *TypingTracker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(pipeline Pipeline, members MembershipStore, presence PresenceStore, maxConns int, typingIdle time.Duration) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	h := &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		users:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		pipeline:   pipeline,
		members:    members,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
	h.typing = NewTypingTracker(typingIdle, func(chatID, userID string) {
		h.broadcastToRoomExcept(chatID, userID, Outbound{
			Type:    EventUserStoppedTyping,
			Payload: TypingPayload{ChatID: chatID, UserID: userID},
		})
	})
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock; never do I/O while holding it.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.users {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.users = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	firstConn := len(h.users[c.userID]) == 0
	if _, ok := h.users[c.userID]; !ok {
		h.users[c.userID] = make(map[*Client]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	// Presence is reference-counted: only the user's first connection
	// flips them online.
	if firstConn {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, true); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.userID, err)
		}
		h.broadcastPresence(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.users[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastConn := len(clients) == 0
	if lastConn {
		delete(h.users, c.userID)
	}
	// Drop this connection's room memberships; other members' views stay
	// untouched.
	joined := make([]string, 0, len(c.joined))
	for chatID := range c.joined {
		joined = append(joined, chatID)
		if room, ok := h.rooms[chatID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	c.joined = make(map[string]struct{})
	h.mu.Unlock()

	c.Close()

	for _, chatID := range joined {
		if h.typing.Stop(chatID, c.userID) {
			h.broadcastToRoomExcept(chatID, c.userID, Outbound{
				Type:    EventUserStoppedTyping,
				Payload: TypingPayload{ChatID: chatID, UserID: c.userID},
			})
		}
	}

	if lastConn {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastPresence(c.userID, false)
	}
}

// HandleEvent dispatches one inbound event from a connection.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, in Inbound) {
	switch in.Type {
	case EventJoinChat:
		h.handleJoin(ctx, c, in)
	case EventLeaveChat:
		h.handleLeave(ctx, c, in)
	case EventSendMessage:
		h.handleSend(ctx, c, in)
	case EventTypingStart:
		h.handleTypingStart(ctx, c, in)
	case EventTypingStop:
		h.handleTypingStop(ctx, c, in)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, in)
	case EventDeleteMessage:
		h.handleDelete(ctx, c, in)
	default:
		h.sendError(c, CodeUnknownEvent, "unknown event type")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, in Inbound) {
	if in.ChatID == "" {
		h.sendError(c, CodeValidation, "chat_id required")
		return
	}

	h.mu.RLock()
	_, already := c.joined[in.ChatID]
	h.mu.RUnlock()
	if already {
		// Re-joining an already-joined chat is an idempotent no-op; the
		// connection stays in the room exactly once.
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	isMember, err := h.members.IsParticipant(ctx, in.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws join membership chat=%s user=%s: %v", in.ChatID, c.userID, err)
		h.sendError(c, CodeInternal, "unable to complete action")
		return
	}
	if !isMember {
		h.sendError(c, CodeAccessDenied, "unable to complete action")
		return
	}

	h.mu.Lock()
	if _, ok := h.rooms[in.ChatID]; !ok {
		h.rooms[in.ChatID] = make(map[*Client]struct{})
	}
	h.rooms[in.ChatID][c] = struct{}{}
	c.joined[in.ChatID] = struct{}{}
	h.mu.Unlock()

	h.broadcastToRoom(in.ChatID, Outbound{
		Type:    EventJoinedChat,
		Payload: MembershipPayload{ChatID: in.ChatID, UserID: c.userID, Roles: c.roles},
	})
}

func (h *Hub) handleLeave(_ context.Context, c *Client, in Inbound) {
	if in.ChatID == "" {
		return
	}
	h.mu.Lock()
	_, wasJoined := c.joined[in.ChatID]
	if wasJoined {
		delete(c.joined, in.ChatID)
		if room, ok := h.rooms[in.ChatID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, in.ChatID)
			}
		}
	}
	h.mu.Unlock()
	if !wasJoined {
		// Leaving a chat never joined is a no-op.
		return
	}
	h.broadcastToRoom(in.ChatID, Outbound{
		Type:    EventLeftChat,
		Payload: MembershipPayload{ChatID: in.ChatID, UserID: c.userID},
	})
}

func (h *Hub) handleSend(ctx context.Context, c *Client, in Inbound) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if in.ChatID == "" {
		h.sendError(c, CodeValidation, "chat_id required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := h.pipeline.Send(ctx, chat.SendInput{
		ChatID:      in.ChatID,
		SenderID:    c.userID,
		Content:     in.Content,
		ContentType: in.ContentType,
		FileURL:     in.FileURL,
		FileName:    in.FileName,
		FileMIME:    in.FileMIME,
		OfferID:     in.OfferID,
		ReplyToID:   in.ReplyToID,
	})
	if err != nil {
		h.sendPipelineError(c, err, "ws send chat="+in.ChatID)
		return
	}

	// Sending counts as a stop_typing.
	if h.typing.Stop(in.ChatID, c.userID) {
		h.broadcastToRoomExcept(in.ChatID, c.userID, Outbound{
			Type:    EventUserStoppedTyping,
			Payload: TypingPayload{ChatID: in.ChatID, UserID: c.userID},
		})
	}

	// Fan out to every joined connection exactly once, the sender's other
	// tabs included. Only the sender's own connections get the reconcile
	// ref back.
	withRef := Outbound{Type: EventNewMessage, Payload: NewMessagePayload{Message: *m, Ref: in.Ref}}
	without := Outbound{Type: EventNewMessage, Payload: NewMessagePayload{Message: *m}}
	for _, target := range h.roomMembers(in.ChatID) {
		if target.userID == c.userID {
			h.sendToClient(target, withRef)
		} else {
			h.sendToClient(target, without)
		}
	}
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, in Inbound) {
	if in.MessageID == "" {
		h.sendError(c, CodeValidation, "message_id required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := h.pipeline.Delete(ctx, in.MessageID, c.userID)
	if err != nil {
		h.sendPipelineError(c, err, "ws delete message="+in.MessageID)
		return
	}
	// Tombstone, broadcast as an update, never a removal.
	h.broadcastToRoom(m.ChatID, Outbound{
		Type:    EventMessageUpdated,
		Payload: MessageUpdatedPayload{Message: *m},
	})
}

func (h *Hub) handleTypingStart(_ context.Context, c *Client, in Inbound) {
	if in.ChatID == "" || !h.isJoined(c, in.ChatID) {
		return
	}
	if h.typing.Start(in.ChatID, c.userID) {
		h.broadcastToRoomExcept(in.ChatID, c.userID, Outbound{
			Type:    EventUserTyping,
			Payload: TypingPayload{ChatID: in.ChatID, UserID: c.userID},
		})
	}
}

func (h *Hub) handleTypingStop(_ context.Context, c *Client, in Inbound) {
	if in.ChatID == "" {
		return
	}
	if h.typing.Stop(in.ChatID, c.userID) {
		h.broadcastToRoomExcept(in.ChatID, c.userID, Outbound{
			Type:    EventUserStoppedTyping,
			Payload: TypingPayload{ChatID: in.ChatID, UserID: c.userID},
		})
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, in Inbound) {
	if in.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	mark, updated, err := h.pipeline.MarkRead(ctx, in.ChatID, c.userID, in.MessageID)
	if err != nil {
		h.sendPipelineError(c, err, "ws mark read chat="+in.ChatID)
		return
	}
	if !updated {
		// The watermark already covered this position; nothing to announce.
		return
	}
	h.NotifyRead(mark)
}

// NotifyRead fans a watermark advance out to the chat's joined connections,
// the reader's own excluded. The REST mark-read path calls it too, so
// socket clients see reads made over HTTP.
func (h *Hub) NotifyRead(mark *chat.ReadMark) {
	h.broadcastToRoomExcept(mark.ChatID, mark.UserID, Outbound{
		Type: EventMessagesRead,
		Payload: MessagesReadPayload{
			ChatID:             mark.ChatID,
			UserID:             mark.UserID,
			WatermarkMessageID: mark.WatermarkMessageID,
			WatermarkSeq:       mark.WatermarkSeq,
		},
	})
}

// broadcastPresence tells every joined room of every chat the user
// participates in about an online/offline transition. Each interested
// connection is notified once.
func (h *Hub) broadcastPresence(userID string, online bool) {
	status := "offline"
	if online {
		status = "online"
	}
	out := Outbound{
		Type:    EventPresenceUpdated,
		Payload: PresencePayload{UserID: userID, Status: status, LastSeen: time.Now().Unix()},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chatIDs, err := h.members.ChatIDsOf(ctx, userID)
	if err != nil {
		logger.Errorf("ws presence broadcast user=%s: %v", userID, err)
		return
	}

	notified := make(map[*Client]struct{}, 16)
	for _, chatID := range chatIDs {
		for _, target := range h.roomMembers(chatID) {
			if target.userID == userID {
				continue
			}
			if _, ok := notified[target]; ok {
				continue
			}
			notified[target] = struct{}{}
			h.sendToClient(target, out)
		}
	}
}

// roomMembers snapshots the connections currently joined to a chat.
func (h *Hub) roomMembers(chatID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[chatID]
	if !ok {
		return nil
	}
	targets := make([]*Client, 0, len(room))
	for c := range room {
		targets = append(targets, c)
	}
	return targets
}

func (h *Hub) isJoined(c *Client, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.joined[chatID]
	return ok
}

func (h *Hub) broadcastToRoom(chatID string, out Outbound) {
	for _, target := range h.roomMembers(chatID) {
		h.sendToClient(target, out)
	}
}

func (h *Hub) broadcastToRoomExcept(chatID, exceptUserID string, out Outbound) {
	for _, target := range h.roomMembers(chatID) {
		if target.userID == exceptUserID {
			continue
		}
		h.sendToClient(target, out)
	}
}

func (h *Hub) sendPipelineError(c *Client, err error, logCtx string) {
	switch {
	case errors.Is(err, chat.ErrAccessDenied):
		h.sendError(c, CodeAccessDenied, "unable to complete action")
	case errors.Is(err, chat.ErrRoleBlocked):
		h.sendError(c, CodeRoleBlocked, "the student opens the conversation")
	case chat.IsValidation(err):
		var ve *chat.ValidationError
		errors.As(err, &ve)
		h.sendError(c, CodeValidation, ve.Reason)
	case errors.Is(err, repository.ErrNotFound):
		h.sendError(c, CodeNotFound, "not found")
	default:
		logger.Errorf("%s user=%s: %v", logCtx, c.userID, err)
		h.sendError(c, CodeInternal, "unable to complete action")
	}
}

func (h *Hub) sendError(c *Client, code, msg string) {
	h.sendToClient(c, Outbound{Type: EventError, Payload: ErrorPayload{Code: code, Message: msg}})
}

func (h *Hub) sendToClient(c *Client, out Outbound) {
	select {
	case c.send <- out:
	case <-c.done:
	default:
		// Backpressure: send buffer full, drop the slow connection rather
		// than stall fan-out to everyone else.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
