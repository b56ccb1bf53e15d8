// Package wsclient is the Go client for the chat socket: one Session per
// authenticated user, holding the connection, automatic reconnects and the
// per-chat materialized views.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tutorchat/internal/logger"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/ws"
)

var (
	// ErrAuth means the server rejected the credential. Terminal: the
	// session never retries an authentication failure.
	ErrAuth = errors.New("authentication rejected")
	// ErrNotConnected means an operation was attempted while the socket is
	// down. Operations fail fast rather than queue.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed means the session is finished, either by Close or after
	// exhausting its reconnect attempts.
	ErrClosed = errors.New("session closed")
)

const (
	defaultMaxAttempts = 8
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	// defaultTypingIdle is the client-side keystroke debounce: one
	// typing_start per burst, typing_stop after this much quiet.
	defaultTypingIdle = 3 * time.Second

	clientPongWait  = 75 * time.Second
	clientWriteWait = 10 * time.Second
)

// Handlers are optional application callbacks, invoked from the session's
// read loop. They must not block.
type Handlers struct {
	OnMessage    func(chatID string, p ws.NewMessagePayload)
	OnUpdated    func(chatID string, m model.Message)
	OnRead       func(p ws.MessagesReadPayload)
	OnTyping     func(chatID, userID string, typing bool)
	OnPresence   func(p ws.PresencePayload)
	OnMembership func(typ ws.EventType, p ws.MembershipPayload)
	OnError      func(p ws.ErrorPayload)
	OnDisconnect func(err error)
	OnReconnect  func(attempt int)
	OnClosed     func(err error)
}

type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Credential is the bearer token presented during the handshake.
	Credential string

	ViewerID    string
	ViewerRoles []model.Role

	Dialer   *websocket.Dialer
	Handlers Handlers

	// MaxAttempts bounds one reconnect sequence; 0 means the default of 8.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	TypingIdle  time.Duration
}

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnected
	stateClosed
)

// Session is the client session facade. One Session per user; all methods
// are safe for concurrent use.
type Session struct {
	opts Options

	mu     sync.Mutex
	state  sessionState
	conn   *websocket.Conn
	joined map[string]struct{}
	views  map[string]*ChatView

	// typingStop holds the per-chat debounce state while the viewer counts
	// as typing.
	typingStop map[string]*typingState

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewSession(opts Options) *Session {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = defaultTypingIdle
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Session{
		opts:       opts,
		joined:     make(map[string]struct{}),
		views:      make(map[string]*ChatView),
		typingStop: make(map[string]*typingState),
		done:       make(chan struct{}),
	}
}

// Connect performs the initial handshake and starts the read loop. An
// authentication rejection returns ErrAuth and the session stays unusable;
// transport failures on the initial dial are returned as-is for the caller
// to decide.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = stateConnected
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Credential)
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuth
		}
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(clientPongWait)); err != nil {
		conn.Close()
		return nil, err
	}
	// The server pings; every ping refreshes the read deadline and gets the
	// mandatory pong back.
	conn.SetPingHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(clientPongWait)); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(clientWriteWait))
	})
	return conn, nil
}

// Close ends the session. Idempotent; pending reconnects are abandoned.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	conn := s.conn
	s.conn = nil
	for chatID, st := range s.typingStop {
		st.timer.Stop()
		delete(s.typingStop, chatID)
	}
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

// JoinChat subscribes this session to a chat's live events. The membership
// survives reconnects: every re-established connection re-joins.
func (s *Session) JoinChat(chatID string) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.joined[chatID] = struct{}{}
	s.viewLocked(chatID)
	s.mu.Unlock()
	return s.write(ws.Inbound{Type: ws.EventJoinChat, ChatID: chatID})
}

func (s *Session) LeaveChat(chatID string) error {
	s.mu.Lock()
	delete(s.joined, chatID)
	s.mu.Unlock()
	return s.write(ws.Inbound{Type: ws.EventLeaveChat, ChatID: chatID})
}

// SendInput mirrors the send_message fields beyond plain text.
type SendInput struct {
	Content     string
	ContentType model.ContentType
	FileURL     string
	FileName    string
	FileMIME    string
	OfferID     string
	ReplyToID   string
}

// SendText is the common case: a plain text message.
func (s *Session) SendText(chatID, content string) (string, error) {
	return s.Send(chatID, SendInput{Content: content, ContentType: model.ContentTypeText})
}

// Send submits a message and returns the reconcile ref. The view gets an
// optimistic pending entry immediately; the server echo carrying the same
// ref replaces it with the committed copy. If the socket is down the send
// fails fast with ErrNotConnected and nothing is queued.
func (s *Session) Send(chatID string, in SendInput) (string, error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.conn == nil {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	view := s.viewLocked(chatID)
	// A send ends the typing burst; the server announces the stop to the
	// room, so no typing_stop goes on the wire here.
	s.stopTypingLocked(chatID)
	s.mu.Unlock()

	ref := uuid.New().String()
	var replyTo *string
	if in.ReplyToID != "" {
		replyTo = &in.ReplyToID
	}
	view.AddPending(ref, model.Message{
		ID:          "pending-" + ref,
		ChatID:      chatID,
		SenderID:    s.opts.ViewerID,
		Content:     in.Content,
		ContentType: in.ContentType,
		FileURL:     in.FileURL,
		FileName:    in.FileName,
		FileMIME:    in.FileMIME,
		OfferID:     in.OfferID,
		ReplyToID:   replyTo,
		CreatedAt:   time.Now().UTC(),
	})

	err := s.write(ws.Inbound{
		Type:        ws.EventSendMessage,
		ChatID:      chatID,
		Content:     in.Content,
		ContentType: in.ContentType,
		FileURL:     in.FileURL,
		FileName:    in.FileName,
		FileMIME:    in.FileMIME,
		OfferID:     in.OfferID,
		ReplyToID:   in.ReplyToID,
		Ref:         ref,
	})
	if err != nil {
		view.DropPending(ref)
		return "", err
	}
	return ref, nil
}

// typingState is one chat's keystroke debounce: the idle timer plus the
// deadline it is armed for, so a callback racing a refresh can tell the
// window moved.
type typingState struct {
	timer    *time.Timer
	deadline time.Time
}

// Keystroke reports composer activity. The first keystroke of a burst emits
// typing_start; further keystrokes only push the idle timer out. After
// TypingIdle without keystrokes a typing_stop goes out automatically.
func (s *Session) Keystroke(chatID string) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if st, ok := s.typingStop[chatID]; ok {
		st.timer.Reset(s.opts.TypingIdle)
		st.deadline = time.Now().Add(s.opts.TypingIdle)
		s.mu.Unlock()
		return nil
	}
	st := &typingState{deadline: time.Now().Add(s.opts.TypingIdle)}
	st.timer = time.AfterFunc(s.opts.TypingIdle, func() {
		s.mu.Lock()
		cur, ok := s.typingStop[chatID]
		if !ok || cur != st {
			// Send, StopTyping or a disconnect already ended this burst;
			// any typing_stop it owed has been accounted for.
			s.mu.Unlock()
			return
		}
		if time.Now().Before(cur.deadline) {
			// A keystroke refreshed the window while the timer was firing;
			// the reset timer comes back at the new deadline.
			s.mu.Unlock()
			return
		}
		delete(s.typingStop, chatID)
		s.mu.Unlock()
		if err := s.write(ws.Inbound{Type: ws.EventTypingStop, ChatID: chatID}); err != nil {
			logger.Debugf("wsclient typing stop chat=%s: %v", chatID, err)
		}
	})
	s.typingStop[chatID] = st
	s.mu.Unlock()
	return s.write(ws.Inbound{Type: ws.EventTypingStart, ChatID: chatID})
}

// StopTyping ends the typing burst immediately (composer cleared or
// focus lost).
func (s *Session) StopTyping(chatID string) error {
	s.mu.Lock()
	wasTyping := s.stopTypingLocked(chatID)
	s.mu.Unlock()
	if !wasTyping {
		return nil
	}
	return s.write(ws.Inbound{Type: ws.EventTypingStop, ChatID: chatID})
}

// stopTypingLocked cancels the debounce timer and reports whether the
// viewer counted as typing. Removing the map entry also disowns a timer
// callback that already fired and is waiting on the lock.
func (s *Session) stopTypingLocked(chatID string) bool {
	st, ok := s.typingStop[chatID]
	if !ok {
		return false
	}
	st.timer.Stop()
	delete(s.typingStop, chatID)
	return true
}

// MarkAsRead advances the viewer's read watermark. messageID may be empty
// to mean "everything currently in the chat".
func (s *Session) MarkAsRead(chatID, messageID string) error {
	return s.write(ws.Inbound{Type: ws.EventMarkRead, ChatID: chatID, MessageID: messageID})
}

// DeleteMessage tombstones one of the viewer's own messages.
func (s *Session) DeleteMessage(messageID string) error {
	return s.write(ws.Inbound{Type: ws.EventDeleteMessage, MessageID: messageID})
}

// View returns the materialized view of a chat, creating it on first use.
func (s *Session) View(chatID string) *ChatView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(chatID)
}

func (s *Session) viewLocked(chatID string) *ChatView {
	if view, ok := s.views[chatID]; ok {
		return view
	}
	view := NewChatView(chatID, s.opts.ViewerID, s.opts.ViewerRoles)
	s.views[chatID] = view
	return view
}

func (s *Session) write(in ws.Inbound) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(in)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		var f struct {
			Type    ws.EventType    `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("wsclient unmarshal: %v", err)
			continue
		}
		s.dispatch(f.Type, f.Payload)
	}
}

func (s *Session) dispatch(typ ws.EventType, raw json.RawMessage) {
	h := s.opts.Handlers
	switch typ {
	case ws.EventNewMessage:
		var p ws.NewMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient new_message payload: %v", err)
			return
		}
		s.View(p.Message.ChatID).ApplyNew(p)
		if h.OnMessage != nil {
			h.OnMessage(p.Message.ChatID, p)
		}
	case ws.EventMessageUpdated:
		var p ws.MessageUpdatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient message_updated payload: %v", err)
			return
		}
		s.View(p.Message.ChatID).ApplyUpdate(p.Message)
		if h.OnUpdated != nil {
			h.OnUpdated(p.Message.ChatID, p.Message)
		}
	case ws.EventMessagesRead:
		var p ws.MessagesReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient messages_read payload: %v", err)
			return
		}
		s.View(p.ChatID).ApplyRead(p)
		if h.OnRead != nil {
			h.OnRead(p)
		}
	case ws.EventUserTyping, ws.EventUserStoppedTyping:
		var p ws.TypingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient typing payload: %v", err)
			return
		}
		typing := typ == ws.EventUserTyping
		s.View(p.ChatID).ApplyTyping(p.UserID, typing)
		if h.OnTyping != nil {
			h.OnTyping(p.ChatID, p.UserID, typing)
		}
	case ws.EventPresenceUpdated:
		var p ws.PresencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient presence payload: %v", err)
			return
		}
		s.mu.Lock()
		views := make([]*ChatView, 0, len(s.views))
		for _, view := range s.views {
			views = append(views, view)
		}
		s.mu.Unlock()
		for _, view := range views {
			view.ApplyPresence(p)
		}
		if h.OnPresence != nil {
			h.OnPresence(p)
		}
	case ws.EventJoinedChat, ws.EventLeftChat:
		var p ws.MembershipPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient membership payload: %v", err)
			return
		}
		if typ == ws.EventJoinedChat {
			s.View(p.ChatID).noteRoles(p.UserID, p.Roles)
		}
		if h.OnMembership != nil {
			h.OnMembership(typ, p)
		}
	case ws.EventError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("wsclient error payload: %v", err)
			return
		}
		if h.OnError != nil {
			h.OnError(p)
		}
	default:
		logger.Debugf("wsclient ignoring event %q", typ)
	}
}

// handleDisconnect runs the reconnect sequence: capped exponential backoff
// with jitter, re-joining every subscribed chat on success. Exhausting the
// attempts closes the session for good.
func (s *Session) handleDisconnect(old *websocket.Conn, cause error) {
	old.Close()

	s.mu.Lock()
	if s.state == stateClosed || s.conn != old {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = stateDisconnected
	for chatID, st := range s.typingStop {
		st.timer.Stop()
		delete(s.typingStop, chatID)
	}
	s.mu.Unlock()

	if s.opts.Handlers.OnDisconnect != nil {
		s.opts.Handlers.OnDisconnect(cause)
	}

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if !s.sleepBackoff(attempt) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrAuth) {
				// The credential went bad while we were away; retrying
				// cannot help.
				s.closeWith(ErrAuth)
				return
			}
			logger.Debugf("wsclient reconnect attempt %d: %v", attempt, err)
			continue
		}

		s.mu.Lock()
		if s.state == stateClosed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.state = stateConnected
		joined := make([]string, 0, len(s.joined))
		for chatID := range s.joined {
			joined = append(joined, chatID)
		}
		s.mu.Unlock()

		// Room membership is per-connection on the server; re-establish it.
		for _, chatID := range joined {
			if err := s.write(ws.Inbound{Type: ws.EventJoinChat, ChatID: chatID}); err != nil {
				logger.Errorf("wsclient rejoin chat=%s: %v", chatID, err)
			}
		}
		if s.opts.Handlers.OnReconnect != nil {
			s.opts.Handlers.OnReconnect(attempt)
		}

		s.wg.Add(1)
		go s.readLoop(conn)
		return
	}

	s.closeWith(cause)
}

// sleepBackoff waits out the backoff for the given attempt; false means the
// session was closed while waiting.
func (s *Session) sleepBackoff(attempt int) bool {
	select {
	case <-time.After(backoffDelay(s.opts.BackoffBase, s.opts.BackoffCap, attempt)):
		return true
	case <-s.done:
		return false
	}
}

// backoffDelay is the wait before reconnect attempt n: exponential growth
// from base with jitter, never above limit. Jitter keeps reconnect storms
// spread out.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > limit || delay <= 0 {
		delay = limit
	}
	delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
	if delay > limit {
		delay = limit
	}
	return delay
}

// closeWith marks the session terminally closed from inside the read/
// reconnect path.
func (s *Session) closeWith(cause error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	if s.opts.Handlers.OnClosed != nil {
		s.opts.Handlers.OnClosed(cause)
	}
}
