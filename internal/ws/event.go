package ws

import (
	"github.com/tutorchat/internal/model"
)

type EventType string

// Client -> server events.
const (
	EventJoinChat      EventType = "join_chat"
	EventLeaveChat     EventType = "leave_chat"
	EventSendMessage   EventType = "send_message"
	EventTypingStart   EventType = "typing_start"
	EventTypingStop    EventType = "typing_stop"
	EventMarkRead      EventType = "mark_messages_read"
	EventDeleteMessage EventType = "delete_message"
)

// Server -> client events.
const (
	EventJoinedChat        EventType = "joined_chat"
	EventLeftChat          EventType = "left_chat"
	EventNewMessage        EventType = "new_message"
	EventMessageUpdated    EventType = "message_updated"
	EventUserTyping        EventType = "user_typing"
	EventUserStoppedTyping EventType = "user_stopped_typing"
	EventMessagesRead      EventType = "messages_read"
	EventPresenceUpdated   EventType = "user_presence_updated"
	EventError             EventType = "error"
)

// Inbound is what the client sends to the server: one flat struct, fields
// populated per event type.
type Inbound struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chat_id,omitempty"`

	// send_message
	Content     string            `json:"content,omitempty"`
	ContentType model.ContentType `json:"content_type,omitempty"`
	FileURL     string            `json:"file_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	FileMIME    string            `json:"file_mime,omitempty"`
	OfferID     string            `json:"offer_id,omitempty"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	// Ref is a client-chosen tag echoed back on the resulting new_message so
	// the sender can reconcile its optimistic insert with the server copy.
	Ref string `json:"ref,omitempty"`

	// delete_message / mark_messages_read
	MessageID string `json:"message_id,omitempty"`
}

// Outbound is what the server sends to the client. Payloads are typed
// structs, not maps.
type Outbound struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// NewMessagePayload carries a freshly persisted message. Ref is set only on
// the copy delivered to the sender's own connections.
type NewMessagePayload struct {
	Message model.Message `json:"message"`
	Ref     string        `json:"ref,omitempty"`
}

// MessageUpdatedPayload carries a tombstoned (or otherwise updated)
// message; it is never a removal.
type MessageUpdatedPayload struct {
	Message model.Message `json:"message"`
}

// MembershipPayload is broadcast for joined_chat / left_chat. Roles is set
// on joins so clients can resolve the joining participant's tutorship
// without a profile round-trip.
type MembershipPayload struct {
	ChatID string       `json:"chat_id"`
	UserID string       `json:"user_id"`
	Roles  []model.Role `json:"roles,omitempty"`
}

// TypingPayload is broadcast for user_typing / user_stopped_typing.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// MessagesReadPayload carries the new read watermark, not a message list.
type MessagesReadPayload struct {
	ChatID             string `json:"chat_id"`
	UserID             string `json:"user_id"`
	WatermarkMessageID string `json:"watermark_message_id"`
	WatermarkSeq       int64  `json:"watermark_seq"`
}

// PresencePayload is broadcast for user_presence_updated.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"` // "online" | "offline"
	LastSeen int64  `json:"last_seen_unix,omitempty"`
}

// ErrorPayload carries a stable code plus a user-safe message. Raw
// transport or storage errors never appear here.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to clients.
const (
	CodeAccessDenied = "access_denied"
	CodeValidation   = "validation"
	CodeRoleBlocked  = "role_blocked"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
	CodeUnknownEvent = "unknown_event"
)
