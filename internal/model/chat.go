package model

import "time"

// Chat is a conversation between a fixed set of participants. ActiveOfferID
// references the assignment offer currently attached to the conversation;
// it is written by the assignment workflow and only read here.
type Chat struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	CreatedBy     string    `json:"created_by"`
	ActiveOfferID *string   `json:"active_offer_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ChatParticipant struct {
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// ChatWithLastMessage is the chat-list row returned by the REST surface.
type ChatWithLastMessage struct {
	Chat         Chat         `json:"chat"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	Participants []UserPublic `json:"participants"`
	UnreadCount  int          `json:"unread_count"`
}
