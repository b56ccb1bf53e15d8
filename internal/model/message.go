package model

import "time"

type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeAttachment ContentType = "attachment"
	ContentTypeOffer      ContentType = "offer"
)

// MaxTextLength is the limit on text message content, in runes.
const MaxTextLength = 1000

type MessageStatus string

const (
	// MessageStatusPending exists only client-side, before the server echo.
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Message is immutable once acknowledged by the server, except for the
// tombstone transition (IsDeleted set, content cleared). Seq is the
// server-assigned position used for ordering and the read watermark.
type Message struct {
	ID          string        `json:"id"`
	Seq         int64         `json:"seq"`
	ChatID      string        `json:"chat_id"`
	SenderID    string        `json:"sender_id"`
	Content     string        `json:"content"`
	ContentType ContentType   `json:"content_type"`
	FileURL     string        `json:"file_url,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	FileMIME    string        `json:"file_mime,omitempty"`
	OfferID     string        `json:"offer_id,omitempty"`
	Status      MessageStatus `json:"status"`
	ReplyToID   *string       `json:"reply_to_id,omitempty"`
	IsDeleted   bool          `json:"is_deleted"`
	CreatedAt   time.Time     `json:"created_at"`
	Sender      *UserPublic   `json:"sender,omitempty"`
}

// Before reports whether m precedes other in the chat's server order:
// by Seq, ties broken by id.
func (m *Message) Before(other *Message) bool {
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	return m.ID < other.ID
}
