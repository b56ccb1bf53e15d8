// Package chat implements the server-side message pipeline: validation,
// persistence and the tutor-initiation rule. Fan-out to connections is the
// hub's job; the pipeline returns the persisted message for it.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/repository"
)

// MessageStore is the persistence collaborator for messages.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	CountNonTutor(ctx context.Context, chatID string) (int, error)
	SoftDelete(ctx context.Context, id string) error
	// Latest returns the newest message of a chat, or nil for an empty one.
	Latest(ctx context.Context, chatID string) (*model.Message, error)
}

// ParticipantStore answers chat membership questions.
type ParticipantStore interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// RoleStore resolves the roles a user holds.
type RoleStore interface {
	GetRoles(ctx context.Context, userID string) ([]model.Role, error)
}

// ReadMarkStore owns the monotonic per-(chat, user) read watermark.
type ReadMarkStore interface {
	Advance(ctx context.Context, chatID, userID string, seq int64) (int64, error)
	Get(ctx context.Context, chatID, userID string) (int64, error)
}

// allowedAttachmentMIME is the attachment-type allowlist.
var allowedAttachmentMIME = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
}

type SendInput struct {
	ChatID      string
	SenderID    string
	Content     string
	ContentType model.ContentType
	FileURL     string
	FileName    string
	FileMIME    string
	OfferID     string
	ReplyToID   string
}

type Pipeline struct {
	messages     MessageStore
	participants ParticipantStore
	roles        RoleStore
	reads        ReadMarkStore
}

func NewPipeline(messages MessageStore, participants ParticipantStore, roles RoleStore, reads ReadMarkStore) *Pipeline {
	return &Pipeline{messages: messages, participants: participants, roles: roles, reads: reads}
}

// TutorBlocked is the tutor-initiation rule as a pure function: a sender
// whose only relevant role is tutor is blocked until a non-tutor
// participant has sent at least one message. Tombstoned messages still
// count, so once unlocked the chat never locks again. Derived the same way
// on client and server so the two never disagree.
func TutorBlocked(senderRoles []model.Role, nonTutorMessages int) bool {
	if nonTutorMessages > 0 {
		return false
	}
	return model.HasRole(senderRoles, model.RoleTutor) && !model.HasRole(senderRoles, model.RoleUser)
}

// Send validates, persists and returns a message. Validation order:
// participant, then content, then the tutor-initiation rule — the rule is
// re-evaluated on every send, never cached.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	isMember, err := p.participants.IsParticipant(ctx, in.ChatID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrAccessDenied
	}

	if err := p.validateContent(ctx, &in); err != nil {
		return nil, err
	}

	senderRoles, err := p.roles.GetRoles(ctx, in.SenderID)
	if err != nil {
		return nil, err
	}
	nonTutor, err := p.messages.CountNonTutor(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if TutorBlocked(senderRoles, nonTutor) {
		return nil, ErrRoleBlocked
	}

	var replyTo *string
	if in.ReplyToID != "" {
		replyTo = &in.ReplyToID
	}
	m := &model.Message{
		ID:          uuid.New().String(),
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		ContentType: in.ContentType,
		FileURL:     in.FileURL,
		FileName:    in.FileName,
		FileMIME:    in.FileMIME,
		OfferID:     in.OfferID,
		Status:      model.MessageStatusSent,
		ReplyToID:   replyTo,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.messages.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Pipeline) validateContent(ctx context.Context, in *SendInput) error {
	if in.ContentType == "" {
		in.ContentType = model.ContentTypeText
	}
	switch in.ContentType {
	case model.ContentTypeText:
		in.Content = strings.TrimSpace(in.Content)
		if in.Content == "" {
			return validationErr("empty message")
		}
		if utf8.RuneCountInString(in.Content) > model.MaxTextLength {
			return validationErr("message too long")
		}
	case model.ContentTypeAttachment:
		if in.FileURL == "" {
			return validationErr("attachment without file")
		}
		if !allowedAttachmentMIME[in.FileMIME] {
			return validationErr("attachment type not allowed")
		}
	case model.ContentTypeOffer:
		if in.OfferID == "" {
			return validationErr("offer without reference")
		}
	default:
		return validationErr("unknown content type")
	}

	// Reply references must stay within the chat. A dangling reference to a
	// deleted message is fine (tombstones keep their ids), a cross-chat one
	// is not.
	if in.ReplyToID != "" {
		target, err := p.messages.GetByID(ctx, in.ReplyToID)
		if errors.Is(err, repository.ErrNotFound) {
			return validationErr("reply target not found")
		}
		if err != nil {
			return err
		}
		if target.ChatID != in.ChatID {
			return validationErr("reply target in another chat")
		}
	}
	return nil
}

// Delete tombstones a message. Only the sender may delete; the row keeps
// its id and seq so ordering and replies stay intact. Returns the
// tombstoned message for fan-out as an update event.
func (p *Pipeline) Delete(ctx context.Context, messageID, requesterID string) (*model.Message, error) {
	m, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != requesterID {
		return nil, ErrAccessDenied
	}
	if !m.IsDeleted {
		if err := p.messages.SoftDelete(ctx, messageID); err != nil {
			return nil, err
		}
	}
	m.IsDeleted = true
	m.Content = ""
	m.FileURL, m.FileName, m.FileMIME = "", "", ""
	return m, nil
}

// ReadMark is the result of advancing a read watermark.
type ReadMark struct {
	ChatID             string
	UserID             string
	WatermarkSeq       int64
	WatermarkMessageID string
}

// MarkRead advances the caller's watermark to at least the given message's
// position. messageID == "" means "everything currently in the chat".
// Returns updated=false when the watermark already covered the position;
// callers skip fan-out in that case, keeping the watermark monotonic on the
// wire as well.
func (p *Pipeline) MarkRead(ctx context.Context, chatID, userID, messageID string) (*ReadMark, bool, error) {
	isMember, err := p.participants.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, false, err
	}
	if !isMember {
		return nil, false, ErrAccessDenied
	}

	var seq int64
	if messageID == "" {
		latest, err := p.messages.Latest(ctx, chatID)
		if err != nil {
			return nil, false, err
		}
		if latest == nil {
			return nil, false, nil
		}
		seq, messageID = latest.Seq, latest.ID
	} else {
		m, err := p.messages.GetByID(ctx, messageID)
		if err != nil {
			return nil, false, err
		}
		if m.ChatID != chatID {
			return nil, false, validationErr("message in another chat")
		}
		seq = m.Seq
	}

	prior, err := p.reads.Get(ctx, chatID, userID)
	if err != nil {
		return nil, false, err
	}
	watermark, err := p.reads.Advance(ctx, chatID, userID, seq)
	if err != nil {
		return nil, false, err
	}
	mark := &ReadMark{ChatID: chatID, UserID: userID, WatermarkSeq: watermark, WatermarkMessageID: messageID}
	return mark, watermark > prior, nil
}
