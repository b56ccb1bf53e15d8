package wsclient

import (
	"sort"
	"sync"

	"github.com/tutorchat/internal/chat"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/ws"
)

// ChatView is the client-side materialized state of one chat: committed
// messages in server order, optimistic pending sends, per-user read
// watermarks, typing and presence. All methods are safe for concurrent use;
// the session's read loop writes into it while the application reads.
type ChatView struct {
	mu sync.RWMutex

	chatID      string
	viewerID    string
	viewerRoles []model.Role

	// committed is ascending by (Seq, ID); seen dedupes by message id.
	committed []model.Message
	seen      map[string]struct{}

	// pending holds optimistic sends by ref until the server echo
	// reconciles them; pendingOrder preserves insertion order.
	pending      map[string]model.Message
	pendingOrder []string

	// tutors caches whether a sender holds the tutor role, fed from
	// participant lists and message sender profiles.
	tutors map[string]bool

	watermarks map[string]ws.MessagesReadPayload
	typing     map[string]struct{}
	online     map[string]bool

	activeOfferID string
}

func NewChatView(chatID, viewerID string, viewerRoles []model.Role) *ChatView {
	return &ChatView{
		chatID:      chatID,
		viewerID:    viewerID,
		viewerRoles: viewerRoles,
		seen:        make(map[string]struct{}),
		pending:     make(map[string]model.Message),
		tutors:      make(map[string]bool),
		watermarks:  make(map[string]ws.MessagesReadPayload),
		typing:      make(map[string]struct{}),
		online:      make(map[string]bool),
	}
}

func (v *ChatView) ChatID() string { return v.chatID }

// SetParticipants seeds sender profiles, presence and the tutor cache from
// a REST-loaded participant list.
func (v *ChatView) SetParticipants(users []model.UserPublic) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, u := range users {
		v.tutors[u.ID] = model.HasRole(u.Roles, model.RoleTutor)
		v.online[u.ID] = u.IsOnline
	}
}

// noteRoles feeds one participant's roles into the tutor cache, typically
// from a joined_chat event. Events without a role set are ignored.
func (v *ChatView) noteRoles(userID string, roles []model.Role) {
	if roles == nil {
		return
	}
	v.mu.Lock()
	v.tutors[userID] = model.HasRole(roles, model.RoleTutor)
	v.mu.Unlock()
}

// SetActiveOffer records the chat's active offer reference (empty clears).
func (v *ChatView) SetActiveOffer(offerID string) {
	v.mu.Lock()
	v.activeOfferID = offerID
	v.mu.Unlock()
}

func (v *ChatView) ActiveOffer() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeOfferID
}

// LoadHistory merges a history page into the view. Duplicates of already
// known messages are ignored, so overlapping pages are harmless.
func (v *ChatView) LoadHistory(msgs []model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range msgs {
		v.insertLocked(msgs[i])
	}
}

// AddPending records an optimistic send under ref. The message has no seq
// yet and renders after all committed messages.
func (v *ChatView) AddPending(ref string, m model.Message) {
	m.Status = model.MessageStatusPending
	v.mu.Lock()
	if _, ok := v.pending[ref]; !ok {
		v.pendingOrder = append(v.pendingOrder, ref)
	}
	v.pending[ref] = m
	v.mu.Unlock()
}

// DropPending discards an optimistic send that will never be confirmed.
func (v *ChatView) DropPending(ref string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removePendingLocked(ref)
}

// ApplyNew folds a new_message event in. If the event carries the viewer's
// own ref, the matching pending entry is reconciled away; either way the
// committed copy is inserted at most once, so the echo arriving before or
// after the optimistic insert both end with exactly one entry.
func (v *ChatView) ApplyNew(p ws.NewMessagePayload) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p.Ref != "" {
		v.removePendingLocked(p.Ref)
	}
	v.insertLocked(p.Message)
	if p.Message.Sender != nil {
		v.tutors[p.Message.SenderID] = model.HasRole(p.Message.Sender.Roles, model.RoleTutor)
	}
}

// ApplyUpdate replaces a committed message in place, keeping order. Used
// for tombstones: the entry stays, content cleared.
func (v *ChatView) ApplyUpdate(m model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.committed {
		if v.committed[i].ID == m.ID {
			v.committed[i] = m
			return
		}
	}
	v.insertLocked(m)
}

// ApplyRead advances a user's read watermark; stale marks are ignored so
// the watermark never moves backwards.
func (v *ChatView) ApplyRead(p ws.MessagesReadPayload) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.watermarks[p.UserID]; ok && prev.WatermarkSeq >= p.WatermarkSeq {
		return
	}
	v.watermarks[p.UserID] = p
}

// Watermark returns a user's read watermark, ok=false if none known.
func (v *ChatView) Watermark(userID string) (ws.MessagesReadPayload, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.watermarks[userID]
	return p, ok
}

func (v *ChatView) ApplyTyping(userID string, typing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if typing {
		v.typing[userID] = struct{}{}
	} else {
		delete(v.typing, userID)
	}
}

// TypingUsers lists users currently typing, the viewer excluded.
func (v *ChatView) TypingUsers() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.typing))
	for id := range v.typing {
		if id == v.viewerID {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (v *ChatView) ApplyPresence(p ws.PresencePayload) {
	v.mu.Lock()
	v.online[p.UserID] = p.Status == "online"
	v.mu.Unlock()
}

func (v *ChatView) IsOnline(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.online[userID]
}

// Messages snapshots the render order: committed messages in server order,
// then pending sends in submission order.
func (v *ChatView) Messages() []model.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Message, 0, len(v.committed)+len(v.pendingOrder))
	out = append(out, v.committed...)
	for _, ref := range v.pendingOrder {
		out = append(out, v.pending[ref])
	}
	return out
}

// TutorBlocked reports whether the viewer is currently barred from sending
// under the tutor-initiation rule, derived from the same inputs the server
// uses. Tombstones count, matching the server: a deleted opener does not
// re-lock the chat. The server stays authoritative; this only drives the
// composer UI.
func (v *ChatView) TutorBlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nonTutor := 0
	for i := range v.committed {
		if !v.senderIsTutorLocked(&v.committed[i]) {
			nonTutor++
		}
	}
	return chat.TutorBlocked(v.viewerRoles, nonTutor)
}

func (v *ChatView) senderIsTutorLocked(m *model.Message) bool {
	if m.Sender != nil {
		return model.HasRole(m.Sender.Roles, model.RoleTutor)
	}
	if m.SenderID == v.viewerID {
		return model.HasRole(v.viewerRoles, model.RoleTutor) && !model.HasRole(v.viewerRoles, model.RoleUser)
	}
	return v.tutors[m.SenderID]
}

func (v *ChatView) insertLocked(m model.Message) {
	if _, ok := v.seen[m.ID]; ok {
		return
	}
	v.seen[m.ID] = struct{}{}
	idx := sort.Search(len(v.committed), func(i int) bool {
		return m.Before(&v.committed[i])
	})
	v.committed = append(v.committed, model.Message{})
	copy(v.committed[idx+1:], v.committed[idx:])
	v.committed[idx] = m
}

func (v *ChatView) removePendingLocked(ref string) {
	if _, ok := v.pending[ref]; !ok {
		return
	}
	delete(v.pending, ref)
	for i, r := range v.pendingOrder {
		if r == ref {
			v.pendingOrder = append(v.pendingOrder[:i], v.pendingOrder[i+1:]...)
			break
		}
	}
}
