package wsclient

import (
	"testing"

	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/ws"
)

func committed(id string, seq int64, sender string, roles ...model.Role) model.Message {
	m := model.Message{
		ID:       id,
		Seq:      seq,
		ChatID:   "c1",
		SenderID: sender,
		Content:  "msg " + id,
		Status:   model.MessageStatusSent,
	}
	if len(roles) > 0 {
		m.Sender = &model.UserPublic{ID: sender, Roles: roles}
	}
	return m
}

func TestOptimisticSendReconciledByEcho(t *testing.T) {
	v := NewChatView("c1", "alice", []model.Role{model.RoleUser})

	v.AddPending("r1", model.Message{ID: "pending-r1", ChatID: "c1", SenderID: "alice", Content: "hi"})
	if got := v.Messages(); len(got) != 1 || got[0].Status != model.MessageStatusPending {
		t.Fatalf("expected one pending message, got %+v", got)
	}

	echo := committed("m1", 1, "alice")
	echo.Content = "hi"
	v.ApplyNew(ws.NewMessagePayload{Message: echo, Ref: "r1"})

	got := v.Messages()
	if len(got) != 1 {
		t.Fatalf("expected exactly one message after reconcile, got %d", len(got))
	}
	if got[0].ID != "m1" || got[0].Status != model.MessageStatusSent {
		t.Fatalf("expected the committed copy, got %+v", got[0])
	}
}

func TestDuplicateDeliveryDedupedByID(t *testing.T) {
	v := NewChatView("c1", "alice", nil)

	m := committed("m1", 1, "bob")
	v.ApplyNew(ws.NewMessagePayload{Message: m})
	v.ApplyNew(ws.NewMessagePayload{Message: m})

	if got := v.Messages(); len(got) != 1 {
		t.Fatalf("duplicate delivery produced %d entries", len(got))
	}
}

func TestMessagesOrderedBySeq(t *testing.T) {
	v := NewChatView("c1", "alice", nil)

	v.LoadHistory([]model.Message{
		committed("m3", 3, "bob"),
		committed("m1", 1, "bob"),
	})
	v.ApplyNew(ws.NewMessagePayload{Message: committed("m2", 2, "alice")})
	// An overlapping history page changes nothing.
	v.LoadHistory([]model.Message{committed("m1", 1, "bob"), committed("m2", 2, "alice")})

	got := v.Messages()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
}

func TestTombstoneStaysInPlace(t *testing.T) {
	v := NewChatView("c1", "alice", nil)
	v.LoadHistory([]model.Message{
		committed("m1", 1, "bob"),
		committed("m2", 2, "bob"),
		committed("m3", 3, "bob"),
	})

	tomb := committed("m2", 2, "bob")
	tomb.Content = ""
	tomb.IsDeleted = true
	v.ApplyUpdate(tomb)

	got := v.Messages()
	if len(got) != 3 {
		t.Fatalf("tombstone must not remove the entry, got %d", len(got))
	}
	if got[1].ID != "m2" || !got[1].IsDeleted || got[1].Content != "" {
		t.Fatalf("expected tombstone at position 1, got %+v", got[1])
	}
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	v := NewChatView("c1", "alice", nil)

	v.ApplyRead(ws.MessagesReadPayload{ChatID: "c1", UserID: "bob", WatermarkSeq: 5, WatermarkMessageID: "m5"})
	v.ApplyRead(ws.MessagesReadPayload{ChatID: "c1", UserID: "bob", WatermarkSeq: 3, WatermarkMessageID: "m3"})

	p, ok := v.Watermark("bob")
	if !ok || p.WatermarkSeq != 5 {
		t.Fatalf("stale mark must not regress the watermark, got %+v", p)
	}

	v.ApplyRead(ws.MessagesReadPayload{ChatID: "c1", UserID: "bob", WatermarkSeq: 7, WatermarkMessageID: "m7"})
	if p, _ := v.Watermark("bob"); p.WatermarkSeq != 7 {
		t.Fatalf("advance to 7 failed, got %+v", p)
	}
}

func TestTutorBlockedTracksNonTutorMessages(t *testing.T) {
	v := NewChatView("c1", "tina", []model.Role{model.RoleTutor})

	if !v.TutorBlocked() {
		t.Fatal("tutor must be blocked in an empty chat")
	}

	// Another tutor's message does not unlock the chat.
	v.ApplyNew(ws.NewMessagePayload{Message: committed("m1", 1, "other-tutor", model.RoleTutor)})
	if !v.TutorBlocked() {
		t.Fatal("a tutor message must not unlock the chat")
	}

	// A student message does.
	v.ApplyNew(ws.NewMessagePayload{Message: committed("m2", 2, "student", model.RoleUser)})
	if v.TutorBlocked() {
		t.Fatal("a student message must unlock the chat")
	}

	// The unlock is monotonic: tombstoning the only student message must
	// not re-lock the chat.
	tomb := committed("m2", 2, "student", model.RoleUser)
	tomb.Content = ""
	tomb.IsDeleted = true
	v.ApplyUpdate(tomb)
	if v.TutorBlocked() {
		t.Fatal("deleting the student message must not re-lock the chat")
	}
}

func TestTutorBlockedNotAppliedToDualRoleViewer(t *testing.T) {
	v := NewChatView("c1", "tina", []model.Role{model.RoleTutor, model.RoleUser})
	if v.TutorBlocked() {
		t.Fatal("a viewer who is also a student is never blocked")
	}
}

func TestTutorCacheFallsBackToParticipants(t *testing.T) {
	// Messages without an embedded sender profile resolve role via the
	// participant list.
	v := NewChatView("c1", "tina", []model.Role{model.RoleTutor})
	v.SetParticipants([]model.UserPublic{
		{ID: "other-tutor", Roles: []model.Role{model.RoleTutor}},
		{ID: "student", Roles: []model.Role{model.RoleUser}},
	})

	v.LoadHistory([]model.Message{committed("m1", 1, "other-tutor")})
	if !v.TutorBlocked() {
		t.Fatal("bare tutor message resolved via participants must not unlock")
	}
	v.LoadHistory([]model.Message{committed("m2", 2, "student")})
	if v.TutorBlocked() {
		t.Fatal("bare student message resolved via participants must unlock")
	}
}

func TestTypingUsersExcludesViewer(t *testing.T) {
	v := NewChatView("c1", "alice", nil)

	v.ApplyTyping("alice", true)
	v.ApplyTyping("bob", true)
	v.ApplyTyping("carol", true)
	v.ApplyTyping("carol", false)

	got := v.TypingUsers()
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected [bob], got %v", got)
	}
}

func TestPendingDroppedOnFailure(t *testing.T) {
	v := NewChatView("c1", "alice", nil)
	v.AddPending("r1", model.Message{ID: "pending-r1", ChatID: "c1", SenderID: "alice"})
	v.DropPending("r1")
	if got := v.Messages(); len(got) != 0 {
		t.Fatalf("expected empty view, got %+v", got)
	}
}
