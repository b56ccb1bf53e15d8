package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/repository"
)

// stubStore implements every pipeline collaborator in memory.
type stubStore struct {
	messages     map[string]*model.Message
	order        []string
	participants map[string]map[string]bool        // chatID -> userID -> member
	roles        map[string][]model.Role           // userID -> roles
	watermarks   map[string]int64                  // chatID+"/"+userID -> seq
	nextSeq      int64
}

func newStubStore() *stubStore {
	return &stubStore{
		messages:     make(map[string]*model.Message),
		participants: make(map[string]map[string]bool),
		roles:        make(map[string][]model.Role),
		watermarks:   make(map[string]int64),
	}
}

func (s *stubStore) addParticipant(chatID, userID string) {
	if s.participants[chatID] == nil {
		s.participants[chatID] = make(map[string]bool)
	}
	s.participants[chatID][userID] = true
}

func (s *stubStore) Create(_ context.Context, m *model.Message) error {
	s.nextSeq++
	m.Seq = s.nextSeq
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id string) (*model.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *stubStore) CountNonTutor(_ context.Context, chatID string) (int, error) {
	n := 0
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		if !model.HasRole(s.roles[m.SenderID], model.RoleTutor) {
			n++
		}
	}
	return n, nil
}

func (s *stubStore) SoftDelete(_ context.Context, id string) error {
	m, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	m.Content = ""
	return nil
}

func (s *stubStore) Latest(_ context.Context, chatID string) (*model.Message, error) {
	var latest *model.Message
	for _, m := range s.messages {
		if m.ChatID == chatID && (latest == nil || m.Seq > latest.Seq) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *stubStore) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	return s.participants[chatID][userID], nil
}

func (s *stubStore) GetRoles(_ context.Context, userID string) ([]model.Role, error) {
	return s.roles[userID], nil
}

func (s *stubStore) Advance(_ context.Context, chatID, userID string, seq int64) (int64, error) {
	key := chatID + "/" + userID
	if seq > s.watermarks[key] {
		s.watermarks[key] = seq
	}
	return s.watermarks[key], nil
}

func (s *stubStore) Get(_ context.Context, chatID, userID string) (int64, error) {
	return s.watermarks[chatID+"/"+userID], nil
}

func newTestPipeline() (*Pipeline, *stubStore) {
	s := newStubStore()
	s.addParticipant("c1", "student1")
	s.addParticipant("c1", "tutor1")
	s.roles["student1"] = []model.Role{model.RoleUser}
	s.roles["tutor1"] = []model.Role{model.RoleTutor}
	s.roles["both1"] = []model.Role{model.RoleUser, model.RoleTutor}
	return NewPipeline(s, s, s, s), s
}

func textSend(chatID, senderID, content string) SendInput {
	return SendInput{ChatID: chatID, SenderID: senderID, Content: content, ContentType: model.ContentTypeText}
}

func TestSendTutorInitiationBlocked(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	_, err := p.Send(ctx, textSend("c1", "tutor1", "hello"))
	if !errors.Is(err, ErrRoleBlocked) {
		t.Fatalf("tutor opening a chat: got %v, want ErrRoleBlocked", err)
	}
}

func TestSendTutorUnlockedAfterStudentMessage(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	if _, err := p.Send(ctx, textSend("c1", "student1", "hi, i need help")); err != nil {
		t.Fatalf("student send: %v", err)
	}
	m, err := p.Send(ctx, textSend("c1", "tutor1", "sure, send the assignment"))
	if err != nil {
		t.Fatalf("tutor send after unlock: %v", err)
	}
	if m.Seq == 0 || m.ID == "" {
		t.Errorf("message missing server-assigned id/seq: %+v", m)
	}

	if _, err := p.Send(ctx, textSend("c1", "tutor1", "still unlocked")); err != nil {
		t.Fatalf("tutor second send: %v", err)
	}
}

func TestSendTutorUnlockSurvivesOpenerDeletion(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	opener, err := p.Send(ctx, textSend("c1", "student1", "opening"))
	if err != nil {
		t.Fatalf("student send: %v", err)
	}
	if _, err := p.Send(ctx, textSend("c1", "tutor1", "happy to help")); err != nil {
		t.Fatalf("tutor reply: %v", err)
	}

	// The unlock is monotonic: tombstoning the student's opener must not
	// put the tutor back behind the initiation rule.
	if _, err := p.Delete(ctx, opener.ID, "student1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := p.Send(ctx, textSend("c1", "tutor1", "anything else?")); err != nil {
		t.Fatalf("tutor send after opener deletion: %v", err)
	}
}

func TestSendTutorUnlockSurvivesDeleteBeforeReply(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	opener, err := p.Send(ctx, textSend("c1", "student1", "opening"))
	if err != nil {
		t.Fatalf("student send: %v", err)
	}
	if _, err := p.Delete(ctx, opener.ID, "student1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// The tombstone keeps its sender, so the chat stays opened even before
	// any tutor reply exists.
	if _, err := p.Send(ctx, textSend("c1", "tutor1", "hello")); err != nil {
		t.Fatalf("tutor send with tombstoned opener: %v", err)
	}
}

func TestSendTutorWithUserRoleNotBlocked(t *testing.T) {
	p, s := newTestPipeline()
	s.addParticipant("c1", "both1")
	ctx := context.Background()

	if _, err := p.Send(ctx, textSend("c1", "both1", "hi")); err != nil {
		t.Fatalf("sender with tutor+user roles must not be blocked: %v", err)
	}
}

func TestTutorBlockedPure(t *testing.T) {
	tutor := []model.Role{model.RoleTutor}
	both := []model.Role{model.RoleUser, model.RoleTutor}
	student := []model.Role{model.RoleUser}

	if !TutorBlocked(tutor, 0) {
		t.Error("tutor with empty chat must be blocked")
	}
	if TutorBlocked(tutor, 1) {
		t.Error("tutor must unlock after one non-tutor message")
	}
	if TutorBlocked(both, 0) {
		t.Error("tutor holding the counter-role must not be blocked")
	}
	if TutorBlocked(student, 0) {
		t.Error("student is never blocked")
	}
}

func TestSendNonParticipantDenied(t *testing.T) {
	p, _ := newTestPipeline()
	_, err := p.Send(context.Background(), textSend("c1", "stranger", "hi"))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestSendValidation(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
	}{
		{"empty", textSend("c1", "student1", "   ")},
		{"too long", textSend("c1", "student1", strings.Repeat("x", model.MaxTextLength+1))},
		{"unknown type", SendInput{ChatID: "c1", SenderID: "student1", Content: "x", ContentType: "video"}},
		{"attachment without file", SendInput{ChatID: "c1", SenderID: "student1", ContentType: model.ContentTypeAttachment}},
		{"attachment bad mime", SendInput{ChatID: "c1", SenderID: "student1", ContentType: model.ContentTypeAttachment, FileURL: "/f/x", FileMIME: "application/x-msdownload"}},
		{"offer without ref", SendInput{ChatID: "c1", SenderID: "student1", ContentType: model.ContentTypeOffer}},
	}
	for _, c := range cases {
		if _, err := p.Send(ctx, c.in); !IsValidation(err) {
			t.Errorf("%s: got %v, want ValidationError", c.name, err)
		}
	}

	if _, err := p.Send(ctx, textSend("c1", "student1", strings.Repeat("x", model.MaxTextLength))); err != nil {
		t.Errorf("exactly max length must pass: %v", err)
	}
}

func TestSendReplyToCrossChatRejected(t *testing.T) {
	p, s := newTestPipeline()
	s.addParticipant("c2", "student1")
	ctx := context.Background()

	other, err := p.Send(ctx, textSend("c2", "student1", "in another chat"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	in := textSend("c1", "student1", "replying across chats")
	in.ReplyToID = other.ID
	if _, err := p.Send(ctx, in); !IsValidation(err) {
		t.Fatalf("cross-chat reply: got %v, want ValidationError", err)
	}

	in2 := textSend("c1", "student1", "replying to nothing")
	in2.ReplyToID = "missing"
	if _, err := p.Send(ctx, in2); !IsValidation(err) {
		t.Fatalf("dangling reply at send time: got %v, want ValidationError", err)
	}
}

func TestSendReplyToTombstoneAllowed(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	opener, err := p.Send(ctx, textSend("c1", "student1", "will be deleted"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := p.Send(ctx, textSend("c1", "student1", "keeps chat open"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = second
	if _, err := p.Delete(ctx, opener.ID, "student1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	in := textSend("c1", "student1", "reply to tombstone")
	in.ReplyToID = opener.ID
	if _, err := p.Send(ctx, in); err != nil {
		t.Fatalf("reply to tombstoned message must pass: %v", err)
	}
}

func TestDeleteOnlySender(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	m, err := p.Send(ctx, textSend("c1", "student1", "mine"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := p.Delete(ctx, m.ID, "tutor1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("delete by non-sender: got %v, want ErrAccessDenied", err)
	}
	tomb, err := p.Delete(ctx, m.ID, "student1")
	if err != nil {
		t.Fatalf("delete by sender: %v", err)
	}
	if !tomb.IsDeleted || tomb.Content != "" {
		t.Errorf("tombstone not cleared: %+v", tomb)
	}
	if tomb.ID != m.ID || tomb.Seq != m.Seq {
		t.Errorf("tombstone must keep id and seq")
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	m1, _ := p.Send(ctx, textSend("c1", "student1", "one"))
	m2, _ := p.Send(ctx, textSend("c1", "student1", "two"))

	mark, updated, err := p.MarkRead(ctx, "c1", "tutor1", m2.ID)
	if err != nil || !updated {
		t.Fatalf("MarkRead m2: mark=%v updated=%v err=%v", mark, updated, err)
	}
	if mark.WatermarkSeq != m2.Seq {
		t.Errorf("watermark = %d, want %d", mark.WatermarkSeq, m2.Seq)
	}

	// Out-of-order delivery of an older ack never regresses the watermark.
	mark, updated, err = p.MarkRead(ctx, "c1", "tutor1", m1.ID)
	if err != nil {
		t.Fatalf("MarkRead m1: %v", err)
	}
	if updated {
		t.Error("stale mark must not count as an update")
	}
	if mark.WatermarkSeq != m2.Seq {
		t.Errorf("watermark regressed to %d", mark.WatermarkSeq)
	}
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()
	m, _ := p.Send(ctx, textSend("c1", "student1", "one"))
	if _, _, err := p.MarkRead(ctx, "c1", "stranger", m.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestMarkReadEmptyMessageIDUsesLatest(t *testing.T) {
	p, _ := newTestPipeline()
	ctx := context.Background()

	// Empty chat: nothing to mark, no event.
	if _, updated, err := p.MarkRead(ctx, "c1", "student1", ""); err != nil || updated {
		t.Fatalf("empty chat: updated=%v err=%v", updated, err)
	}

	p.Send(ctx, textSend("c1", "student1", "one"))
	m2, _ := p.Send(ctx, textSend("c1", "student1", "two"))
	mark, updated, err := p.MarkRead(ctx, "c1", "tutor1", "")
	if err != nil || !updated {
		t.Fatalf("MarkRead latest: updated=%v err=%v", updated, err)
	}
	if mark.WatermarkSeq != m2.Seq {
		t.Errorf("watermark = %d, want latest %d", mark.WatermarkSeq, m2.Seq)
	}
}
