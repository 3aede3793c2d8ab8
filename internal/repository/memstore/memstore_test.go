package memstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

var ctx = context.Background()

type fixture struct {
	s      *Store
	u1, u2 string
	conv   string
	nextID int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := New()
	f := &fixture{s: s}
	f.u1 = f.user(t, "alice")
	f.u2 = f.user(t, "bob")
	c, created, err := s.CreateDirectConversation(ctx, f.u1, f.u2)
	if err != nil || !created {
		t.Fatalf("CreateDirectConversation() = %v, %v", created, err)
	}
	f.conv = c.ID
	return f
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	u := &model.User{Username: name, PasswordHash: "x"}
	if err := f.s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func (f *fixture) send(t *testing.T, sender, content string) model.Message {
	t.Helper()
	m, _, err := f.s.AppendMessage(ctx, f.input(sender, content), nil)
	if err != nil {
		t.Fatalf("AppendMessage() = %v", err)
	}
	return m
}

func (f *fixture) input(sender, content string) repository.AppendInput {
	f.nextID++
	return repository.AppendInput{
		ID:             strconv.Itoa(f.nextID),
		ConversationID: f.conv,
		SenderID:       sender,
		Kind:           model.KindText,
		Content:        content,
	}
}

// checkUnread recomputes unread_count from the messages.
func (f *fixture) checkUnread(t *testing.T, userID string) {
	t.Helper()
	p, err := f.s.GetParticipant(ctx, f.conv, userID)
	if err != nil {
		t.Fatal(err)
	}
	want := 0
	for _, mid := range f.s.convMessages[f.conv] {
		m := f.s.messages[mid]
		if m.Deleted || m.SenderID == userID {
			continue
		}
		if p.LastReadAt == nil || m.CreatedAt.After(*p.LastReadAt) {
			want++
		}
	}
	if p.UnreadCount != want {
		t.Fatalf("unread_count(%s) = %d, want %d", userID, p.UnreadCount, want)
	}
}

func TestDirectConversationIsUniquePerPair(t *testing.T) {
	f := newFixture(t)
	again, created, err := f.s.CreateDirectConversation(ctx, f.u2, f.u1)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != f.conv {
		t.Fatalf("expected existing conversation %s, got %s (created=%v)", f.conv, again.ID, created)
	}

	if err := f.s.DeleteConversation(ctx, f.conv); err != nil {
		t.Fatal(err)
	}
	fresh, created, err := f.s.CreateDirectConversation(ctx, f.u1, f.u2)
	if err != nil || !created || fresh.ID == f.conv {
		t.Fatalf("expected a new conversation after delete: %v %v %v", fresh.ID, created, err)
	}
}

func TestDirectConversationConcurrentCreate(t *testing.T) {
	s := New()
	a := &model.User{Username: "a"}
	b := &model.User{Username: "b"}
	_ = s.CreateUser(ctx, a)
	_ = s.CreateUser(ctx, b)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a.ID, b.ID
			if i%2 == 1 {
				x, y = y, x
			}
			c, _, err := s.CreateDirectConversation(ctx, x, y)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("more than one direct conversation: %v", ids)
		}
	}
}

func TestDirectConversationErrors(t *testing.T) {
	f := newFixture(t)
	u3 := f.user(t, "carol")
	if err := f.s.BlockUser(ctx, u3, f.u1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.s.CreateDirectConversation(ctx, f.u1, u3); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("blocked pair: err = %v, want Conflict", err)
	}
	if _, _, err := f.s.CreateDirectConversation(ctx, f.u1, f.u1); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("self pair: err = %v, want InvalidArgument", err)
	}
	if _, _, err := f.s.CreateDirectConversation(ctx, f.u1, "ghost"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("unknown peer: err = %v, want NotFound", err)
	}
}

func TestAppendIsMonotonic(t *testing.T) {
	f := newFixture(t)
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.s.SetClock(func() time.Time { return frozen })

	var prev model.Message
	for i := 0; i < 50; i++ {
		m := f.send(t, f.u1, fmt.Sprint(i))
		if i > 0 {
			if m.Seq != prev.Seq+1 {
				t.Fatalf("seq %d after %d", m.Seq, prev.Seq)
			}
			if !m.CreatedAt.After(prev.CreatedAt) {
				t.Fatalf("ts %v not after %v", m.CreatedAt, prev.CreatedAt)
			}
		}
		prev = m
	}
	f.checkUnread(t, f.u2)
}

func TestAppendValidation(t *testing.T) {
	f := newFixture(t)
	outsider := f.user(t, "mallory")

	in := f.input(outsider, "hi")
	if _, _, err := f.s.AppendMessage(ctx, in, nil); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("outsider: err = %v, want Forbidden", err)
	}

	in = f.input(f.u1, "hi")
	in.ConversationID = "missing"
	if _, _, err := f.s.AppendMessage(ctx, in, nil); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("missing conversation: err = %v, want NotFound", err)
	}

	target := f.send(t, f.u2, "question")
	if _, _, err := f.s.SoftDeleteMessage(ctx, target.ID, f.u2, nil); err != nil {
		t.Fatal(err)
	}
	in = f.input(f.u1, "answer")
	in.ReplyTo = target.ID
	if _, _, err := f.s.AppendMessage(ctx, in, nil); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("reply to deleted: err = %v, want NotFound", err)
	}

	if err := f.s.DeleteConversation(ctx, f.conv); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.s.AppendMessage(ctx, f.input(f.u1, "late"), nil); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("deleted conversation: err = %v, want NotFound", err)
	}
}

func TestAppendAttachments(t *testing.T) {
	f := newFixture(t)
	mine := &model.Attachment{OwnerID: f.u1, Kind: model.AttachImage, BlobRef: "a", Size: 10}
	theirs := &model.Attachment{OwnerID: f.u2, Kind: model.AttachImage, BlobRef: "b", Size: 10}
	_ = f.s.CreateAttachment(ctx, mine)
	_ = f.s.CreateAttachment(ctx, theirs)

	tests := []struct {
		name string
		ids  []string
		want apperr.Kind
	}{
		{"unknown", []string{"nope"}, apperr.NotFound},
		{"foreign", []string{theirs.ID}, apperr.Forbidden},
		{"ok", []string{mine.ID}, ""},
		{"already bound", []string{mine.ID}, apperr.Conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.input(f.u1, "pic")
			in.Kind = model.KindImage
			in.AttachmentIDs = tt.ids
			m, _, err := f.s.AppendMessage(ctx, in, nil)
			if apperr.KindOf(err) != tt.want {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
			if err == nil && (len(m.Attachments) != 1 || m.Attachments[0].MessageID != m.ID) {
				t.Fatalf("attachments not bound: %+v", m.Attachments)
			}
		})
	}
}

func TestFailedStageLeavesNothing(t *testing.T) {
	f := newFixture(t)
	boom := func(model.Message, []model.Participant) ([]model.OutboxEntry, error) {
		return nil, apperr.New(apperr.Internal, "encode")
	}
	if _, _, err := f.s.AppendMessage(ctx, f.input(f.u1, "x"), boom); err == nil {
		t.Fatal("expected stage failure")
	}
	p, _ := f.s.GetParticipant(ctx, f.conv, f.u2)
	c, _ := f.s.GetConversation(ctx, f.conv)
	if p.UnreadCount != 0 || c.LastSeq != 0 || len(f.s.messages) != 0 {
		t.Fatalf("partial state after failed append: unread=%d last_seq=%d msgs=%d", p.UnreadCount, c.LastSeq, len(f.s.messages))
	}
}

func TestStageSeesUpdatedCounters(t *testing.T) {
	f := newFixture(t)
	var unread int
	stage := func(m model.Message, parts []model.Participant) ([]model.OutboxEntry, error) {
		for _, p := range parts {
			if p.UserID == f.u2 {
				unread = p.UnreadCount
			}
		}
		return []model.OutboxEntry{{Topic: "conv:" + m.ConversationID, Body: []byte(m.ID)}}, nil
	}
	f.send(t, f.u1, "one")
	_, out, err := f.s.AppendMessage(ctx, f.input(f.u1, "two"), stage)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 2 {
		t.Fatalf("stage saw unread %d, want 2", unread)
	}
	if len(out) != 1 || out[0].ID == 0 || f.s.OutboxLen() != 1 {
		t.Fatalf("outbox not staged: %+v", out)
	}
}

func TestEditAuthorityAndMonotonicEditedAt(t *testing.T) {
	f := newFixture(t)
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.s.SetClock(func() time.Time { return frozen })
	m := f.send(t, f.u1, "tpyo")

	if _, _, err := f.s.EditMessage(ctx, m.ID, f.u2, "hijack", nil); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("foreign edit: err = %v, want Forbidden", err)
	}
	e1, _, err := f.s.EditMessage(ctx, m.ID, f.u1, "typo", nil)
	if err != nil {
		t.Fatal(err)
	}
	e2, _, err := f.s.EditMessage(ctx, m.ID, f.u1, "fixed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !e1.Edited || !e2.EditedAt.After(*e1.EditedAt) || !e1.EditedAt.After(m.CreatedAt) {
		t.Fatalf("edited_at not strictly increasing: %v then %v", e1.EditedAt, e2.EditedAt)
	}
	hist, _ := f.s.ListHistory(ctx, repository.HistoryQuery{ConversationID: f.conv})
	if len(hist) != 1 || hist[0].Content != "fixed" || !hist[0].Edited {
		t.Fatalf("history = %+v", hist)
	}

	if _, _, err := f.s.SoftDeleteMessage(ctx, m.ID, f.u1, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.s.EditMessage(ctx, m.ID, f.u1, "zombie", nil); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("edit deleted: err = %v, want NotFound", err)
	}
}

func TestMarkReadDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	var msgs []model.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, f.send(t, f.u1, fmt.Sprint(i)))
	}
	f.checkUnread(t, f.u2)

	p, _, err := f.s.MarkRead(ctx, f.conv, f.u2, msgs[3].ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.UnreadCount != 1 || !p.LastReadAt.Equal(msgs[3].CreatedAt) {
		t.Fatalf("after read: %+v", p)
	}
	p, out, err := f.s.MarkRead(ctx, f.conv, f.u2, msgs[1].ID, func(model.Participant, model.Message, []model.Participant) ([]model.OutboxEntry, error) {
		t.Fatal("stage must not run for a stale cursor")
		return nil, nil
	})
	if err != nil || out != nil {
		t.Fatal(err)
	}
	if p.LastReadSeq != msgs[3].Seq {
		t.Fatalf("cursor regressed to %d", p.LastReadSeq)
	}
	f.checkUnread(t, f.u2)

	if _, _, err := f.s.MarkRead(ctx, f.conv, f.u2, msgs[4].ID, nil); err != nil {
		t.Fatal(err)
	}
	f.checkUnread(t, f.u2)
}

func TestDeleteRestoreKeepsUnreadConsistent(t *testing.T) {
	f := newFixture(t)
	a := f.send(t, f.u1, "a")
	b := f.send(t, f.u1, "b")
	c := f.send(t, f.u1, "c")
	if _, _, err := f.s.MarkRead(ctx, f.conv, f.u2, a.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.s.SoftDeleteMessage(ctx, b.ID, f.u1, nil); err != nil {
		t.Fatal(err)
	}
	f.checkUnread(t, f.u2)
	if _, _, err := f.s.SoftDeleteMessage(ctx, a.ID, f.u1, nil); err != nil {
		t.Fatal(err)
	}
	f.checkUnread(t, f.u2)
	if _, err := f.s.RestoreMessage(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	f.checkUnread(t, f.u2)
	if err := f.s.HardDeleteMessage(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	f.checkUnread(t, f.u2)
	if _, err := f.s.RestoreMessage(ctx, b.ID); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("restore live message: err = %v, want Conflict", err)
	}
}

func TestDeleteAuthority(t *testing.T) {
	s := New()
	mk := func(name, role string) string {
		u := &model.User{Username: name, Role: role}
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatal(err)
		}
		return u.ID
	}
	owner, mod, member, admin := mk("owner", ""), mk("mod", ""), mk("member", ""), mk("root", model.RoleAdmin)
	g, err := s.CreateGroup(ctx, repository.NewGroup{Name: "g", OwnerID: owner, MemberIDs: []string{mod, member}})
	if err != nil {
		t.Fatal(err)
	}
	s.members[partKey{g.ID, mod}].Role = model.MemberModerator

	send := func(sender, id string) {
		if _, _, err := s.AppendMessage(ctx, repository.AppendInput{ID: id, ConversationID: g.ConversationID, SenderID: sender, Kind: model.KindText, Content: id}, nil); err != nil {
			t.Fatal(err)
		}
	}
	send(owner, "m1")
	send(owner, "m2")
	send(mod, "m3")

	if _, _, err := s.SoftDeleteMessage(ctx, "m1", member, nil); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("member deleting: err = %v, want Forbidden", err)
	}
	if _, _, err := s.SoftDeleteMessage(ctx, "m1", mod, nil); err != nil {
		t.Fatalf("moderator deleting: %v", err)
	}
	if _, _, err := s.SoftDeleteMessage(ctx, "m2", admin, nil); err != nil {
		t.Fatalf("platform admin deleting: %v", err)
	}

	if err := s.SetMemberStatus(ctx, g.ID, mod, model.MemberBanned); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AppendMessage(ctx, repository.AppendInput{ID: "m4", ConversationID: g.ConversationID, SenderID: mod, Kind: model.KindText, Content: "x"}, nil); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("banned member sending: err = %v, want Forbidden", err)
	}
	if err := s.SetMemberStatus(ctx, g.ID, owner, model.MemberLeft); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("owner leaving: err = %v, want Conflict", err)
	}
}

func TestListHistoryPaging(t *testing.T) {
	f := newFixture(t)
	var msgs []model.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, f.send(t, f.u1, fmt.Sprint(i)))
	}
	if _, _, err := f.s.SoftDeleteMessage(ctx, msgs[5].ID, f.u1, nil); err != nil {
		t.Fatal(err)
	}

	newest, _ := f.s.ListHistory(ctx, repository.HistoryQuery{ConversationID: f.conv, Limit: 3})
	if got := contents(newest); got != "789" {
		t.Fatalf("newest page = %q", got)
	}
	before, _ := f.s.ListHistory(ctx, repository.HistoryQuery{ConversationID: f.conv, Anchor: msgs[7].ID, Limit: 3})
	if got := contents(before); got != "346" {
		t.Fatalf("before page = %q", got)
	}
	after, _ := f.s.ListHistory(ctx, repository.HistoryQuery{ConversationID: f.conv, Anchor: msgs[2].ID, Direction: repository.After, Limit: 4})
	if got := contents(after); got != "3467" {
		t.Fatalf("after page = %q", got)
	}
	if _, err := f.s.ListHistory(ctx, repository.HistoryQuery{ConversationID: f.conv, Anchor: "nope"}); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("unknown anchor: err = %v", err)
	}
}

func contents(ms []model.Message) string {
	s := ""
	for _, m := range ms {
		s += m.Content
	}
	return s
}

func TestRefreshTokenVersion(t *testing.T) {
	f := newFixture(t)
	if err := f.s.StoreRefresh(ctx, f.u1, "hash", 0, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if uid, err := f.s.ValidateRefresh(ctx, "hash"); err != nil || uid != f.u1 {
		t.Fatalf("ValidateRefresh() = %q, %v", uid, err)
	}
	if _, err := f.s.IncrementTokenVersion(ctx, f.u1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.ValidateRefresh(ctx, "hash"); !apperr.Is(err, apperr.Unauthenticated) {
		t.Fatalf("stale refresh: err = %v, want Unauthenticated", err)
	}
}

func TestContactsAndLastSeen(t *testing.T) {
	f := newFixture(t)
	contacts, _ := f.s.ListContacts(ctx, f.u1)
	if len(contacts) != 1 || contacts[0] != f.u2 {
		t.Fatalf("contacts = %v", contacts)
	}
	later := time.Now().UTC()
	_ = f.s.TouchLastSeen(ctx, f.u1, later)
	_ = f.s.TouchLastSeen(ctx, f.u1, later.Add(-time.Hour))
	u, _ := f.s.GetUser(ctx, f.u1)
	if u.LastSeenAt == nil || !u.LastSeenAt.Equal(later) {
		t.Fatalf("last_seen_at = %v, want %v", u.LastSeenAt, later)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := New()
	now := time.Now().UTC()
	out := s.insertOutbox([]model.OutboxEntry{{Topic: "a"}, {Topic: "b", NextAttemptAt: now.Add(time.Minute)}})
	due, _ := s.PendingOutbox(ctx, now.Add(time.Second), 10)
	if len(due) != 1 || due[0].Topic != "a" {
		t.Fatalf("due = %+v", due)
	}
	_ = s.RescheduleOutbox(ctx, out[0].ID, 1, now.Add(time.Hour))
	_ = s.DeleteOutbox(ctx, out[1].ID)
	due, _ = s.PendingOutbox(ctx, now.Add(2*time.Minute), 10)
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %+v", due)
	}

	// the backlog ignores the schedule and stays within the topic
	more := s.insertOutbox([]model.OutboxEntry{{Topic: "a"}, {Topic: "b"}, {Topic: "a"}})
	backlog, _ := s.OutboxBacklog(ctx, "a", more[2].ID, 10)
	if len(backlog) != 2 || backlog[0].ID != out[0].ID || backlog[1].ID != more[0].ID {
		t.Fatalf("backlog = %+v", backlog)
	}
	if backlog, _ = s.OutboxBacklog(ctx, "a", more[2].ID, 1); len(backlog) != 1 {
		t.Fatalf("limited backlog = %+v", backlog)
	}
}
