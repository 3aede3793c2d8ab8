package msgrouter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/config"
	"github.com/iliyamo/realtime-chat/internal/eventbus"
	"github.com/iliyamo/realtime-chat/internal/ids"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/ratelimit"
	"github.com/iliyamo/realtime-chat/internal/repository/memstore"
)

var ctx = context.Background()

type sink struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	ch     chan struct{}
}

func newSink() *sink { return &sink{ch: make(chan struct{}, 4096)} }

func (s *sink) handle(_ string, env protocol.Envelope) {
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *sink) wait(t *testing.T, n int) []protocol.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-s.ch:
		case <-timeout:
			t.Fatalf("got %d of %d events", i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.frames...)
}

// next waits for one more event and returns it.
func (s *sink) next(t *testing.T) protocol.Envelope {
	t.Helper()
	evs := s.wait(t, 1)
	return evs[len(evs)-1]
}

func (s *sink) quiet(t *testing.T) {
	t.Helper()
	select {
	case <-s.ch:
		t.Fatal("unexpected event")
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	store  *memstore.Store
	broker *eventbus.MemoryBroker
	driver *eventbus.MemoryDriver
	bus    *eventbus.Bus
	router *Router
	u1, u2 string
	a1, a2 Actor
	conv   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), broker: eventbus.NewMemoryBroker()}
	f.driver = eventbus.NewMemoryDriver(f.broker)
	f.bus = eventbus.New(f.driver, eventbus.Options{RetryBackoff: time.Millisecond})
	f.bus.Open(ctx)
	t.Cleanup(func() { _ = f.bus.Close() })

	cfg := config.DefaultChatConfig()
	cfg.MaxMessageLength = 10
	typing := ratelimit.NewLocalBucket(config.BucketConfig{Capacity: 1, RefillTokens: 1, RefillInterval: 2 * time.Second, TTL: time.Minute})
	f.router = New(f.store, f.bus, ids.NewGenerator(1), cfg, typing, nil)

	f.u1, f.u2 = f.user(t, "u1"), f.user(t, "u2")
	f.a1 = Actor{UserID: f.u1, SessionID: "s1"}
	f.a2 = Actor{UserID: f.u2, SessionID: "s2"}
	c, created, err := f.router.CreateDirect(ctx, f.a1, f.u2)
	if err != nil || !created {
		t.Fatalf("CreateDirect() = %v %v", created, err)
	}
	f.conv = c.ID
	return f
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	u := &model.User{Username: name, PasswordHash: "x"}
	if err := f.store.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func (f *fixture) subscribe(t *testing.T, topic string) *sink {
	s := newSink()
	t.Cleanup(f.bus.Subscribe(ctx, topic, s.handle))
	return s
}

func (f *fixture) send(t *testing.T, a Actor, content string) model.Message {
	t.Helper()
	m, err := f.router.Send(ctx, a, SendRequest{ConversationID: f.conv, Content: content})
	if err != nil {
		t.Fatalf("Send(%q) = %v", content, err)
	}
	return m
}

func TestSendPublishesMessageAndBadge(t *testing.T) {
	f := newFixture(t)
	conv := f.subscribe(t, protocol.ConversationTopic(f.conv))
	peer := f.subscribe(t, protocol.UserTopic(f.u2))
	self := f.subscribe(t, protocol.UserTopic(f.u1))

	m := f.send(t, f.a1, "hello")

	env := conv.wait(t, 1)[0]
	if env.Frame.Type != protocol.TypeMessage || env.Origin != "s1" || env.Frame.ConversationID != f.conv {
		t.Fatalf("conv event = %+v", env)
	}
	p, _ := protocol.DecodePayload[protocol.MessagePayload](env.Frame)
	if p.Content != "hello" || p.SenderID != f.u1 || p.ID != m.ID || p.Seq != 1 {
		t.Fatalf("message payload = %+v", p)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.TS)
	if err != nil || time.Since(ts) > time.Second {
		t.Fatalf("ts = %s %v", p.TS, err)
	}

	badge := peer.wait(t, 1)[0]
	nm, _ := protocol.DecodePayload[protocol.NewMessagePayload](badge.Frame)
	if badge.Frame.Type != protocol.TypeNewMessage || nm.UnreadCount != 1 || nm.MessageID != m.ID {
		t.Fatalf("badge = %+v %+v", badge, nm)
	}
	self.quiet(t)

	part, _ := f.store.GetParticipant(ctx, f.conv, f.u2)
	if part.UnreadCount != 1 {
		t.Fatalf("unread = %d", part.UnreadCount)
	}
	if n := f.store.OutboxLen(); n != 0 {
		t.Fatalf("outbox left %d entries", n)
	}
	if n := f.router.locks.Len(); n != 0 {
		t.Fatalf("locks kept %d entries", n)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  SendRequest
		kind apperr.Kind
	}{
		{"too long", SendRequest{ConversationID: f.conv, Content: strings.Repeat("é", 11)}, apperr.InvalidArgument},
		{"empty", SendRequest{ConversationID: f.conv, Content: "  "}, apperr.InvalidArgument},
		{"kind", SendRequest{ConversationID: f.conv, Content: "x", Kind: model.KindSystem}, apperr.InvalidArgument},
		{"bad id", SendRequest{ConversationID: strings.ReplaceAll(f.conv, "-", ""), Content: "x"}, apperr.InvalidArgument},
		{"unknown conversation", SendRequest{ConversationID: "00000000-0000-4000-8000-000000000000", Content: "x"}, apperr.NotFound},
		{"missing reply", SendRequest{ConversationID: f.conv, Content: "x", ReplyTo: "nope"}, apperr.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.router.Send(ctx, f.a1, tc.req)
			if !apperr.Is(err, tc.kind) {
				t.Fatalf("err = %v, want %s", err, tc.kind)
			}
		})
	}

	// Ten multi-byte characters fit.
	fits, err := f.router.Send(ctx, f.a1, SendRequest{ConversationID: f.conv, Content: strings.Repeat("é", 10)})
	if err != nil {
		t.Fatal(err)
	}

	outsider := Actor{UserID: f.user(t, "u3"), SessionID: "s3"}
	if _, err := f.router.Send(ctx, outsider, SendRequest{ConversationID: f.conv, Content: "x"}); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("outsider: %v", err)
	}

	_ = f.store.SetUserStatus(ctx, f.u1, model.UserSuspended)
	if _, err := f.router.Send(ctx, f.a1, SendRequest{ConversationID: f.conv, Content: "x"}); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("suspended: %v", err)
	}
	if _, err := f.router.Delete(ctx, f.a1, fits.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("suspended delete: %v", err)
	}
	if m, _ := f.store.GetMessage(ctx, fits.ID); m.Deleted {
		t.Fatal("suspended user deleted a message")
	}
}

func TestReplyAndForward(t *testing.T) {
	f := newFixture(t)
	orig := f.send(t, f.a1, "orig")

	if _, err := f.router.Reply(ctx, f.a2, SendRequest{ConversationID: f.conv, Content: "re"}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("reply without target: %v", err)
	}
	r, err := f.router.Reply(ctx, f.a2, SendRequest{ConversationID: f.conv, Content: "re", ReplyTo: orig.ID})
	if err != nil || r.ReplyTo != orig.ID {
		t.Fatalf("reply = %+v %v", r, err)
	}

	u3 := f.user(t, "u3")
	other, _, err := f.router.CreateDirect(ctx, f.a1, u3)
	if err != nil {
		t.Fatal(err)
	}
	fw, err := f.router.Forward(ctx, f.a1, orig.ID, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fw.ForwardedFrom != orig.ID || fw.Content != "orig" || fw.ConversationID != other.ID || fw.Seq != 1 {
		t.Fatalf("forward = %+v", fw)
	}

	// u3 cannot forward from a conversation it does not belong to.
	if _, err := f.router.Forward(ctx, Actor{UserID: u3}, orig.ID, other.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("outsider forward: %v", err)
	}
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t)
	conv := f.subscribe(t, protocol.ConversationTopic(f.conv))
	m := f.send(t, f.a1, "tpyo")
	conv.wait(t, 1)

	if _, err := f.router.Edit(ctx, f.a2, m.ID, "fixed"); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("foreign edit: %v", err)
	}
	e, err := f.router.Edit(ctx, f.a1, m.ID, "fixed")
	if err != nil || !e.Edited || e.Content != "fixed" {
		t.Fatalf("edit = %+v %v", e, err)
	}
	ev := conv.next(t)
	ep, _ := protocol.DecodePayload[protocol.MessageEditedPayload](ev.Frame)
	if ev.Frame.Type != protocol.TypeMessageEdited || ep.NewContent != "fixed" || ep.EditedAt == "" {
		t.Fatalf("edited event = %+v", ep)
	}

	if _, err := f.router.Delete(ctx, f.a2, m.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("foreign delete: %v", err)
	}
	if _, err := f.router.Delete(ctx, f.a1, m.ID); err != nil {
		t.Fatal(err)
	}
	ev = conv.next(t)
	if ev.Frame.Type != protocol.TypeMessageDeleted {
		t.Fatalf("delete event = %+v", ev)
	}
	if _, err := f.router.Edit(ctx, f.a1, m.ID, "again"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("edit deleted: %v", err)
	}
}

func TestMarkReadSendsReceipt(t *testing.T) {
	f := newFixture(t)
	var last model.Message
	for _, c := range []string{"a", "b", "c"} {
		last = f.send(t, f.a1, c)
	}
	sender := f.subscribe(t, protocol.UserTopic(f.u1))

	p, err := f.router.MarkRead(ctx, f.a2, f.conv, last.ID)
	if err != nil || p.UnreadCount != 0 {
		t.Fatalf("MarkRead = %+v %v", p, err)
	}
	ev := sender.wait(t, 1)[0]
	rp, _ := protocol.DecodePayload[protocol.ReadReceiptPayload](ev.Frame)
	if ev.Frame.Type != protocol.TypeReadReceipt || rp.UserID != f.u2 || rp.UpToMessageID != last.ID {
		t.Fatalf("receipt = %+v", rp)
	}

	// Re-reading the same cursor is a no-op without receipts.
	if _, err := f.router.MarkRead(ctx, f.a2, f.conv, last.ID); err != nil {
		t.Fatal(err)
	}
	sender.quiet(t)
}

func TestTypingThrottle(t *testing.T) {
	f := newFixture(t)
	conv := f.subscribe(t, protocol.ConversationTopic(f.conv))

	if err := f.router.Typing(ctx, f.a1, f.conv, true); err != nil {
		t.Fatal(err)
	}
	err := f.router.Typing(ctx, f.a1, f.conv, true)
	if !apperr.Is(err, apperr.RateLimited) || apperr.RetryAfterOf(err) <= 0 {
		t.Fatalf("second typing = %v", err)
	}
	if err := f.router.Typing(ctx, f.a1, f.conv, false); err != nil {
		t.Fatalf("stop typing: %v", err)
	}
	evs := conv.wait(t, 2)
	tp, _ := protocol.DecodePayload[protocol.TypingPayload](evs[1].Frame)
	if tp.IsTyping || tp.UserID != f.u1 {
		t.Fatalf("typing payload = %+v", tp)
	}
	// Other users have their own budget.
	if err := f.router.Typing(ctx, f.a2, f.conv, true); err != nil {
		t.Fatal(err)
	}
	if err := f.router.Typing(ctx, Actor{UserID: f.user(t, "u3")}, f.conv, true); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("outsider typing: %v", err)
	}
}

func TestConcurrentSendsKeepOrder(t *testing.T) {
	f := newFixture(t)
	conv := f.subscribe(t, protocol.ConversationTopic(f.conv))

	const perSender = 50
	var wg sync.WaitGroup
	for _, a := range []Actor{f.a1, f.a2} {
		wg.Add(1)
		go func(a Actor) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := f.router.Send(ctx, a, SendRequest{ConversationID: f.conv, Content: "m"}); err != nil {
					t.Error(err)
					return
				}
			}
		}(a)
	}
	wg.Wait()

	evs := conv.wait(t, 2*perSender)
	var prevSeq int64
	var prevTS time.Time
	for _, ev := range evs {
		p, _ := protocol.DecodePayload[protocol.MessagePayload](ev.Frame)
		ts, _ := time.Parse(time.RFC3339Nano, p.TS)
		if p.Seq != prevSeq+1 || ts.Before(prevTS) {
			t.Fatalf("seq %d after %d (ts %s after %s)", p.Seq, prevSeq, ts, prevTS)
		}
		prevSeq, prevTS = p.Seq, ts
	}
}

func TestDegradedSendIsDrainedAfterRecovery(t *testing.T) {
	f := newFixture(t)
	local := f.subscribe(t, protocol.ConversationTopic(f.conv))

	remoteBus := eventbus.New(eventbus.NewMemoryDriver(f.broker), eventbus.Options{})
	remoteBus.Open(ctx)
	defer remoteBus.Close()
	remote := newSink()
	defer remoteBus.Subscribe(ctx, protocol.ConversationTopic(f.conv), remote.handle)()

	f.driver.SetDown(true)
	m := f.send(t, f.a1, "offline")
	local.wait(t, 1)
	remote.quiet(t)
	if n := f.store.OutboxLen(); n != 2 {
		t.Fatalf("outbox = %d, want message and badge", n)
	}

	d := NewDrainer(f.router, time.Second, 10)
	// Within the grace period nothing is due.
	if n, _ := d.DrainOnce(ctx); n != 0 {
		t.Fatalf("drained %d inside grace", n)
	}

	d.now = func() time.Time { return time.Now().Add(time.Minute) }
	if n, err := d.DrainOnce(ctx); n != 0 || err != nil {
		t.Fatalf("drain while down = %d %v", n, err)
	}
	pending, _ := f.store.PendingOutbox(ctx, time.Now().Add(time.Hour), 10)
	if pending[0].Attempts != 1 || pending[1].Attempts != 0 {
		t.Fatalf("attempts = %d, %d", pending[0].Attempts, pending[1].Attempts)
	}

	f.driver.SetDown(false)
	f.bus.CheckHealth(ctx)
	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n, err := d.DrainOnce(ctx); n != 2 || err != nil {
		t.Fatalf("drain after recovery = %d %v", n, err)
	}
	p, _ := protocol.DecodePayload[protocol.MessagePayload](remote.wait(t, 1)[0].Frame)
	if p.ID != m.ID {
		t.Fatalf("remote got %s, want %s", p.ID, m.ID)
	}
	if f.store.OutboxLen() != 0 || d.LastDrain().IsZero() {
		t.Fatal("outbox not emptied")
	}
}

func (f *fixture) remote(t *testing.T) *sink {
	t.Helper()
	b := eventbus.New(eventbus.NewMemoryDriver(f.broker), eventbus.Options{})
	b.Open(ctx)
	t.Cleanup(func() { _ = b.Close() })
	s := newSink()
	t.Cleanup(b.Subscribe(ctx, protocol.ConversationTopic(f.conv), s.handle))
	return s
}

func messageIDs(t *testing.T, evs []protocol.Envelope) []string {
	t.Helper()
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		p, err := protocol.DecodePayload[protocol.MessagePayload](ev.Frame)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, p.ID)
	}
	return out
}

func TestBacklogGoesOutBeforeNewerSend(t *testing.T) {
	f := newFixture(t)
	remote := f.remote(t)

	f.driver.SetDown(true)
	m1 := f.send(t, f.a1, "first")
	f.driver.SetDown(false)
	f.bus.CheckHealth(ctx)
	m2 := f.send(t, f.a1, "second")

	got := messageIDs(t, remote.wait(t, 2))
	if got[0] != m1.ID || got[1] != m2.ID {
		t.Fatalf("remote order = %v, want [%s %s]", got, m1.ID, m2.ID)
	}
	// Only the first badge waits for the drainer.
	if n := f.store.OutboxLen(); n != 1 {
		t.Fatalf("outbox = %d, want 1", n)
	}
	d := NewDrainer(f.router, time.Second, 10)
	d.now = func() time.Time { return time.Now().Add(time.Minute) }
	if n, err := d.DrainOnce(ctx); n != 1 || err != nil {
		t.Fatalf("drain = %d %v", n, err)
	}
	remote.quiet(t)
}

func TestBlockedTopicStaysLocalUntilDrained(t *testing.T) {
	f := newFixture(t)
	local := f.subscribe(t, protocol.ConversationTopic(f.conv))
	remote := f.remote(t)

	f.driver.SetDown(true)
	m1 := f.send(t, f.a1, "first")
	m2 := f.send(t, f.a1, "second")
	if got := messageIDs(t, local.wait(t, 2)); got[0] != m1.ID || got[1] != m2.ID {
		t.Fatalf("local order = %v", got)
	}
	remote.quiet(t)

	d := NewDrainer(f.router, time.Second, 10)
	d.now = func() time.Time { return time.Now().Add(time.Minute) }
	if n, _ := d.DrainOnce(ctx); n != 0 {
		t.Fatalf("drained %d while down", n)
	}

	// The first message is now scheduled after the second; the drainer
	// still sends it first.
	f.driver.SetDown(false)
	f.bus.CheckHealth(ctx)
	if n, err := d.DrainOnce(ctx); n != 4 || err != nil {
		t.Fatalf("drain after recovery = %d %v", n, err)
	}
	if got := messageIDs(t, remote.wait(t, 2)); got[0] != m1.ID || got[1] != m2.ID {
		t.Fatalf("remote order = %v, want [%s %s]", got, m1.ID, m2.ID)
	}
	if n := f.store.OutboxLen(); n != 0 {
		t.Fatalf("outbox = %d", n)
	}
}

func TestCreateDirectAnnouncesToPeer(t *testing.T) {
	f := newFixture(t)
	u3 := f.user(t, "u3")
	peer := f.subscribe(t, protocol.UserTopic(u3))

	c, created, err := f.router.CreateDirect(ctx, f.a1, u3)
	if err != nil || !created {
		t.Fatal(created, err)
	}
	ev := peer.wait(t, 1)[0]
	cp, _ := protocol.DecodePayload[protocol.ConversationCreatedPayload](ev.Frame)
	if cp.ConversationID != c.ID || cp.Kind != model.ConversationDirect {
		t.Fatalf("payload = %+v", cp)
	}

	again, created, err := f.router.CreateDirect(ctx, Actor{UserID: u3}, f.u1)
	if err != nil || created || again.ID != c.ID {
		t.Fatalf("second create = %v %v %v", again.ID, created, err)
	}
	peer.quiet(t)
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, time.Minute, time.Minute}
	for i, w := range want {
		if got := backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestKeyedMutexEvicts(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	if k.Len() != 0 {
		t.Fatalf("entries = %d", k.Len())
	}
}
