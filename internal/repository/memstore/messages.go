package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

func (s *Store) liveConversation(id string) (*model.Conversation, error) {
	c, ok := s.conversations[id]
	if !ok || c.Deleted {
		return nil, notFound("conversation")
	}
	return c, nil
}

func (s *Store) checkSender(c *model.Conversation, senderID string) error {
	if _, ok := s.participants[partKey{c.ID, senderID}]; !ok {
		return apperr.New(apperr.Forbidden, "not a participant")
	}
	if c.Kind == model.ConversationGroup {
		m, ok := s.members[partKey{c.GroupID, senderID}]
		if !ok || m.Status != model.MemberActive {
			return apperr.New(apperr.Forbidden, "not an active group member")
		}
	}
	return nil
}

// AppendMessage mirrors the MySQL store: every check runs before any state
// changes so that a failure leaves nothing behind.
func (s *Store) AppendMessage(_ context.Context, in repository.AppendInput, stage repository.MessageEvents) (model.Message, []model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveConversation(in.ConversationID)
	if err != nil {
		return model.Message{}, nil, err
	}
	if err := s.checkSender(c, in.SenderID); err != nil {
		return model.Message{}, nil, err
	}
	if in.ReplyTo != "" {
		t, ok := s.messages[in.ReplyTo]
		switch {
		case !ok:
			return model.Message{}, nil, apperr.New(apperr.NotFound, "reply target not found")
		case t.ConversationID != c.ID:
			return model.Message{}, nil, apperr.New(apperr.InvalidArgument, "reply target belongs to another conversation")
		case t.Deleted:
			return model.Message{}, nil, apperr.New(apperr.NotFound, "reply target was deleted")
		}
	}
	if _, dup := s.messages[in.ID]; dup || in.ID == "" {
		return model.Message{}, nil, apperr.New(apperr.Conflict, "message id already used")
	}
	seen := map[string]bool{}
	for _, id := range in.AttachmentIDs {
		if seen[id] {
			return model.Message{}, nil, apperr.New(apperr.InvalidArgument, "duplicate attachment id")
		}
		seen[id] = true
		a, ok := s.attachments[id]
		switch {
		case !ok:
			return model.Message{}, nil, apperr.Newf(apperr.NotFound, "attachment %s not found", id)
		case a.OwnerID != in.SenderID:
			return model.Message{}, nil, apperr.Newf(apperr.Forbidden, "attachment %s belongs to another user", id)
		case a.MessageID != "":
			return model.Message{}, nil, apperr.Newf(apperr.Conflict, "attachment %s is already bound", id)
		}
	}

	m := model.Message{
		ID:             in.ID,
		ConversationID: c.ID,
		SenderID:       in.SenderID,
		Seq:            c.LastSeq + 1,
		Kind:           in.Kind,
		Content:        in.Content,
		ReplyTo:        in.ReplyTo,
		ForwardedFrom:  in.ForwardedFrom,
		CreatedAt:      nextTimestamp(s.now(), c.LastActivity),
	}
	for _, id := range in.AttachmentIDs {
		cp := *s.attachments[id]
		cp.MessageID = m.ID
		m.Attachments = append(m.Attachments, cp)
	}

	// Build the outbox before mutating so a failing stage aborts cleanly.
	var entries []model.OutboxEntry
	if stage != nil {
		parts := s.listParticipants(c.ID)
		for i := range parts {
			if parts[i].UserID != m.SenderID {
				parts[i].UnreadCount++
			}
		}
		if entries, err = stage(m, parts); err != nil {
			return model.Message{}, nil, err
		}
	}

	for _, a := range m.Attachments {
		s.attachments[a.ID].MessageID = m.ID
	}
	stored := m
	s.messages[m.ID] = &stored
	s.convMessages[c.ID] = append(s.convMessages[c.ID], m.ID)
	c.LastSeq, c.LastActivity = m.Seq, m.CreatedAt
	for k, p := range s.participants {
		if k.conv == c.ID && k.user != m.SenderID {
			p.UnreadCount++
		}
	}
	return m, s.insertOutbox(entries), nil
}

func (s *Store) GetMessage(_ context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, notFound("message")
	}
	return *m, nil
}

func (s *Store) liveMessage(id string) (*model.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, notFound("message")
	}
	if m.Deleted {
		return nil, apperr.New(apperr.NotFound, "message was deleted")
	}
	if _, err := s.liveConversation(m.ConversationID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) EditMessage(_ context.Context, id, editorID, content string, stage repository.MessageEvents) (model.Message, []model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.liveMessage(id)
	if err != nil {
		return model.Message{}, nil, err
	}
	if m.SenderID != editorID {
		return model.Message{}, nil, apperr.New(apperr.Forbidden, "only the sender may edit a message")
	}
	prev := m.CreatedAt
	if m.EditedAt != nil && m.EditedAt.After(prev) {
		prev = *m.EditedAt
	}
	at := nextTimestamp(s.now(), prev)
	next := *m
	next.Content, next.Edited, next.EditedAt = content, true, &at
	entries, err := s.stage(stage, next)
	if err != nil {
		return model.Message{}, nil, err
	}
	*m = next
	return next, s.insertOutbox(entries), nil
}

func (s *Store) SoftDeleteMessage(_ context.Context, id, deleterID string, stage repository.MessageEvents) (model.Message, []model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.liveMessage(id)
	if err != nil {
		return model.Message{}, nil, err
	}
	if !s.canDelete(m, deleterID) {
		return model.Message{}, nil, apperr.New(apperr.Forbidden, "not allowed to delete this message")
	}
	at := nextTimestamp(s.now(), m.CreatedAt)
	next := *m
	next.Deleted, next.DeletedAt = true, &at
	s.adjustUnread(m, -1)
	entries, err := s.stage(stage, next)
	if err != nil {
		s.adjustUnread(m, +1)
		return model.Message{}, nil, err
	}
	*m = next
	return next, s.insertOutbox(entries), nil
}

func (s *Store) canDelete(m *model.Message, deleterID string) bool {
	if m.SenderID == deleterID {
		return true
	}
	if u, ok := s.users[deleterID]; ok && u.IsAdmin() {
		return true
	}
	c := s.conversations[m.ConversationID]
	if c.GroupID == "" {
		return false
	}
	gm, ok := s.members[partKey{c.GroupID, deleterID}]
	return ok && gm.CanModerate()
}

func (s *Store) adjustUnread(m *model.Message, delta int) {
	for k, p := range s.participants {
		if k.conv != m.ConversationID || k.user == m.SenderID || p.LastReadSeq >= m.Seq {
			continue
		}
		p.UnreadCount += delta
		if p.UnreadCount < 0 {
			p.UnreadCount = 0
		}
	}
}

func (s *Store) RestoreMessage(_ context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, notFound("message")
	}
	if !m.Deleted {
		return model.Message{}, apperr.New(apperr.Conflict, "message is not deleted")
	}
	m.Deleted, m.DeletedAt = false, nil
	s.adjustUnread(m, +1)
	return *m, nil
}

func (s *Store) HardDeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return notFound("message")
	}
	if !m.Deleted {
		s.adjustUnread(m, -1)
	}
	for aid, a := range s.attachments {
		if a.MessageID == id {
			delete(s.attachments, aid)
		}
	}
	ids := s.convMessages[m.ConversationID]
	for i, mid := range ids {
		if mid == id {
			s.convMessages[m.ConversationID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	delete(s.messages, id)
	return nil
}

func (s *Store) MarkRead(_ context.Context, conversationID, userID, upToMessageID string, stage repository.ReadEvents) (model.Participant, []model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveConversation(conversationID); err != nil {
		return model.Participant{}, nil, err
	}
	p, ok := s.participants[partKey{conversationID, userID}]
	if !ok {
		return model.Participant{}, nil, apperr.New(apperr.Forbidden, "not a participant")
	}
	target, ok := s.messages[upToMessageID]
	if !ok || target.ConversationID != conversationID {
		return model.Participant{}, nil, notFound("message")
	}
	if target.Seq <= p.LastReadSeq {
		return *p, nil, nil
	}
	unread := 0
	for _, mid := range s.convMessages[conversationID] {
		m := s.messages[mid]
		if m.Seq > target.Seq && !m.Deleted && m.SenderID != userID {
			unread++
		}
	}
	at := target.CreatedAt
	next := *p
	next.LastReadSeq, next.LastReadAt, next.UnreadCount = target.Seq, &at, unread

	var entries []model.OutboxEntry
	if stage != nil {
		parts := s.listParticipants(conversationID)
		for i := range parts {
			if parts[i].UserID == userID {
				parts[i] = next
			}
		}
		var err error
		if entries, err = stage(next, *target, parts); err != nil {
			return model.Participant{}, nil, err
		}
	}
	*p = next
	return next, s.insertOutbox(entries), nil
}

func (s *Store) ListHistory(_ context.Context, q repository.HistoryQuery) ([]model.Message, error) {
	q = q.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var anchorSeq int64
	if q.Anchor != "" {
		a, ok := s.messages[q.Anchor]
		if !ok || a.ConversationID != q.ConversationID {
			return nil, apperr.New(apperr.NotFound, "anchor message not found")
		}
		anchorSeq = a.Seq
	}
	var live []model.Message
	for _, mid := range s.convMessages[q.ConversationID] {
		if m := s.messages[mid]; !m.Deleted {
			live = append(live, *m)
		}
	}
	var out []model.Message
	if q.Direction == repository.After {
		for _, m := range live {
			if m.Seq > anchorSeq && len(out) < q.Limit {
				out = append(out, m)
			}
		}
		return out, nil
	}
	for i := len(live) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.Anchor == "" || live[i].Seq < anchorSeq {
			out = append(out, live[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) stage(stage repository.MessageEvents, m model.Message) ([]model.OutboxEntry, error) {
	if stage == nil {
		return nil, nil
	}
	return stage(m, s.listParticipants(m.ConversationID))
}

func (s *Store) CreateAttachment(_ context.Context, a *model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.MessageID = ""
	a.CreatedAt = s.now()
	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (s *Store) GetAttachment(_ context.Context, id string) (model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok {
		return model.Attachment{}, notFound("attachment")
	}
	return *a, nil
}

func (s *Store) insertOutbox(entries []model.OutboxEntry) []model.OutboxEntry {
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	out := make([]model.OutboxEntry, len(entries))
	for i, e := range entries {
		s.outboxSeq++
		e.ID = s.outboxSeq
		e.CreatedAt = now
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = now
		}
		cp := e
		s.outbox[e.ID] = &cp
		out[i] = e
	}
	return out
}

func (s *Store) PendingOutbox(_ context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxEntry
	for id := int64(1); id <= s.outboxSeq && len(out) < limit; id++ {
		if e, ok := s.outbox[id]; ok && !e.NextAttemptAt.After(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) OutboxBacklog(_ context.Context, topic string, beforeID int64, limit int) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxEntry
	for id := int64(1); id < beforeID && id <= s.outboxSeq && len(out) < limit; id++ {
		if e, ok := s.outbox[id]; ok && e.Topic == topic {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) DeleteOutbox(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.outbox, id)
	}
	return nil
}

func (s *Store) RescheduleOutbox(_ context.Context, id int64, attempts int, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.outbox[id]; ok {
		e.Attempts, e.NextAttemptAt = attempts, next
	}
	return nil
}

// OutboxLen reports how many entries await publication.
func (s *Store) OutboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}
