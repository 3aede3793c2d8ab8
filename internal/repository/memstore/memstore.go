// Package memstore is an in-process message store with the same semantics
// as the MySQL store.  It backs single-worker development (STORE_DRIVER=
// memory) and the end-to-end tests.  A single mutex stands in for row locks.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

type refresh struct {
	userID       string
	tokenVersion int64
	expiresAt    time.Time
	revoked      bool
}

type partKey struct{ conv, user string }

// Store keeps every table in maps guarded by mu.
type Store struct {
	mu sync.Mutex

	users         map[string]*model.User
	usernames     map[string]string
	blocks        map[[2]string]bool
	tokens        map[string]*refresh
	conversations map[string]*model.Conversation
	directKeys    map[string]string
	participants  map[partKey]*model.Participant
	groups        map[string]*model.Group
	members       map[partKey]*model.GroupMember // (group, user)
	messages      map[string]*model.Message
	convMessages  map[string][]string // message ids in seq order
	attachments   map[string]*model.Attachment
	outbox        map[int64]*model.OutboxEntry
	outboxSeq     int64

	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:         map[string]*model.User{},
		usernames:     map[string]string{},
		blocks:        map[[2]string]bool{},
		tokens:        map[string]*refresh{},
		conversations: map[string]*model.Conversation{},
		directKeys:    map[string]string{},
		participants:  map[partKey]*model.Participant{},
		groups:        map[string]*model.Group{},
		members:       map[partKey]*model.GroupMember{},
		messages:      map[string]*model.Message{},
		convMessages:  map[string][]string{},
		attachments:   map[string]*model.Attachment{},
		outbox:        map[int64]*model.OutboxEntry{},
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func notFound(what string) error { return apperr.New(apperr.NotFound, what+" not found") }

func nextTimestamp(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	if _, ok := s.usernames[u.Username]; ok {
		return apperr.New(apperr.Conflict, "username already exists")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.Status == "" {
		u.Status = model.UserActive
	}
	u.CreatedAt, u.UpdatedAt = s.now(), s.now()
	cp := *u
	s.users[u.ID] = &cp
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, notFound("user")
	}
	return *u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usernames[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return model.User{}, notFound("user")
	}
	return *s.users[id], nil
}

// SetUserStatus changes an account status.  It exists for tests and
// development tooling; the MySQL schema is administered elsewhere.
func (s *Store) SetUserStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return notFound("user")
	}
	u.Status = status
	return nil
}

func (s *Store) IncrementTokenVersion(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, notFound("user")
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (s *Store) ChangePassword(_ context.Context, id, passwordHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, notFound("user")
	}
	u.PasswordHash = passwordHash
	u.TokenVersion++
	u.UpdatedAt = s.now()
	return u.TokenVersion, nil
}

func (s *Store) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	at = at.UTC()
	if u.LastSeenAt == nil || u.LastSeenAt.Before(at) {
		u.LastSeenAt = &at
	}
	return nil
}

func (s *Store) BlockUser(_ context.Context, blocker, blocked string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[[2]string{blocker, blocked}] = true
	return nil
}

func (s *Store) IsBlocked(_ context.Context, a, b string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBlocked(a, b), nil
}

func (s *Store) isBlocked(a, b string) bool {
	return s.blocks[[2]string{a, b}] || s.blocks[[2]string{b, a}]
}

func (s *Store) StoreRefresh(_ context.Context, userID, tokenHash string, tokenVersion int64, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenHash]; ok {
		return apperr.New(apperr.Conflict, "refresh token already exists")
	}
	s.tokens[tokenHash] = &refresh{userID: userID, tokenVersion: tokenVersion, expiresAt: exp.UTC()}
	return nil
}

func (s *Store) ValidateRefresh(_ context.Context, tokenHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return "", apperr.New(apperr.Unauthenticated, "invalid refresh token")
	}
	u, ok := s.users[t.userID]
	switch {
	case !ok:
		return "", apperr.New(apperr.Unauthenticated, "invalid refresh token")
	case t.revoked:
		return "", apperr.New(apperr.Unauthenticated, "refresh token revoked")
	case time.Now().UTC().After(t.expiresAt):
		return "", apperr.New(apperr.Unauthenticated, "refresh token expired")
	case t.tokenVersion != u.TokenVersion:
		return "", apperr.New(apperr.Unauthenticated, "refresh token revoked")
	case !u.IsActive():
		return "", apperr.New(apperr.Unauthenticated, "account is not active")
	}
	return t.userID, nil
}

func (s *Store) RevokeByHash(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenHash]; ok {
		t.revoked = true
	}
	return nil
}

func (s *Store) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.userID == userID {
			t.revoked = true
		}
	}
	return nil
}

func (s *Store) CreateDirectConversation(_ context.Context, a, b string) (model.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return model.Conversation{}, false, apperr.New(apperr.InvalidArgument, "a direct conversation needs two distinct users")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isBlocked(a, b) {
		return model.Conversation{}, false, apperr.New(apperr.Conflict, "conversation blocked")
	}
	for _, id := range []string{a, b} {
		if _, ok := s.users[id]; !ok {
			return model.Conversation{}, false, notFound("user")
		}
	}
	key := model.DirectKey(a, b)
	if id, ok := s.directKeys[key]; ok {
		return *s.conversations[id], false, nil
	}
	now := s.now()
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Kind:         model.ConversationDirect,
		DirectKey:    key,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.conversations[c.ID] = c
	s.directKeys[key] = c.ID
	for _, uid := range []string{a, b} {
		s.participants[partKey{c.ID, uid}] = &model.Participant{ConversationID: c.ID, UserID: uid, JoinedAt: now}
	}
	return *c, true, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, notFound("conversation")
	}
	return *c, nil
}

func (s *Store) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Deleted {
		return notFound("conversation")
	}
	now := s.now()
	c.Deleted, c.DeletedAt = true, &now
	if c.DirectKey != "" {
		delete(s.directKeys, c.DirectKey)
		c.DirectKey = ""
	}
	return nil
}

func (s *Store) GetParticipant(_ context.Context, conversationID, userID string) (model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[partKey{conversationID, userID}]
	if !ok {
		return model.Participant{}, notFound("participant")
	}
	return *p, nil
}

func (s *Store) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.Deleted {
		return false, nil
	}
	_, ok = s.participants[partKey{conversationID, userID}]
	return ok, nil
}

func (s *Store) ListParticipants(_ context.Context, conversationID string) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listParticipants(conversationID), nil
}

func (s *Store) listParticipants(conversationID string) []model.Participant {
	var out []model.Participant
	for k, p := range s.participants {
		if k.conv == conversationID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) ListContacts(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for k := range s.participants {
		if k.user != userID {
			continue
		}
		c := s.conversations[k.conv]
		if c == nil || c.Deleted {
			continue
		}
		for k2 := range s.participants {
			if k2.conv == k.conv && k2.user != userID && !seen[k2.user] {
				seen[k2.user] = true
				out = append(out, k2.user)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateGroup(_ context.Context, in repository.NewGroup) (model.Group, error) {
	if in.Name == "" || in.OwnerID == "" {
		return model.Group{}, apperr.New(apperr.InvalidArgument, "group needs a name and an owner")
	}
	if in.Kind == "" {
		in.Kind = model.GroupPrivate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := append([]string{in.OwnerID}, in.MemberIDs...)
	for _, uid := range members {
		if _, ok := s.users[uid]; !ok {
			return model.Group{}, notFound("user")
		}
	}
	now := s.now()
	g := &model.Group{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Kind:           in.Kind,
		OwnerID:        in.OwnerID,
		ConversationID: uuid.NewString(),
		CreatedAt:      now,
	}
	s.groups[g.ID] = g
	s.conversations[g.ConversationID] = &model.Conversation{
		ID:           g.ConversationID,
		Kind:         model.ConversationGroup,
		GroupID:      g.ID,
		CreatedAt:    now,
		LastActivity: now,
	}
	for i, uid := range members {
		if _, dup := s.members[partKey{g.ID, uid}]; dup {
			continue
		}
		role := model.MemberMember
		if i == 0 {
			role = model.MemberOwner
		}
		s.members[partKey{g.ID, uid}] = &model.GroupMember{GroupID: g.ID, UserID: uid, Role: role, Status: model.MemberActive, JoinedAt: now}
		s.participants[partKey{g.ConversationID, uid}] = &model.Participant{ConversationID: g.ConversationID, UserID: uid, JoinedAt: now}
	}
	return *g, nil
}

func (s *Store) GetGroupMember(_ context.Context, groupID, userID string) (model.GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[partKey{groupID, userID}]
	if !ok {
		return model.GroupMember{}, notFound("group member")
	}
	return *m, nil
}

func (s *Store) SetMemberStatus(_ context.Context, groupID, userID, status string) error {
	switch status {
	case model.MemberActive, model.MemberLeft, model.MemberKicked, model.MemberBanned:
	default:
		return apperr.Newf(apperr.InvalidArgument, "unknown member status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[partKey{groupID, userID}]
	if !ok {
		return notFound("group member")
	}
	if m.Role == model.MemberOwner && status != model.MemberActive {
		return apperr.New(apperr.Conflict, "the owner cannot leave the group")
	}
	if m.Status == status {
		return nil
	}
	m.Status = status
	g := s.groups[groupID]
	c := s.conversations[g.ConversationID]
	key := partKey{c.ID, userID}
	if status == model.MemberActive {
		if _, ok := s.participants[key]; !ok {
			s.participants[key] = &model.Participant{ConversationID: c.ID, UserID: userID, JoinedAt: s.now(), LastReadSeq: c.LastSeq}
		}
		return nil
	}
	delete(s.participants, key)
	return nil
}
