package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/realtime-chat/internal/model"
)

type memRecord struct {
	status   string
	hb       time.Time
	sessions map[string]struct{}
}

// MemoryStore keeps presence inside the process.  It is used when Redis is
// not configured and gives single-worker semantics.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memRecord)}
}

func (s *MemoryStore) record(userID string) *memRecord {
	r, ok := s.users[userID]
	if !ok {
		r = &memRecord{status: model.StatusOffline, sessions: make(map[string]struct{})}
		s.users[userID] = r
	}
	return r
}

func (s *MemoryStore) Attach(_ context.Context, userID, sessionID string, now, cutoff time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(userID)
	prev := effective(r.status, r.hb, cutoff)
	r.sessions[sessionID] = struct{}{}
	r.status = model.StatusOnline
	r.hb = now
	return prev, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, userID, sessionID string, now, cutoff time.Time) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(userID)
	prev := effective(r.status, r.hb, cutoff)
	r.sessions[sessionID] = struct{}{}
	if prev == model.StatusOffline {
		r.status = model.StatusOnline
	}
	r.hb = now
	return prev, r.status, nil
}

func (s *MemoryStore) Detach(_ context.Context, userID, sessionID string, _, cutoff time.Time) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[userID]
	if !ok {
		return model.StatusOffline, model.StatusOffline, nil
	}
	prev := effective(r.status, r.hb, cutoff)
	delete(r.sessions, sessionID)
	if len(r.sessions) == 0 {
		r.status = model.StatusOffline
	}
	return prev, effective(r.status, r.hb, cutoff), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, userID, status string, now, cutoff time.Time) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[userID]
	if !ok {
		return model.StatusOffline, model.StatusOffline, nil
	}
	prev := effective(r.status, r.hb, cutoff)
	if prev == model.StatusOffline || len(r.sessions) == 0 {
		return prev, prev, nil
	}
	r.status = status
	r.hb = now
	return prev, status, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string, cutoff time.Time) (model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
	r, ok := s.users[userID]
	if !ok {
		return rec, nil
	}
	rec.LastHeartbeat = r.hb
	rec.Status = effective(r.status, r.hb, cutoff)
	if rec.Status != model.StatusOffline {
		for id := range r.sessions {
			rec.Sessions = append(rec.Sessions, id)
		}
		sort.Strings(rec.Sessions)
	}
	return rec, nil
}

func (s *MemoryStore) Expired(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.users {
		if r.status != model.StatusOffline && r.hb.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Demote(_ context.Context, userID string, cutoff time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[userID]
	if !ok || !r.hb.Before(cutoff) {
		return time.Time{}, false, nil
	}
	was := r.status
	r.status = model.StatusOffline
	r.sessions = make(map[string]struct{})
	return r.hb, was != model.StatusOffline, nil
}
