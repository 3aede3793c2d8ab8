// Package session owns the live websocket connections of one worker.  A
// session authenticates during the opening handshake, joins its user,
// presence and admin topics, and then dispatches inbound frames to the
// message router while a single writer goroutine drains its bounded
// outbound queue.
package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/auth"
	"github.com/iliyamo/realtime-chat/internal/config"
	"github.com/iliyamo/realtime-chat/internal/eventbus"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/msgrouter"
	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/ratelimit"
)

// Authenticator validates credentials at the handshake and while open.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.Identity, error)
	Current(ctx context.Context, userID string, version int64) (bool, error)
}

type Presence interface {
	Attach(ctx context.Context, userID, sessionID string) error
	Heartbeat(ctx context.Context, userID, sessionID string) error
	Detach(ctx context.Context, userID, sessionID string) error
	SetStatus(ctx context.Context, userID, status string) (string, error)
}

type Router interface {
	Send(ctx context.Context, a msgrouter.Actor, req msgrouter.SendRequest) (model.Message, error)
	Reply(ctx context.Context, a msgrouter.Actor, req msgrouter.SendRequest) (model.Message, error)
	Forward(ctx context.Context, a msgrouter.Actor, messageID, conversationID string) (model.Message, error)
	Edit(ctx context.Context, a msgrouter.Actor, messageID, content string) (model.Message, error)
	Delete(ctx context.Context, a msgrouter.Actor, messageID string) (model.Message, error)
	MarkRead(ctx context.Context, a msgrouter.Actor, conversationID, upToMessageID string) (model.Participant, error)
	Typing(ctx context.Context, a msgrouter.Actor, conversationID string, isTyping bool) error
}

// Conversations answers membership questions for subscriptions and the
// presence contacts filter.
type Conversations interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListContacts(ctx context.Context, userID string) ([]string, error)
}

type Bus interface {
	Subscribe(ctx context.Context, topic string, h eventbus.Handler) (cancel func())
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Auth           Authenticator
	Presence       Presence
	Router         Router
	Conversations  Conversations
	Bus            Bus
	SendLimiter    ratelimit.Limiter
	WorkerID       string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Manager owns the websocket sessions of one worker.
type Manager struct {
	cfg      config.ChatConfig
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	wg       sync.WaitGroup
	shutdown bool
}

// NewManager returns a Manager; it serves upgrades as an http.Handler.
func NewManager(cfg config.ChatConfig, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.SendLimiter == nil {
		deps.SendLimiter = ratelimit.Disabled{}
	}
	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With(zap.String("component", "session"), zap.String("worker_id", deps.WorkerID)),
		now:      time.Now,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.deps.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range m.deps.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// bearer extracts a credential offered at upgrade time.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}

// ServeHTTP upgrades the request and runs the session until it closes.  A
// credential offered with the upgrade request is checked before upgrading;
// otherwise the first frame must be an auth frame.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	down := m.shutdown
	m.mu.RUnlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var (
		id     auth.Identity
		authed bool
	)
	if raw := bearer(r); raw != "" {
		var err error
		if id, err = m.deps.Auth.Authenticate(r.Context(), raw); err != nil {
			http.Error(w, apperr.Message(err), http.StatusUnauthorized)
			return
		}
		authed = true
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(m.cfg.MaxFrameBytes)

	if !authed {
		if id, err = m.handshake(conn); err != nil {
			return
		}
	}

	s := newSession(m, conn, id)
	if !m.register(s) {
		closeConn(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer m.wg.Done()
	s.run()
}

// handshake waits for an auth frame.  It closes the socket itself on
// failure.
func (m *Manager) handshake(conn *websocket.Conn) (auth.Identity, error) {
	_ = conn.SetReadDeadline(m.now().Add(m.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			closeConn(conn, CloseAuthTimeout, "auth-timeout")
		} else {
			_ = conn.Close()
		}
		return auth.Identity{}, err
	}
	f, err := protocol.Decode(data)
	if err == nil && f.Type != protocol.TypeAuth {
		err = apperr.New(apperr.Unauthenticated, "first frame must be auth")
	}
	var p protocol.AuthPayload
	if err == nil {
		p, err = protocol.DecodePayload[protocol.AuthPayload](f)
	}
	var id auth.Identity
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		id, err = m.deps.Auth.Authenticate(ctx, p.Token)
		cancel()
	}
	if err != nil {
		m.log.Debug("websocket authentication failed", zap.Error(err))
		closeConn(conn, CloseUnauthenticated, apperr.Message(err))
		return auth.Identity{}, err
	}
	return id, nil
}

func (m *Manager) register(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	m.sessions[s.id] = s
	if m.byUser[s.userID] == nil {
		m.byUser[s.userID] = make(map[string]*Session)
	}
	m.byUser[s.userID][s.id] = s
	m.wg.Add(1)
	return true
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
	if set := m.byUser[s.userID]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(m.byUser, s.userID)
		}
	}
}

// Count reports the live sessions of this worker.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UserSessions reports the live sessions of userID on this worker.
func (m *Manager) UserSessions(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Run re-validates the credential of every session each TokenEnforceEvery
// until ctx ends.  Sessions whose token_version moved on are closed.
func (m *Manager) Run(ctx context.Context) error {
	every := m.cfg.TokenEnforceEvery
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.EnforceTokens(ctx)
		}
	}
}

// EnforceTokens runs one token enforcement pass.
func (m *Manager) EnforceTokens(ctx context.Context) {
	for _, s := range m.snapshot() {
		s.checkToken(ctx, true)
	}
}

// Shutdown closes every session with "going away" and waits for their
// teardown or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	for _, s := range m.snapshot() {
		s.closeAsync(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newSessionID() string { return uuid.NewString() }

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncate(reason, 120)), time.Now().Add(time.Second))
	_ = conn.Close()
}

// truncate keeps a close reason within the control frame limit.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
