package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/auth"
	"github.com/iliyamo/realtime-chat/internal/protocol"
)

// Application close codes.
const (
	CloseUnauthenticated = 4001
	CloseSlowConsumer    = 4002
	CloseIdle            = 4003
	CloseAuthTimeout     = 4008
)

type State int32

const (
	StateNew State = iota
	StateAuthed
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthed:
		return "authed"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one authenticated connection.  The read loop runs on the
// goroutine that called ServeHTTP; writes go through out and the writer
// goroutine only.
type Session struct {
	id           string
	userID       string
	role         string
	tokenVersion int64

	m    *Manager
	conn *websocket.Conn
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	state  atomic.Int32

	createdAt      time.Time
	lastActivity   atomic.Int64
	lastTokenCheck atomic.Int64

	// read goroutine only
	lastHeartbeat time.Time
	invalid       int

	mu       sync.Mutex
	subs     map[string]func()
	contacts map[string]bool

	closeOnce   sync.Once
	codeOnce    sync.Once
	done        chan struct{}
	writerDone  chan struct{}
	closeCode   int
	closeReason string
}

func newSession(m *Manager, conn *websocket.Conn, id auth.Identity) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := m.now()
	s := &Session{
		id:           newSessionID(),
		userID:       id.UserID,
		role:         id.Role,
		tokenVersion: id.TokenVersion,
		m:            m,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		out:          make(chan []byte, max(m.cfg.OutboundQueue, 1)),
		createdAt:    now,
		subs:         make(map[string]func()),
		contacts:     make(map[string]bool),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	s.log = m.log.With(zap.String("session_id", s.id), zap.String("user_id", s.userID))
	s.state.Store(int32(StateAuthed))
	s.lastActivity.Store(now.UnixNano())
	s.lastTokenCheck.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }
func (s *Session) State() State   { return State(s.state.Load()) }

// LastActivity is when the last inbound frame arrived.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) run() {
	go s.writePump()

	f, _ := protocol.New(protocol.TypeWelcome, "", protocol.WelcomePayload{
		SessionID:  s.id,
		UserID:     s.userID,
		ServerTime: protocol.Timestamp(s.m.now()),
	}, s.m.now())
	s.enqueue(f)
	s.join()
	if s.state.CompareAndSwap(int32(StateAuthed), int32(StateReady)) {
		s.log.Info("session ready")
	}

	s.readLoop()
	s.close(websocket.CloseNormalClosure, "")
	<-s.writerDone
}

// join subscribes the per-user topics, loads the presence contacts and
// registers the session with the presence registry.
func (s *Session) join() {
	for _, topic := range []string{protocol.UserTopic(s.userID), protocol.TopicPresence, protocol.TopicAdmin} {
		s.subscribe(topic)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.StoreTimeout)
	defer cancel()
	if contacts, err := s.m.deps.Conversations.ListContacts(ctx, s.userID); err != nil {
		s.log.Warn("contacts unavailable", zap.Error(err))
	} else {
		s.addContacts(contacts...)
	}
	if err := s.m.deps.Presence.Attach(ctx, s.userID, s.id); err != nil {
		s.log.Warn("presence attach failed", zap.Error(err))
	}
	s.lastHeartbeat = s.m.now()
}

// subscribe joins topic once; it reports whether a new subscription was made.
func (s *Session) subscribe(topic string) bool {
	s.mu.Lock()
	_, dup := s.subs[topic]
	closed := s.subs == nil
	s.mu.Unlock()
	if dup || closed {
		return false
	}
	cancel := s.m.deps.Bus.Subscribe(s.ctx, topic, s.deliver)
	s.mu.Lock()
	if s.subs == nil {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.subs[topic] = cancel
	s.mu.Unlock()
	return true
}

func (s *Session) unsubscribe(topic string) bool {
	s.mu.Lock()
	cancel, ok := s.subs[topic]
	if ok {
		delete(s.subs, topic)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Session) addContacts(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id != "" && id != s.userID {
			s.contacts[id] = true
		}
	}
}

func (s *Session) isContact(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[id]
}

func (s *Session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(s.m.now().Add(s.m.cfg.IdleTimeout))
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.close(websocket.CloseMessageTooBig, "frame too large")
			case errors.As(err, &ne) && ne.Timeout():
				s.close(CloseIdle, "idle timeout")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.log.Debug("peer closed")
			default:
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if s.State() >= StateClosing {
			return
		}
		s.lastActivity.Store(s.m.now().UnixNano())
		if typ != websocket.TextMessage {
			s.rejectInvalid("only text frames are accepted", "")
			continue
		}
		s.handle(data)
	}
}

func (s *Session) writePump() {
	defer close(s.writerDone)
	defer s.conn.Close()
	for {
		select {
		case b := <-s.out:
			if err := s.write(b); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.close(websocket.CloseGoingAway, "write failed")
				s.state.Store(int32(StateClosed))
				return
			}
		case <-s.done:
			for {
				select {
				case b := <-s.out:
					if s.write(b) != nil {
						s.state.Store(int32(StateClosed))
						return
					}
					continue
				default:
				}
				break
			}
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, truncate(s.closeReason, 120)),
				s.m.now().Add(time.Second))
			s.state.Store(int32(StateClosed))
			return
		}
	}
}

func (s *Session) write(b []byte) error {
	_ = s.conn.SetWriteDeadline(s.m.now().Add(s.m.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// enqueue hands f to the writer.  A full queue means the client stopped
// reading; the session is closed without blocking the caller.
func (s *Session) enqueue(f protocol.Frame) {
	if s.State() >= StateClosing {
		return
	}
	b, err := json.Marshal(f)
	if err != nil {
		s.log.Error("encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case s.out <- b:
	default:
		s.log.Warn("outbound queue overflow", zap.Int("capacity", cap(s.out)))
		s.closeAsync(CloseSlowConsumer, "outbound queue overflow")
	}
}

// close moves the session to CLOSING: subscriptions are cancelled first,
// then presence is detached and the writer is told to send the close frame.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setCloseCode(code, reason)
		s.state.Store(int32(StateClosing))
		s.cancel()

		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, cancel := range subs {
			cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.m.deps.Presence.Detach(ctx, s.userID, s.id); err != nil {
			s.log.Warn("presence detach failed", zap.Error(err))
		}
		cancel()
		s.m.unregister(s)

		s.setCloseCode(code, reason)
		close(s.done)
		s.log.Info("session closing", zap.Int("code", s.closeCode), zap.String("reason", s.closeReason),
			zap.Duration("lifetime", s.m.now().Sub(s.createdAt)))
	})
}

// closeAsync fixes the close code and stops further frames immediately; the
// teardown itself runs on its own goroutine.
func (s *Session) closeAsync(code int, reason string) {
	s.setCloseCode(code, reason)
	s.state.Store(int32(StateClosing))
	go s.close(code, reason)
}

// setCloseCode records the first close code requested.
func (s *Session) setCloseCode(code int, reason string) {
	s.codeOnce.Do(func() { s.closeCode, s.closeReason = code, reason })
}

// Done is closed once the session started closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// checkToken verifies the session credential is still current.  Unless
// forced it runs at most once per TokenEnforceEvery.  It reports whether
// the session may continue.
func (s *Session) checkToken(ctx context.Context, force bool) bool {
	now := s.m.now()
	if !force && now.Sub(time.Unix(0, s.lastTokenCheck.Load())) < s.m.cfg.TokenEnforceEvery {
		return true
	}
	s.lastTokenCheck.Store(now.UnixNano())
	ok, err := s.m.deps.Auth.Current(ctx, s.userID, s.tokenVersion)
	if err != nil {
		s.log.Warn("token check failed", zap.Error(err))
		return true
	}
	if ok {
		return true
	}
	f, _ := protocol.New(protocol.TypeForceLogout, "", protocol.ForceLogoutPayload{Reason: "credential revoked"}, now)
	s.enqueue(f)
	s.closeAsync(CloseUnauthenticated, "credential revoked")
	return false
}
