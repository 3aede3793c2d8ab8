package session

import (
	"github.com/iliyamo/realtime-chat/internal/protocol"
)

// deliver is the bus handler of every topic the session joined.  It runs on
// the bus delivery goroutine and never blocks: frames are queued for the
// writer and closing is done asynchronously.
func (s *Session) deliver(topic string, env protocol.Envelope) {
	if env.Origin == s.id || s.State() >= StateClosing {
		return
	}
	f := env.Frame
	switch f.Type {
	case protocol.TypePresence:
		p, err := protocol.DecodePayload[protocol.PresencePayload](f)
		if err != nil || !s.isContact(p.UserID) {
			return
		}
	case protocol.TypeForceLogout:
		p, err := protocol.DecodePayload[protocol.ForceLogoutPayload](f)
		if err != nil || p.TokenVersion <= s.tokenVersion {
			return
		}
		s.enqueue(f)
		s.closeAsync(CloseUnauthenticated, "credential revoked")
		return
	case protocol.TypeConversationCreated:
		if p, err := protocol.DecodePayload[protocol.ConversationCreatedPayload](f); err == nil {
			s.addContacts(p.Participants...)
		}
	case protocol.TypeNewMessage:
		if p, err := protocol.DecodePayload[protocol.NewMessagePayload](f); err == nil {
			s.addContacts(p.SenderID)
		}
	}
	s.enqueue(f)
}
