package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/msgrouter"
	"github.com/iliyamo/realtime-chat/internal/protocol"
)

func (s *Session) actor() msgrouter.Actor {
	return msgrouter.Actor{UserID: s.userID, SessionID: s.id}
}

// handle decodes and dispatches one inbound frame.
func (s *Session) handle(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		s.reject(err, "")
		return
	}
	if !s.checkToken(s.ctx, false) {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 2*s.m.cfg.StoreTimeout)
	defer cancel()
	if f.Type != protocol.TypePing {
		s.maybeHeartbeat(ctx)
	}

	switch f.Type {
	case protocol.TypePing:
		err = s.onPing(ctx, f)
	case protocol.TypeSend:
		err = s.onSend(ctx, f)
	case protocol.TypeEdit:
		err = s.onEdit(ctx, f)
	case protocol.TypeDelete:
		err = s.onDelete(ctx, f)
	case protocol.TypeForward:
		err = s.onForward(ctx, f)
	case protocol.TypeRead:
		err = s.onRead(ctx, f)
	case protocol.TypeTyping:
		err = s.onTyping(ctx, f)
	case protocol.TypeSubscribe:
		err = s.onSubscribe(ctx, f)
	case protocol.TypeUnsubscribe:
		err = s.onUnsubscribe(f)
	case protocol.TypePresence:
		err = s.onPresence(ctx, f)
	case protocol.TypeAuth:
		err = apperr.New(apperr.InvalidArgument, "session is already authenticated")
	default:
		err = apperr.Newf(apperr.InvalidArgument, "unknown frame type %q", f.Type)
	}
	if err != nil {
		s.reject(err, f.CorrelationID)
	}
}

// reject answers a failed frame with an error frame.  Internal failures are
// logged under the correlation id sent to the client; invalid frames count
// toward the offence limit.
func (s *Session) reject(err error, correlationID string) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal || kind == apperr.Unavailable {
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		s.log.Error("frame failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	s.enqueue(protocol.ErrorFrame(err, correlationID, s.m.now()))

	switch kind {
	case apperr.InvalidArgument:
		s.invalid++
		if limit := s.m.cfg.MaxInvalidFrames; limit > 0 && s.invalid >= limit {
			s.close(websocket.ClosePolicyViolation, "too many invalid frames")
		}
	case apperr.Unauthenticated:
		s.closeAsync(CloseUnauthenticated, apperr.Message(err))
	}
}

func (s *Session) rejectInvalid(msg, correlationID string) {
	s.reject(apperr.New(apperr.InvalidArgument, msg), correlationID)
}

func (s *Session) ack(correlationID string, p protocol.AckPayload) {
	p.CorrelationID = correlationID
	f, err := protocol.New(protocol.TypeAck, p.ConversationID, p, s.m.now())
	if err != nil {
		return
	}
	f.CorrelationID = correlationID
	s.enqueue(f)
}

func (s *Session) maybeHeartbeat(ctx context.Context) {
	if s.m.now().Sub(s.lastHeartbeat) < s.m.cfg.LivenessHorizon/3 {
		return
	}
	s.heartbeat(ctx)
}

func (s *Session) heartbeat(ctx context.Context) {
	if err := s.m.deps.Presence.Heartbeat(ctx, s.userID, s.id); err != nil {
		s.log.Warn("presence heartbeat failed", zap.Error(err))
		return
	}
	s.lastHeartbeat = s.m.now()
}

func (s *Session) onPing(ctx context.Context, f protocol.Frame) error {
	s.heartbeat(ctx)
	pong, err := protocol.New(protocol.TypePong, "", protocol.PongPayload{ServerTime: protocol.Timestamp(s.m.now())}, s.m.now())
	if err != nil {
		return err
	}
	pong.CorrelationID = f.CorrelationID
	s.enqueue(pong)
	return nil
}

func (s *Session) onSend(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.SendPayload](f)
	if err != nil {
		return err
	}
	if p.ConversationID == "" {
		p.ConversationID = f.ConversationID
	}
	d, err := s.m.deps.SendLimiter.Allow(ctx, s.userID)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "rate limiter")
	}
	if !d.Allowed {
		return apperr.RateLimit("send rate exceeded", d.RetryAfter)
	}
	req := msgrouter.SendRequest{
		ConversationID: p.ConversationID,
		Content:        p.Content,
		Kind:           p.Kind,
		ReplyTo:        p.ReplyTo,
		AttachmentIDs:  p.AttachmentIDs,
	}
	var m model.Message
	if req.ReplyTo != "" {
		m, err = s.m.deps.Router.Reply(ctx, s.actor(), req)
	} else {
		m, err = s.m.deps.Router.Send(ctx, s.actor(), req)
	}
	if err != nil {
		return err
	}
	s.ackMessage(f.CorrelationID, protocol.TypeSend, m, m.CreatedAt)
	return nil
}

func (s *Session) onForward(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.ForwardPayload](f)
	if err != nil {
		return err
	}
	m, err := s.m.deps.Router.Forward(ctx, s.actor(), p.MessageID, p.ConversationID)
	if err != nil {
		return err
	}
	s.ackMessage(f.CorrelationID, protocol.TypeForward, m, m.CreatedAt)
	return nil
}

func (s *Session) onEdit(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.EditPayload](f)
	if err != nil {
		return err
	}
	m, err := s.m.deps.Router.Edit(ctx, s.actor(), p.ID, p.NewContent)
	if err != nil {
		return err
	}
	s.ackMessage(f.CorrelationID, protocol.TypeEdit, m, stampOr(m.EditedAt, m.CreatedAt))
	return nil
}

func (s *Session) onDelete(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.DeletePayload](f)
	if err != nil {
		return err
	}
	m, err := s.m.deps.Router.Delete(ctx, s.actor(), p.ID)
	if err != nil {
		return err
	}
	s.ackMessage(f.CorrelationID, protocol.TypeDelete, m, stampOr(m.DeletedAt, m.CreatedAt))
	return nil
}

func (s *Session) ackMessage(correlationID, op string, m model.Message, at time.Time) {
	s.ack(correlationID, protocol.AckPayload{
		Op:             op,
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		TS:             protocol.Timestamp(at),
	})
}

func stampOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

func (s *Session) onRead(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.ReadPayload](f)
	if err != nil {
		return err
	}
	part, err := s.m.deps.Router.MarkRead(ctx, s.actor(), p.ConversationID, p.UpToMessageID)
	if err != nil {
		return err
	}
	ack := protocol.AckPayload{Op: protocol.TypeRead, ID: p.UpToMessageID, Seq: part.LastReadSeq, ConversationID: p.ConversationID}
	if part.LastReadAt != nil {
		ack.TS = protocol.Timestamp(*part.LastReadAt)
	}
	s.ack(f.CorrelationID, ack)
	return nil
}

func (s *Session) onTyping(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.TypingPayload](f)
	if err != nil {
		return err
	}
	return s.m.deps.Router.Typing(ctx, s.actor(), p.ConversationID, p.IsTyping)
}

func (s *Session) onSubscribe(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.SubscribePayload](f)
	if err != nil {
		return err
	}
	if !protocol.ValidConversationID(p.ConversationID) {
		return apperr.New(apperr.InvalidArgument, "invalid conversation_id")
	}
	ok, err := s.m.deps.Conversations.IsParticipant(ctx, p.ConversationID, s.userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Forbidden, "not a participant")
	}
	s.subscribe(protocol.ConversationTopic(p.ConversationID))
	s.ack(f.CorrelationID, protocol.AckPayload{Op: protocol.TypeSubscribe, ConversationID: p.ConversationID})
	return nil
}

func (s *Session) onUnsubscribe(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.SubscribePayload](f)
	if err != nil {
		return err
	}
	if !protocol.ValidConversationID(p.ConversationID) {
		return apperr.New(apperr.InvalidArgument, "invalid conversation_id")
	}
	s.unsubscribe(protocol.ConversationTopic(p.ConversationID))
	s.ack(f.CorrelationID, protocol.AckPayload{Op: protocol.TypeUnsubscribe, ConversationID: p.ConversationID})
	return nil
}

func (s *Session) onPresence(ctx context.Context, f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.PresencePayload](f)
	if err != nil {
		return err
	}
	status, err := s.m.deps.Presence.SetStatus(ctx, s.userID, p.Status)
	if err != nil {
		return err
	}
	s.ack(f.CorrelationID, protocol.AckPayload{Op: protocol.TypePresence, ID: status})
	return nil
}
