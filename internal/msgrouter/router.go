// Package msgrouter enforces the message state machine and bridges the
// message store with the event bus.  Every mutation commits its events to
// the outbox in the same transaction, then publishes them inline while the
// conversation lock is held so that the order of events on a conversation
// topic matches the commit order.
package msgrouter

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/config"
	"github.com/iliyamo/realtime-chat/internal/ids"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/ratelimit"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

// Store is what the router needs from the message store.
type Store interface {
	repository.MessageStore
	repository.ConversationStore
	repository.OutboxStore
	GetUser(ctx context.Context, id string) (model.User, error)
}

// Bus is the publishing side of the event bus.
type Bus interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	PublishRaw(ctx context.Context, topic string, body []byte) error
	Republish(ctx context.Context, topic string, body []byte) error
	PublishLocal(topic string, body []byte)
}

// Actor identifies who performs an operation.  SessionID becomes the
// envelope origin so the acting session can skip its own echo.
type Actor struct {
	UserID    string
	SessionID string
}

// Router runs the message pipelines of one worker.
type Router struct {
	store  Store
	bus    Bus
	ids    *ids.Generator
	cfg    config.ChatConfig
	typing ratelimit.Limiter
	locks  *keyedMutex
	log    *zap.Logger
	now    func() time.Time
}

// New returns a router publishing on bus.  A nil typing limiter disables
// the typing throttle.
func New(store Store, bus Bus, gen *ids.Generator, cfg config.ChatConfig, typing ratelimit.Limiter, log *zap.Logger) *Router {
	if typing == nil {
		typing = ratelimit.Disabled{}
	}
	if cfg.OutboxBatch <= 0 {
		cfg.OutboxBatch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		store:  store,
		bus:    bus,
		ids:    gen,
		cfg:    cfg,
		typing: typing,
		locks:  newKeyedMutex(),
		log:    log.With(zap.String("component", "router")),
		now:    time.Now,
	}
}

// SendRequest is the body of a send, reply or forward.
type SendRequest struct {
	ConversationID string
	Content        string
	Kind           string
	ReplyTo        string
	AttachmentIDs  []string

	forwardedFrom string
}

// Send validates, persists and publishes a new message.
func (r *Router) Send(ctx context.Context, actor Actor, req SendRequest) (model.Message, error) {
	req.Kind = strings.ToLower(req.Kind)
	if req.Kind == "" {
		req.Kind = model.KindText
	}
	if err := r.validateSend(req); err != nil {
		return model.Message{}, err
	}
	if err := r.requireActive(ctx, actor.UserID); err != nil {
		return model.Message{}, err
	}

	unlock := r.locks.Lock(req.ConversationID)
	defer unlock()

	m, entries, err := r.store.AppendMessage(ctx, repository.AppendInput{
		ID:             r.ids.NextString(),
		ConversationID: req.ConversationID,
		SenderID:       actor.UserID,
		Kind:           req.Kind,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		ForwardedFrom:  req.forwardedFrom,
		AttachmentIDs:  req.AttachmentIDs,
	}, r.messageEvents(actor.SessionID))
	if err != nil {
		return model.Message{}, err
	}
	r.flush(ctx, entries)
	return m, nil
}

// Reply is Send with a mandatory reply target in the same conversation.
func (r *Router) Reply(ctx context.Context, actor Actor, req SendRequest) (model.Message, error) {
	if req.ReplyTo == "" {
		return model.Message{}, apperr.New(apperr.InvalidArgument, "reply_to is required")
	}
	return r.Send(ctx, actor, req)
}

// Forward copies a message the actor can see into another conversation.
// Attachments stay with the original.
func (r *Router) Forward(ctx context.Context, actor Actor, messageID, conversationID string) (model.Message, error) {
	if messageID == "" {
		return model.Message{}, apperr.New(apperr.InvalidArgument, "message_id is required")
	}
	src, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if src.Deleted {
		return model.Message{}, apperr.New(apperr.NotFound, "message not found")
	}
	ok, err := r.store.IsParticipant(ctx, src.ConversationID, actor.UserID)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, apperr.New(apperr.Forbidden, "not a participant of the source conversation")
	}
	kind := src.Kind
	if kind == model.KindSystem {
		kind = model.KindText
	}
	return r.Send(ctx, actor, SendRequest{
		ConversationID: conversationID,
		Content:        src.Content,
		Kind:           kind,
		forwardedFrom:  src.ID,
	})
}

// Edit replaces the content of the actor's own message.
func (r *Router) Edit(ctx context.Context, actor Actor, messageID, content string) (model.Message, error) {
	if messageID == "" {
		return model.Message{}, apperr.New(apperr.InvalidArgument, "id is required")
	}
	if err := r.validateContent(content, false); err != nil {
		return model.Message{}, err
	}
	if err := r.requireActive(ctx, actor.UserID); err != nil {
		return model.Message{}, err
	}
	cur, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	unlock := r.locks.Lock(cur.ConversationID)
	defer unlock()

	m, entries, err := r.store.EditMessage(ctx, messageID, actor.UserID, content, r.editedEvents(actor.SessionID))
	if err != nil {
		return model.Message{}, err
	}
	r.flush(ctx, entries)
	return m, nil
}

// Delete soft-deletes a message.  The store decides whether the actor is
// the sender or holds a moderating role.
func (r *Router) Delete(ctx context.Context, actor Actor, messageID string) (model.Message, error) {
	if messageID == "" {
		return model.Message{}, apperr.New(apperr.InvalidArgument, "id is required")
	}
	if err := r.requireActive(ctx, actor.UserID); err != nil {
		return model.Message{}, err
	}
	cur, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	unlock := r.locks.Lock(cur.ConversationID)
	defer unlock()

	m, entries, err := r.store.SoftDeleteMessage(ctx, messageID, actor.UserID, r.deletedEvents(actor.SessionID))
	if err != nil {
		return model.Message{}, err
	}
	r.flush(ctx, entries)
	return m, nil
}

// MarkRead advances the actor's read cursor and sends read receipts to the
// other participants.
func (r *Router) MarkRead(ctx context.Context, actor Actor, conversationID, upToMessageID string) (model.Participant, error) {
	if !protocol.ValidConversationID(conversationID) {
		return model.Participant{}, apperr.New(apperr.InvalidArgument, "invalid conversation_id")
	}
	if upToMessageID == "" {
		return model.Participant{}, apperr.New(apperr.InvalidArgument, "up_to_message_id is required")
	}
	p, entries, err := r.store.MarkRead(ctx, conversationID, actor.UserID, upToMessageID, r.readEvents(actor.SessionID))
	if err != nil {
		return model.Participant{}, err
	}
	r.flush(ctx, entries)
	return p, nil
}

// Typing publishes an ephemeral typing indicator.  Starting to type is
// throttled per user and conversation; stopping always goes through.
func (r *Router) Typing(ctx context.Context, actor Actor, conversationID string, isTyping bool) error {
	if !protocol.ValidConversationID(conversationID) {
		return apperr.New(apperr.InvalidArgument, "invalid conversation_id")
	}
	ok, err := r.store.IsParticipant(ctx, conversationID, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Forbidden, "not a participant")
	}
	if isTyping {
		d, err := r.typing.Allow(ctx, ratelimit.Key(actor.UserID, conversationID))
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, err, "rate limiter")
		}
		if !d.Allowed {
			return apperr.RateLimit("typing throttled", d.RetryAfter)
		}
	}
	f, err := protocol.New(protocol.TypeTyping, conversationID, protocol.TypingPayload{
		ConversationID: conversationID,
		UserID:         actor.UserID,
		IsTyping:       isTyping,
	}, r.now())
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, protocol.ConversationTopic(conversationID), protocol.Envelope{Frame: f, Origin: actor.SessionID}); err != nil {
		r.log.Debug("typing publish degraded", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// CreateDirect returns the direct conversation between the actor and peer,
// creating it when needed.  A new conversation is announced to the peer.
func (r *Router) CreateDirect(ctx context.Context, actor Actor, peerID string) (model.Conversation, bool, error) {
	if err := r.requireActive(ctx, actor.UserID); err != nil {
		return model.Conversation{}, false, err
	}
	c, created, err := r.store.CreateDirectConversation(ctx, actor.UserID, peerID)
	if err != nil || !created {
		return c, created, err
	}
	f, err := protocol.New(protocol.TypeConversationCreated, c.ID, protocol.ConversationCreatedPayload{
		ConversationID: c.ID,
		Kind:           c.Kind,
		Participants:   []string{actor.UserID, peerID},
	}, r.now())
	if err == nil {
		if err := r.bus.Publish(ctx, protocol.UserTopic(peerID), protocol.Envelope{Frame: f, Origin: actor.SessionID}); err != nil {
			r.log.Debug("conversation_created publish degraded", zap.Error(err))
		}
	}
	return c, true, nil
}

// flush publishes committed outbox entries and removes the delivered ones.
// It runs under the conversation lock.  Older entries of a conversation
// topic still waiting in the outbox go out first; while they cannot, newer
// events of that topic reach this worker's subscribers only and stay for
// the drainer, which delivers them in commit order.
func (r *Router) flush(ctx context.Context, entries []model.OutboxEntry) {
	if len(entries) == 0 {
		return
	}
	checked := make(map[string]bool)
	blocked := make(map[string]bool)
	delivered := make([]int64, 0, len(entries))
	for _, e := range entries {
		if _, ok := protocol.TopicConversation(e.Topic); ok && !checked[e.Topic] {
			checked[e.Topic] = true
			if !r.replay(ctx, e.Topic, e.ID) {
				blocked[e.Topic] = true
			}
		}
		if blocked[e.Topic] {
			r.bus.PublishLocal(e.Topic, e.Body)
			continue
		}
		if err := r.bus.PublishRaw(ctx, e.Topic, e.Body); err != nil {
			r.log.Warn("inline publish failed, left in outbox",
				zap.String("topic", e.Topic), zap.Int64("outbox_id", e.ID), zap.Error(err))
			blocked[e.Topic] = true
			continue
		}
		delivered = append(delivered, e.ID)
	}
	if len(delivered) == 0 {
		return
	}
	if err := r.store.DeleteOutbox(ctx, delivered...); err != nil {
		r.log.Warn("outbox cleanup failed", zap.Int("entries", len(delivered)), zap.Error(err))
	}
}

// replay republishes the entries of topic committed before id and reports
// whether none is left.
func (r *Router) replay(ctx context.Context, topic string, before int64) bool {
	n, err := replayBacklog(ctx, r.store, r.bus, topic, before, r.cfg.OutboxBatch)
	if n > 0 {
		r.log.Info("replayed outbox backlog", zap.String("topic", topic), zap.Int("entries", n))
	}
	if err != nil {
		r.log.Warn("outbox backlog replay failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	return true
}

func (r *Router) requireActive(ctx context.Context, userID string) error {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return apperr.New(apperr.Unauthenticated, "unknown user")
		}
		return err
	}
	if !u.IsActive() {
		return apperr.New(apperr.Forbidden, "account is not active")
	}
	return nil
}

func (r *Router) validateSend(req SendRequest) error {
	if !protocol.ValidConversationID(req.ConversationID) {
		return apperr.New(apperr.InvalidArgument, "invalid conversation_id")
	}
	if !r.cfg.AllowedKinds[req.Kind] {
		return apperr.Newf(apperr.InvalidArgument, "message kind %q is not allowed", req.Kind)
	}
	return r.validateContent(req.Content, len(req.AttachmentIDs) > 0)
}

func (r *Router) validateContent(content string, hasAttachments bool) error {
	if strings.TrimSpace(content) == "" && !hasAttachments {
		return apperr.New(apperr.InvalidArgument, "content is required")
	}
	if n := utf8.RuneCountInString(content); n > r.cfg.MaxMessageLength {
		return apperr.Newf(apperr.InvalidArgument, "content exceeds %d characters", r.cfg.MaxMessageLength)
	}
	return nil
}
