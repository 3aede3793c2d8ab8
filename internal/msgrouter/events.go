package msgrouter

import (
	"time"

	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

// The builders below turn a committed mutation into outbox entries.  They
// run inside the store transaction; NextAttemptAt is pushed past the grace
// period so that the drainer leaves entries alone while the inline publish
// is still in flight.

func (r *Router) entry(topic, frameType, conversationID, origin string, payload any) (model.OutboxEntry, error) {
	now := r.now()
	f, err := protocol.New(frameType, conversationID, payload, now)
	if err != nil {
		return model.OutboxEntry{}, err
	}
	body, err := protocol.EncodeEnvelope(protocol.Envelope{Frame: f, Origin: origin})
	if err != nil {
		return model.OutboxEntry{}, err
	}
	return model.OutboxEntry{Topic: topic, Body: body, NextAttemptAt: now.Add(r.cfg.OutboxGrace)}, nil
}

func (r *Router) messageEvents(origin string) repository.MessageEvents {
	return func(m model.Message, parts []model.Participant) ([]model.OutboxEntry, error) {
		e, err := r.entry(protocol.ConversationTopic(m.ConversationID), protocol.TypeMessage, m.ConversationID, origin, protocol.FromMessage(m))
		if err != nil {
			return nil, err
		}
		out := []model.OutboxEntry{e}
		for _, p := range parts {
			if p.UserID == m.SenderID {
				continue
			}
			n, err := r.entry(protocol.UserTopic(p.UserID), protocol.TypeNewMessage, m.ConversationID, origin, protocol.NewMessagePayload{
				ConversationID: m.ConversationID,
				MessageID:      m.ID,
				SenderID:       m.SenderID,
				UnreadCount:    p.UnreadCount,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}
}

func (r *Router) editedEvents(origin string) repository.MessageEvents {
	return func(m model.Message, _ []model.Participant) ([]model.OutboxEntry, error) {
		e, err := r.entry(protocol.ConversationTopic(m.ConversationID), protocol.TypeMessageEdited, m.ConversationID, origin, protocol.MessageEditedPayload{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			NewContent:     m.Content,
			EditedAt:       stamp(m.EditedAt),
		})
		if err != nil {
			return nil, err
		}
		return []model.OutboxEntry{e}, nil
	}
}

func (r *Router) deletedEvents(origin string) repository.MessageEvents {
	return func(m model.Message, _ []model.Participant) ([]model.OutboxEntry, error) {
		e, err := r.entry(protocol.ConversationTopic(m.ConversationID), protocol.TypeMessageDeleted, m.ConversationID, origin, protocol.MessageDeletedPayload{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			DeletedAt:      stamp(m.DeletedAt),
		})
		if err != nil {
			return nil, err
		}
		return []model.OutboxEntry{e}, nil
	}
}

func (r *Router) readEvents(origin string) repository.ReadEvents {
	return func(p model.Participant, upTo model.Message, parts []model.Participant) ([]model.OutboxEntry, error) {
		receipt := protocol.ReadReceiptPayload{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			UpToMessageID:  upTo.ID,
			At:             stamp(p.LastReadAt),
		}
		var out []model.OutboxEntry
		for _, peer := range parts {
			if peer.UserID == p.UserID {
				continue
			}
			e, err := r.entry(protocol.UserTopic(peer.UserID), protocol.TypeReadReceipt, p.ConversationID, origin, receipt)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return protocol.Timestamp(*t)
}
