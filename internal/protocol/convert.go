package protocol

import (
	"time"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

// FromMessage projects a stored message onto its wire form.
func FromMessage(m model.Message) MessagePayload {
	p := MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Kind:           m.Kind,
		Content:        m.Content,
		ReplyTo:        m.ReplyTo,
		ForwardedFrom:  m.ForwardedFrom,
		Attachments:    make([]AttachmentRef, 0, len(m.Attachments)),
		TS:             Timestamp(m.CreatedAt),
	}
	for _, a := range m.Attachments {
		p.Attachments = append(p.Attachments, AttachmentRef{
			ID:          a.ID,
			Kind:        a.Kind,
			ContentType: a.ContentType,
			Size:        a.Size,
			Width:       a.Width,
			Height:      a.Height,
			DurationMS:  a.DurationMS,
			Codec:       a.Codec,
			Thumbnail:   a.Thumbnail,
		})
	}
	return p
}

// ErrorFrame renders err as an error frame.  Internal errors carry only a
// generic message; callers log the cause under the correlation id.
func ErrorFrame(err error, correlationID string, now time.Time) Frame {
	p := ErrorPayload{
		Code:          string(apperr.KindOf(err)),
		Message:       apperr.Message(err),
		CorrelationID: correlationID,
	}
	if d := apperr.RetryAfterOf(err); d > 0 {
		p.RetryAfterMS = d.Milliseconds()
	}
	f, _ := New(TypeError, "", p, now)
	f.CorrelationID = correlationID
	return f
}
