// Package protocol defines the JSON frames exchanged over the websocket and
// the envelope that carries them across the event bus.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
)

// Inbound frame types.
const (
	TypeAuth        = "auth"
	TypePing        = "ping"
	TypeSend        = "send"
	TypeEdit        = "edit"
	TypeDelete      = "delete"
	TypeForward     = "forward"
	TypeRead        = "read"
	TypeTyping      = "typing"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePresence    = "presence"
)

// Outbound frame types.
const (
	TypeWelcome             = "welcome"
	TypeMessage             = "message"
	TypeMessageEdited       = "message_edited"
	TypeMessageDeleted      = "message_deleted"
	TypeReadReceipt         = "read_receipt"
	TypeError               = "error"
	TypePong                = "pong"
	TypeAck                 = "ack"
	TypeNewMessage          = "new_message"
	TypeForceLogout         = "force_logout"
	TypeAnnouncement        = "announcement"
	TypeConversationCreated = "conversation_created"
	// TypeTyping and TypePresence are also used outbound.
)

// Frame is one websocket text message.  Server frames carry TS and, when
// conversation scoped, ConversationID.  Clients may set CorrelationID; it is
// echoed on the ack or error that answers the frame.
type Frame struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TS             string          `json:"ts,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// Envelope is what travels on the event bus.  Origin is the session that
// caused the event, if any, so that it can skip its own echo.
type Envelope struct {
	Frame  Frame  `json:"frame"`
	Origin string `json:"origin,omitempty"`
}

// Timestamp formats t the way every frame does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// New builds a server frame stamped with now.
func New(typ, conversationID string, payload any, now time.Time) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, apperr.Wrap(apperr.Internal, err, "encode payload")
	}
	return Frame{Type: typ, Payload: raw, TS: Timestamp(now), ConversationID: conversationID}, nil
}

// Decode parses an inbound frame.  Malformed JSON and a missing type are
// InvalidArgument.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, apperr.Wrap(apperr.InvalidArgument, err, "malformed frame")
	}
	if f.Type == "" {
		return Frame{}, apperr.New(apperr.InvalidArgument, "frame type is required")
	}
	return f, nil
}

// DecodePayload unmarshals the payload of f into T.
func DecodePayload[T any](f Frame) (T, error) {
	var v T
	if len(f.Payload) == 0 {
		return v, apperr.New(apperr.InvalidArgument, "payload is required")
	}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, apperr.Wrap(apperr.InvalidArgument, err, "malformed "+f.Type+" payload")
	}
	return v, nil
}

// EncodeEnvelope marshals an envelope for the bus.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode envelope")
	}
	return b, nil
}

// DecodeEnvelope parses a bus message.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, apperr.Wrap(apperr.InvalidArgument, err, "malformed envelope")
	}
	return env, nil
}

// ValidConversationID accepts only the canonical lower-case hyphenated
// UUID form.  The 32-character form without hyphens is rejected.
func ValidConversationID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// Topic names.
const (
	TopicPresence = "presence"
	TopicAdmin    = "admin"
)

func ConversationTopic(id string) string { return "conv:" + id }

// TopicConversation returns the conversation id of a conversation topic.
func TopicConversation(topic string) (string, bool) {
	return strings.CutPrefix(topic, "conv:")
}

func UserTopic(id string) string { return "user:" + id }
