package protocol

// Inbound payloads.

type AuthPayload struct {
	Token string `json:"token"`
}

type SendPayload struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Kind           string   `json:"kind"`
	ReplyTo        string   `json:"reply_to,omitempty"`
	AttachmentIDs  []string `json:"attachment_ids,omitempty"`
}

type EditPayload struct {
	ID         string `json:"id"`
	NewContent string `json:"new_content"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

type ForwardPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UpToMessageID  string `json:"up_to_message_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// Outbound payloads.

type WelcomePayload struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	ServerTime string `json:"server_time"`
}

type AttachmentRef struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Codec       string `json:"codec,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

type MessagePayload struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Seq            int64           `json:"seq"`
	Kind           string          `json:"kind"`
	Content        string          `json:"content"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	ForwardedFrom  string          `json:"forwarded_from,omitempty"`
	Attachments    []AttachmentRef `json:"attachments"`
	TS             string          `json:"ts"`
}

type MessageEditedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	NewContent     string `json:"new_content"`
	EditedAt       string `json:"edited_at"`
}

type MessageDeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	DeletedAt      string `json:"deleted_at"`
}

type ReadReceiptPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UpToMessageID  string `json:"up_to_message_id"`
	At             string `json:"at"`
}

// PresencePayload is both the inbound status change and the outbound
// transition.
type PresencePayload struct {
	UserID   string `json:"user_id,omitempty"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
}

type PongPayload struct {
	ServerTime string `json:"server_time"`
}

type AckPayload struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	Op             string `json:"op"`
	ID             string `json:"id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TS             string `json:"ts,omitempty"`
}

type NewMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	UnreadCount    int    `json:"unread_count"`
}

type ForceLogoutPayload struct {
	Reason       string `json:"reason"`
	TokenVersion int64  `json:"token_version"`
}

type AnnouncementPayload struct {
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

type ConversationCreatedPayload struct {
	ConversationID string   `json:"conversation_id"`
	Kind           string   `json:"kind"`
	Participants   []string `json:"participants"`
}
