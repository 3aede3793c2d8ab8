package model

import "time"

// Message kinds.  System messages are produced by the server only.
const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindAudio  = "audio"
	KindVideo  = "video"
	KindSystem = "system"
)

// Message mirrors the messages table.  ID is the server identifier, Seq the
// per-conversation sequence assigned at commit.  ConversationID and SenderID
// never change after insert.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Seq            int64
	Kind           string
	Content        string
	ReplyTo        string // empty when not a reply
	ForwardedFrom  string // empty when not forwarded
	Edited         bool
	EditedAt       *time.Time
	Deleted        bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
	Attachments    []Attachment
}

// Attachment kinds accepted by the upload endpoint.  The size limit of each
// kind is configured separately.
const (
	AttachImage    = "image"
	AttachAudio    = "audio"
	AttachVideo    = "video"
	AttachDocument = "document"
)

// Attachment is an uploaded blob.  MessageID is empty until a send binds it;
// once bound it lives and dies with the message.
type Attachment struct {
	ID          string
	OwnerID     string
	MessageID   string
	BlobRef     string
	Kind        string
	ContentType string
	Size        int64
	Width       int
	Height      int
	DurationMS  int64
	Codec       string
	Thumbnail   string
	CreatedAt   time.Time
}
