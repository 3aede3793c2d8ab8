package model

import "time"

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is a scope in which messages are ordered.  LastSeq is the
// sequence number of the most recently appended message; LastActivity its
// server timestamp.  A direct conversation carries DirectKey, the
// canonicalized unordered user pair, while it is not deleted.
type Conversation struct {
	ID           string
	Kind         string
	GroupID      string // empty for direct conversations
	DirectKey    string // empty for group or deleted conversations
	LastSeq      int64
	CreatedAt    time.Time
	LastActivity time.Time
	Deleted      bool
	DeletedAt    *time.Time
}

// Participant is the per-user cursor in a conversation.
type Participant struct {
	ConversationID string
	UserID         string
	JoinedAt       time.Time
	LastReadAt     *time.Time
	LastReadSeq    int64
	UnreadCount    int
}

// DirectKey returns the canonical key of the unordered pair (a, b).
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
