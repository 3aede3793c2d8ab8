package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/model"
)

// UserStore covers accounts, blocking and durable last-seen.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	IncrementTokenVersion(ctx context.Context, id string) (int64, error)
	ChangePassword(ctx context.Context, id, passwordHash string) (int64, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	BlockUser(ctx context.Context, blocker, blocked string) error
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// TokenStore persists refresh token hashes.
type TokenStore interface {
	StoreRefresh(ctx context.Context, userID, tokenHash string, tokenVersion int64, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (string, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// ConversationStore covers conversations and their participants.
type ConversationStore interface {
	CreateDirectConversation(ctx context.Context, a, b string) (model.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	GetParticipant(ctx context.Context, conversationID, userID string) (model.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	ListContacts(ctx context.Context, userID string) ([]string, error)
}

// GroupStore covers groups and their membership lifecycle.
type GroupStore interface {
	CreateGroup(ctx context.Context, in NewGroup) (model.Group, error)
	GetGroupMember(ctx context.Context, groupID, userID string) (model.GroupMember, error)
	SetMemberStatus(ctx context.Context, groupID, userID, status string) error
}

// MessageStore covers the message state machine and read cursors.  Every
// mutation accepts a stage callback whose outbox entries are committed in
// the same transaction as the mutation itself.
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendInput, stage MessageEvents) (model.Message, []model.OutboxEntry, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	EditMessage(ctx context.Context, id, editorID, content string, stage MessageEvents) (model.Message, []model.OutboxEntry, error)
	SoftDeleteMessage(ctx context.Context, id, deleterID string, stage MessageEvents) (model.Message, []model.OutboxEntry, error)
	RestoreMessage(ctx context.Context, id string) (model.Message, error)
	HardDeleteMessage(ctx context.Context, id string) error
	MarkRead(ctx context.Context, conversationID, userID, upToMessageID string, stage ReadEvents) (model.Participant, []model.OutboxEntry, error)
	ListHistory(ctx context.Context, q HistoryQuery) ([]model.Message, error)
}

// AttachmentStore records uploaded blobs before a send binds them.
type AttachmentStore interface {
	CreateAttachment(ctx context.Context, a *model.Attachment) error
	GetAttachment(ctx context.Context, id string) (model.Attachment, error)
}

// OutboxStore is read by the outbox drainer and by the router, which
// replays a topic's backlog before publishing newer events on it.
type OutboxStore interface {
	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error)
	OutboxBacklog(ctx context.Context, topic string, beforeID int64, limit int) ([]model.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, ids ...int64) error
	RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error
}

// Store is the complete message store.
type Store interface {
	UserStore
	TokenStore
	ConversationStore
	GroupStore
	MessageStore
	AttachmentStore
	OutboxStore
}

// MessageEvents builds the outbox entries of a message mutation.  parts are
// the conversation's participants after the mutation was applied.
type MessageEvents func(m model.Message, parts []model.Participant) ([]model.OutboxEntry, error)

// ReadEvents builds the outbox entries of an advanced read cursor.
type ReadEvents func(p model.Participant, upTo model.Message, parts []model.Participant) ([]model.OutboxEntry, error)

// AppendInput describes a message to append.  ID is assigned by the caller.
type AppendInput struct {
	ID             string
	ConversationID string
	SenderID       string
	Kind           string
	Content        string
	ReplyTo        string
	ForwardedFrom  string
	AttachmentIDs  []string
}

// NewGroup describes a group to create.  The owner is added as an active
// member with the owner role; MemberIDs join as plain members.
type NewGroup struct {
	Name      string
	Kind      string
	OwnerID   string
	MemberIDs []string
}

// History directions.
const (
	Before = "before"
	After  = "after"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryQuery selects a page of non-deleted messages around an anchor
// message.  An empty anchor means the newest page for Before and the oldest
// page for After.  Results are always in commit order.
type HistoryQuery struct {
	ConversationID string
	Anchor         string
	Direction      string
	Limit          int
}

// Normalize applies defaults and bounds.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Direction != After {
		q.Direction = Before
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	return q
}

// Options tune the MySQL store.
type Options struct {
	Timeout     time.Duration // soft deadline of one store operation
	MaxAttempts int           // transaction attempts on transient errors
	Logger      *zap.Logger
}

// MySQL implements Store over a *sql.DB.
type MySQL struct {
	db       *sql.DB
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewMySQL returns a store bound to db.
func NewMySQL(db *sql.DB, opts Options) *MySQL {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MySQL{
		db:       db,
		timeout:  opts.Timeout,
		attempts: opts.MaxAttempts,
		backoff:  50 * time.Millisecond,
		log:      opts.Logger.With(zap.String("component", "store")),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// DB exposes the underlying pool (health checks).
func (s *MySQL) DB() *sql.DB { return s.db }

func (s *MySQL) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// withTx runs fn in a transaction, retrying transient failures with
// exponential backoff.  fn must be safe to run more than once.
func (s *MySQL) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	delay := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isTransient(err) {
			break
		}
		if attempt == s.attempts {
			break
		}
		s.log.Warn("transient store error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return classify(ctx.Err(), op)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return classify(err, op)
}

func (s *MySQL) runTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// nextTimestamp returns a timestamp strictly after prev and no earlier than
// the wall clock.
func nextTimestamp(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

var _ Store = (*MySQL)(nil)
