package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

const convCols = "id, kind, group_id, direct_key, last_seq, created_at, last_activity, deleted, deleted_at"

const partCols = "conversation_id, user_id, joined_at, last_read_at, last_read_seq, unread_count"

// CreateDirectConversation returns the non-deleted direct conversation of
// the unordered pair (a, b), creating it when absent.  The boolean reports
// whether a new conversation was created.  A block in either direction
// yields Conflict.
func (s *MySQL) CreateDirectConversation(ctx context.Context, a, b string) (model.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return model.Conversation{}, false, apperr.New(apperr.InvalidArgument, "a direct conversation needs two distinct users")
	}
	key := model.DirectKey(a, b)
	var (
		conv    model.Conversation
		created bool
	)
	err := s.withTx(ctx, "create direct conversation", func(ctx context.Context, tx *sql.Tx) error {
		created = false
		blocked, err := isBlocked(ctx, tx, a, b)
		if err != nil {
			return err
		}
		if blocked {
			return apperr.New(apperr.Conflict, "conversation blocked")
		}
		for _, id := range []string{a, b} {
			var status string
			err := tx.QueryRowContext(ctx, "SELECT status FROM users WHERE id=?", id).Scan(&status)
			if stderrors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.NotFound, "user not found")
			}
			if err != nil {
				return err
			}
		}

		conv, err = scanConversation(tx.QueryRowContext(ctx,
			"SELECT "+convCols+" FROM conversations WHERE direct_key=? FOR UPDATE", key))
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := s.now()
		conv = model.Conversation{
			ID:           uuid.NewString(),
			Kind:         model.ConversationDirect,
			DirectKey:    key,
			CreatedAt:    now,
			LastActivity: now,
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, kind, direct_key, last_seq, created_at, last_activity) VALUES (?,?,?,0,?,?)",
			conv.ID, conv.Kind, key, now, now); err != nil {
			if isDuplicate(err) {
				// a concurrent creator won; retry picks its row up
				return &mysqlRetry{err}
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?,?,?),(?,?,?)",
			conv.ID, a, now, conv.ID, b, now); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return model.Conversation{}, false, err
	}
	return conv, created, nil
}

// GetConversation fetches a conversation, soft-deleted ones included.
func (s *MySQL) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+convCols+" FROM conversations WHERE id=?", id))
	if err != nil {
		return model.Conversation{}, classify(err, "get conversation")
	}
	return c, nil
}

// DeleteConversation soft-deletes a conversation.  The direct pair key is
// released so that the pair may start a new conversation later.
func (s *MySQL) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete conversation", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET deleted=1, deleted_at=?, direct_key=NULL WHERE id=? AND deleted=0",
			s.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.NotFound, "conversation not found")
		}
		return nil
	})
}

// GetParticipant returns the cursor of userID in a conversation.
func (s *MySQL) GetParticipant(ctx context.Context, conversationID, userID string) (model.Participant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	p, err := scanParticipant(s.db.QueryRowContext(ctx,
		"SELECT "+partCols+" FROM participants WHERE conversation_id=? AND user_id=?", conversationID, userID))
	if err != nil {
		return model.Participant{}, classify(err, "get participant")
	}
	return p, nil
}

// IsParticipant reports whether userID may read a conversation.  Deleted
// conversations have no participants.
func (s *MySQL) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants p JOIN conversations c ON c.id = p.conversation_id
		  WHERE p.conversation_id=? AND p.user_id=? AND c.deleted=0`,
		conversationID, userID).Scan(&n)
	if err != nil {
		return false, classify(err, "is participant")
	}
	return n > 0, nil
}

// ListParticipants returns every participant of a conversation.
func (s *MySQL) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	parts, err := listParticipants(ctx, s.db, conversationID)
	return parts, classify(err, "list participants")
}

// ListContacts returns the users sharing at least one live conversation
// with userID.
func (s *MySQL) ListContacts(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT o.user_id
		   FROM participants me
		   JOIN participants o ON o.conversation_id = me.conversation_id AND o.user_id <> me.user_id
		   JOIN conversations c ON c.id = me.conversation_id AND c.deleted = 0
		  WHERE me.user_id=?`, userID)
	if err != nil {
		return nil, classify(err, "list contacts")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "list contacts")
		}
		out = append(out, id)
	}
	return out, classify(rows.Err(), "list contacts")
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listParticipants(ctx context.Context, q rowsQueryer, conversationID string) ([]model.Participant, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+partCols+" FROM participants WHERE conversation_id=? ORDER BY joined_at, user_id", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanConversation(row rowScanner) (model.Conversation, error) {
	var (
		c         model.Conversation
		groupID   sql.NullString
		directKey sql.NullString
		deletedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Kind, &groupID, &directKey, &c.LastSeq,
		&c.CreatedAt, &c.LastActivity, &c.Deleted, &deletedAt)
	if err != nil {
		return model.Conversation{}, err
	}
	c.GroupID = groupID.String
	c.DirectKey = directKey.String
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		c.DeletedAt = &t
	}
	return c, nil
}

func scanParticipant(row rowScanner) (model.Participant, error) {
	var (
		p        model.Participant
		lastRead sql.NullTime
	)
	err := row.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &lastRead, &p.LastReadSeq, &p.UnreadCount)
	if err != nil {
		return model.Participant{}, err
	}
	if lastRead.Valid {
		t := lastRead.Time.UTC()
		p.LastReadAt = &t
	}
	return p, nil
}
