package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

const msgCols = "id, conversation_id, sender_id, seq, kind, content, reply_to, forwarded_from, edited, edited_at, deleted, deleted_at, created_at"

// AppendMessage commits a new message under the conversation's row lock:
// it assigns the next sequence number and a timestamp strictly after the
// previous message, binds attachments, advances last-activity, increments
// the unread counters of every other participant and stages the events
// built by stage.  Either all of it is applied or none of it.
func (s *MySQL) AppendMessage(ctx context.Context, in AppendInput, stage MessageEvents) (model.Message, []model.OutboxEntry, error) {
	var (
		msg model.Message
		out []model.OutboxEntry
	)
	err := s.withTx(ctx, "append message", func(ctx context.Context, tx *sql.Tx) error {
		conv, err := lockConversation(ctx, tx, in.ConversationID)
		if err != nil {
			return err
		}
		if err := checkSender(ctx, tx, conv, in.SenderID); err != nil {
			return err
		}
		if in.ReplyTo != "" {
			target, err := scanMessage(tx.QueryRowContext(ctx,
				"SELECT "+msgCols+" FROM messages WHERE id=?", in.ReplyTo))
			if stderrors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.NotFound, "reply target not found")
			}
			if err != nil {
				return err
			}
			if target.ConversationID != conv.ID {
				return apperr.New(apperr.InvalidArgument, "reply target belongs to another conversation")
			}
			if target.Deleted {
				return apperr.New(apperr.NotFound, "reply target was deleted")
			}
		}
		atts, err := claimAttachments(ctx, tx, in.AttachmentIDs, in.SenderID)
		if err != nil {
			return err
		}

		msg = model.Message{
			ID:             in.ID,
			ConversationID: conv.ID,
			SenderID:       in.SenderID,
			Seq:            conv.LastSeq + 1,
			Kind:           in.Kind,
			Content:        in.Content,
			ReplyTo:        in.ReplyTo,
			ForwardedFrom:  in.ForwardedFrom,
			CreatedAt:      nextTimestamp(s.now(), conv.LastActivity),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, seq, kind, content, reply_to, forwarded_from, created_at)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Seq, msg.Kind, msg.Content,
			nullString(msg.ReplyTo), nullString(msg.ForwardedFrom), msg.CreatedAt); err != nil {
			return err
		}
		for i := range atts {
			if _, err := tx.ExecContext(ctx,
				"UPDATE attachments SET message_id=? WHERE id=?", msg.ID, atts[i].ID); err != nil {
				return err
			}
			atts[i].MessageID = msg.ID
		}
		msg.Attachments = atts

		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET last_seq=?, last_activity=? WHERE id=?",
			msg.Seq, msg.CreatedAt, conv.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE participants SET unread_count = unread_count + 1 WHERE conversation_id=? AND user_id<>?",
			conv.ID, msg.SenderID); err != nil {
			return err
		}
		out, err = s.stageMessage(ctx, tx, stage, msg)
		return err
	})
	if err != nil {
		return model.Message{}, nil, err
	}
	return msg, out, nil
}

// GetMessage returns a message with its attachments, soft-deleted or not.
func (s *MySQL) GetMessage(ctx context.Context, id string) (model.Message, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+msgCols+" FROM messages WHERE id=?", id))
	if err != nil {
		return model.Message{}, classify(err, "get message")
	}
	byMsg, err := loadAttachments(ctx, s.db, []string{m.ID})
	if err != nil {
		return model.Message{}, classify(err, "get message")
	}
	m.Attachments = byMsg[m.ID]
	return m, nil
}

// EditMessage replaces the content of a live message.  Only the sender may
// edit; edited_at strictly advances on every edit.
func (s *MySQL) EditMessage(ctx context.Context, id, editorID, content string, stage MessageEvents) (model.Message, []model.OutboxEntry, error) {
	var (
		msg model.Message
		out []model.OutboxEntry
	)
	err := s.withTx(ctx, "edit message", func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockLiveMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.SenderID != editorID {
			return apperr.New(apperr.Forbidden, "only the sender may edit a message")
		}
		prev := m.CreatedAt
		if m.EditedAt != nil && m.EditedAt.After(prev) {
			prev = *m.EditedAt
		}
		at := nextTimestamp(s.now(), prev)
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET content=?, edited=1, edited_at=? WHERE id=?", content, at, id); err != nil {
			return err
		}
		m.Content, m.Edited, m.EditedAt = content, true, &at
		msg = m
		out, err = s.stageMessage(ctx, tx, stage, msg)
		return err
	})
	if err != nil {
		return model.Message{}, nil, err
	}
	return msg, out, nil
}

// SoftDeleteMessage hides a live message.  The sender, an active group
// owner, admin or moderator of the conversation's group, or a platform
// admin may delete.  Unread counters of participants who had not read the
// message yet are decremented.
func (s *MySQL) SoftDeleteMessage(ctx context.Context, id, deleterID string, stage MessageEvents) (model.Message, []model.OutboxEntry, error) {
	var (
		msg model.Message
		out []model.OutboxEntry
	)
	err := s.withTx(ctx, "delete message", func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockLiveMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkDeleteAuthority(ctx, tx, m, deleterID); err != nil {
			return err
		}
		at := nextTimestamp(s.now(), m.CreatedAt)
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET deleted=1, deleted_at=? WHERE id=?", at, id); err != nil {
			return err
		}
		if err := adjustUnread(ctx, tx, m, -1); err != nil {
			return err
		}
		m.Deleted, m.DeletedAt = true, &at
		msg = m
		out, err = s.stageMessage(ctx, tx, stage, msg)
		return err
	})
	if err != nil {
		return model.Message{}, nil, err
	}
	return msg, out, nil
}

// RestoreMessage reverses a soft delete.
func (s *MySQL) RestoreMessage(ctx context.Context, id string) (model.Message, error) {
	var msg model.Message
	err := s.withTx(ctx, "restore message", func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if !m.Deleted {
			return apperr.New(apperr.Conflict, "message is not deleted")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET deleted=0, deleted_at=NULL WHERE id=?", id); err != nil {
			return err
		}
		if err := adjustUnread(ctx, tx, m, +1); err != nil {
			return err
		}
		m.Deleted, m.DeletedAt = false, nil
		msg = m
		return nil
	})
	return msg, err
}

// HardDeleteMessage removes a message and its attachments permanently.
func (s *MySQL) HardDeleteMessage(ctx context.Context, id string) error {
	return s.withTx(ctx, "hard delete message", func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if !m.Deleted {
			if err := adjustUnread(ctx, tx, m, -1); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_id=?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE id=?", id)
		return err
	})
}

// MarkRead advances the read cursor of userID to upToMessageID.  A target
// at or behind the current cursor leaves it untouched and stages nothing.
// Otherwise last_read_at becomes the target's timestamp and unread_count is
// recomputed as the number of later live messages from other senders.
func (s *MySQL) MarkRead(ctx context.Context, conversationID, userID, upToMessageID string, stage ReadEvents) (model.Participant, []model.OutboxEntry, error) {
	var (
		part model.Participant
		out  []model.OutboxEntry
	)
	err := s.withTx(ctx, "mark read", func(ctx context.Context, tx *sql.Tx) error {
		out = nil
		var deleted bool
		err := tx.QueryRowContext(ctx, "SELECT deleted FROM conversations WHERE id=?", conversationID).Scan(&deleted)
		if stderrors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
			return apperr.New(apperr.NotFound, "conversation not found")
		}
		if err != nil {
			return err
		}
		p, err := scanParticipant(tx.QueryRowContext(ctx,
			"SELECT "+partCols+" FROM participants WHERE conversation_id=? AND user_id=? FOR UPDATE",
			conversationID, userID))
		if stderrors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.Forbidden, "not a participant")
		}
		if err != nil {
			return err
		}
		target, err := scanMessage(tx.QueryRowContext(ctx,
			"SELECT "+msgCols+" FROM messages WHERE id=?", upToMessageID))
		if stderrors.Is(err, sql.ErrNoRows) || (err == nil && target.ConversationID != conversationID) {
			return apperr.New(apperr.NotFound, "message not found")
		}
		if err != nil {
			return err
		}
		if target.Seq <= p.LastReadSeq {
			part = p
			return nil
		}

		var unread int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE conversation_id=? AND seq>? AND deleted=0 AND sender_id<>?",
			conversationID, target.Seq, userID).Scan(&unread); err != nil {
			return err
		}
		at := target.CreatedAt
		if _, err := tx.ExecContext(ctx,
			"UPDATE participants SET last_read_seq=?, last_read_at=?, unread_count=? WHERE conversation_id=? AND user_id=?",
			target.Seq, at, unread, conversationID, userID); err != nil {
			return err
		}
		p.LastReadSeq, p.LastReadAt, p.UnreadCount = target.Seq, &at, unread
		part = p
		if stage == nil {
			return nil
		}
		parts, err := listParticipants(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		entries, err := stage(p, target, parts)
		if err != nil {
			return err
		}
		out, err = s.insertOutbox(ctx, tx, entries)
		return err
	})
	if err != nil {
		return model.Participant{}, nil, err
	}
	return part, out, nil
}

// ListHistory returns a page of live messages in commit order.
func (s *MySQL) ListHistory(ctx context.Context, q HistoryQuery) ([]model.Message, error) {
	q = q.Normalize()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var anchorSeq int64
	if q.Anchor != "" {
		var convID string
		err := s.db.QueryRowContext(ctx,
			"SELECT conversation_id, seq FROM messages WHERE id=?", q.Anchor).Scan(&convID, &anchorSeq)
		if stderrors.Is(err, sql.ErrNoRows) || (err == nil && convID != q.ConversationID) {
			return nil, apperr.New(apperr.NotFound, "anchor message not found")
		}
		if err != nil {
			return nil, classify(err, "list history")
		}
	}

	var (
		query string
		args  []any
	)
	switch {
	case q.Direction == After:
		query = "SELECT " + msgCols + " FROM messages WHERE conversation_id=? AND deleted=0 AND seq>? ORDER BY seq ASC LIMIT ?"
		args = []any{q.ConversationID, anchorSeq, q.Limit}
	case q.Anchor == "":
		query = "SELECT " + msgCols + " FROM messages WHERE conversation_id=? AND deleted=0 ORDER BY seq DESC LIMIT ?"
		args = []any{q.ConversationID, q.Limit}
	default:
		query = "SELECT " + msgCols + " FROM messages WHERE conversation_id=? AND deleted=0 AND seq<? ORDER BY seq DESC LIMIT ?"
		args = []any{q.ConversationID, anchorSeq, q.Limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list history")
	}
	defer rows.Close()
	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err, "list history")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list history")
	}
	if q.Direction == Before {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	idList := make([]string, len(msgs))
	for i, m := range msgs {
		idList[i] = m.ID
	}
	byMsg, err := loadAttachments(ctx, s.db, idList)
	if err != nil {
		return nil, classify(err, "list history")
	}
	for i := range msgs {
		msgs[i].Attachments = byMsg[msgs[i].ID]
	}
	return msgs, nil
}

func lockConversation(ctx context.Context, tx *sql.Tx, id string) (model.Conversation, error) {
	c, err := scanConversation(tx.QueryRowContext(ctx,
		"SELECT "+convCols+" FROM conversations WHERE id=? FOR UPDATE", id))
	if stderrors.Is(err, sql.ErrNoRows) || (err == nil && c.Deleted) {
		return model.Conversation{}, apperr.New(apperr.NotFound, "conversation not found")
	}
	return c, err
}

// checkSender requires sender to be a participant and, for groups, an
// active member.
func checkSender(ctx context.Context, tx *sql.Tx, conv model.Conversation, senderID string) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE conversation_id=? AND user_id=?",
		conv.ID, senderID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.Forbidden, "not a participant")
	}
	if conv.Kind != model.ConversationGroup {
		return nil
	}
	var status string
	err := tx.QueryRowContext(ctx,
		"SELECT status FROM group_members WHERE group_id=? AND user_id=?", conv.GroupID, senderID).Scan(&status)
	if stderrors.Is(err, sql.ErrNoRows) || (err == nil && status != model.MemberActive) {
		return apperr.New(apperr.Forbidden, "not an active group member")
	}
	return err
}

func checkDeleteAuthority(ctx context.Context, tx *sql.Tx, m model.Message, deleterID string) error {
	if m.SenderID == deleterID {
		return nil
	}
	var role string
	err := tx.QueryRowContext(ctx, "SELECT role FROM users WHERE id=?", deleterID).Scan(&role)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return err
	}
	if role == model.RoleAdmin {
		return nil
	}
	var groupID sql.NullString
	if err := tx.QueryRowContext(ctx,
		"SELECT group_id FROM conversations WHERE id=?", m.ConversationID).Scan(&groupID); err != nil {
		return err
	}
	if groupID.Valid {
		var gm model.GroupMember
		err := tx.QueryRowContext(ctx,
			"SELECT role, status FROM group_members WHERE group_id=? AND user_id=?",
			groupID.String, deleterID).Scan(&gm.Role, &gm.Status)
		if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			return err
		}
		if gm.CanModerate() {
			return nil
		}
	}
	return apperr.New(apperr.Forbidden, "not allowed to delete this message")
}

// adjustUnread moves the unread counters of participants who have not read
// m past their cursor.  The sender's own counter never includes m.
func adjustUnread(ctx context.Context, tx *sql.Tx, m model.Message, delta int) error {
	q := "UPDATE participants SET unread_count = unread_count + 1 WHERE conversation_id=? AND user_id<>? AND last_read_seq<?"
	if delta < 0 {
		q = "UPDATE participants SET unread_count = IF(unread_count > 0, unread_count - 1, 0) WHERE conversation_id=? AND user_id<>? AND last_read_seq<?"
	}
	_, err := tx.ExecContext(ctx, q, m.ConversationID, m.SenderID, m.Seq)
	return err
}

func lockMessage(ctx context.Context, tx *sql.Tx, id string) (model.Message, error) {
	m, err := scanMessage(tx.QueryRowContext(ctx, "SELECT "+msgCols+" FROM messages WHERE id=? FOR UPDATE", id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return model.Message{}, apperr.New(apperr.NotFound, "message not found")
	}
	return m, err
}

// lockLiveMessage locks a message that is not soft-deleted and whose
// conversation is live.
func lockLiveMessage(ctx context.Context, tx *sql.Tx, id string) (model.Message, error) {
	m, err := lockMessage(ctx, tx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.Deleted {
		return model.Message{}, apperr.New(apperr.NotFound, "message was deleted")
	}
	var convDeleted bool
	if err := tx.QueryRowContext(ctx,
		"SELECT deleted FROM conversations WHERE id=?", m.ConversationID).Scan(&convDeleted); err != nil {
		return model.Message{}, err
	}
	if convDeleted {
		return model.Message{}, apperr.New(apperr.NotFound, "conversation not found")
	}
	return m, nil
}

func (s *MySQL) stageMessage(ctx context.Context, tx *sql.Tx, stage MessageEvents, m model.Message) ([]model.OutboxEntry, error) {
	if stage == nil {
		return nil, nil
	}
	parts, err := listParticipants(ctx, tx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	entries, err := stage(m, parts)
	if err != nil {
		return nil, err
	}
	return s.insertOutbox(ctx, tx, entries)
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m             model.Message
		replyTo       sql.NullString
		forwardedFrom sql.NullString
		editedAt      sql.NullTime
		deletedAt     sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Seq, &m.Kind, &m.Content,
		&replyTo, &forwardedFrom, &m.Edited, &editedAt, &m.Deleted, &deletedAt, &m.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}
	m.ReplyTo = replyTo.String
	m.ForwardedFrom = forwardedFrom.String
	m.EditedAt = nullTimePtr(editedAt)
	m.DeletedAt = nullTimePtr(deletedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
