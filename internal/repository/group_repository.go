package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

// CreateGroup inserts a group, its members and its conversation.  The owner
// joins with the owner role; every other member as a plain member.
func (s *MySQL) CreateGroup(ctx context.Context, in NewGroup) (model.Group, error) {
	if in.Name == "" || in.OwnerID == "" {
		return model.Group{}, apperr.New(apperr.InvalidArgument, "group needs a name and an owner")
	}
	if in.Kind == "" {
		in.Kind = model.GroupPrivate
	}
	var g model.Group
	err := s.withTx(ctx, "create group", func(ctx context.Context, tx *sql.Tx) error {
		now := s.now()
		g = model.Group{
			ID:             uuid.NewString(),
			Name:           in.Name,
			Kind:           in.Kind,
			OwnerID:        in.OwnerID,
			ConversationID: uuid.NewString(),
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat_groups (id, name, kind, owner_id, created_at) VALUES (?,?,?,?,?)",
			g.ID, g.Name, g.Kind, g.OwnerID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, kind, group_id, last_seq, created_at, last_activity) VALUES (?,?,?,0,?,?)",
			g.ConversationID, model.ConversationGroup, g.ID, now, now); err != nil {
			return err
		}
		members := append([]string{in.OwnerID}, in.MemberIDs...)
		seen := make(map[string]bool, len(members))
		for i, uid := range members {
			if seen[uid] {
				continue
			}
			seen[uid] = true
			role := model.MemberMember
			if i == 0 {
				role = model.MemberOwner
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO group_members (group_id, user_id, role, status, joined_at) VALUES (?,?,?,?,?)",
				g.ID, uid, role, model.MemberActive, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?,?,?)",
				g.ConversationID, uid, now); err != nil {
				return err
			}
		}
		return nil
	})
	return g, err
}

// GetGroupMember returns the membership row of userID.
func (s *MySQL) GetGroupMember(ctx context.Context, groupID, userID string) (model.GroupMember, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var m model.GroupMember
	err := s.db.QueryRowContext(ctx,
		"SELECT group_id, user_id, role, status, joined_at FROM group_members WHERE group_id=? AND user_id=?",
		groupID, userID).Scan(&m.GroupID, &m.UserID, &m.Role, &m.Status, &m.JoinedAt)
	if err != nil {
		return model.GroupMember{}, classify(err, "get group member")
	}
	return m, nil
}

// SetMemberStatus moves a member through its lifecycle.  Leaving members
// lose their participant cursor; returning members get a fresh one that
// starts after the latest message.  The owner cannot leave the group this
// way.
func (s *MySQL) SetMemberStatus(ctx context.Context, groupID, userID, status string) error {
	switch status {
	case model.MemberActive, model.MemberLeft, model.MemberKicked, model.MemberBanned:
	default:
		return apperr.Newf(apperr.InvalidArgument, "unknown member status %q", status)
	}
	return s.withTx(ctx, "set member status", func(ctx context.Context, tx *sql.Tx) error {
		var role, current string
		err := tx.QueryRowContext(ctx,
			"SELECT role, status FROM group_members WHERE group_id=? AND user_id=? FOR UPDATE",
			groupID, userID).Scan(&role, &current)
		if err != nil {
			return err
		}
		if role == model.MemberOwner && status != model.MemberActive {
			return apperr.New(apperr.Conflict, "the owner cannot leave the group")
		}
		if current == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE group_members SET status=? WHERE group_id=? AND user_id=?", status, groupID, userID); err != nil {
			return err
		}
		var convID string
		var lastSeq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id, last_seq FROM conversations WHERE group_id=? FOR UPDATE", groupID).Scan(&convID, &lastSeq); err != nil {
			return err
		}
		if status == model.MemberActive {
			_, err = tx.ExecContext(ctx,
				"INSERT IGNORE INTO participants (conversation_id, user_id, joined_at, last_read_seq) VALUES (?,?,?,?)",
				convID, userID, s.now(), lastSeq)
			return err
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM participants WHERE conversation_id=? AND user_id=?", convID, userID)
		return err
	})
}
