package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

const attCols = "id, owner_id, message_id, blob_ref, kind, content_type, size_bytes, width, height, duration_ms, codec, thumbnail, created_at"

// CreateAttachment records an unbound upload.
func (s *MySQL) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.MessageID = ""
	a.CreatedAt = s.now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, owner_id, blob_ref, kind, content_type, size_bytes, width, height, duration_ms, codec, thumbnail, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.BlobRef, a.Kind, a.ContentType, a.Size,
		nullInt(int64(a.Width)), nullInt(int64(a.Height)), nullInt(a.DurationMS),
		nullString(a.Codec), nullString(a.Thumbnail), a.CreatedAt)
	return classify(err, "create attachment")
}

// GetAttachment fetches one attachment.
func (s *MySQL) GetAttachment(ctx context.Context, id string) (model.Attachment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	a, err := scanAttachment(s.db.QueryRowContext(ctx, "SELECT "+attCols+" FROM attachments WHERE id=?", id))
	if err != nil {
		return model.Attachment{}, classify(err, "get attachment")
	}
	return a, nil
}

// claimAttachments locks the given unbound attachments of owner.  Unknown
// ids yield NotFound, ids bound to a message Conflict, and ids uploaded by
// someone else Forbidden.
func claimAttachments(ctx context.Context, tx *sql.Tx, ids []string, owner string) ([]model.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]model.Attachment, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, apperr.New(apperr.InvalidArgument, "duplicate attachment id")
		}
		seen[id] = true
		a, err := scanAttachment(tx.QueryRowContext(ctx,
			"SELECT "+attCols+" FROM attachments WHERE id=? FOR UPDATE", id))
		if err == sql.ErrNoRows {
			return nil, apperr.Newf(apperr.NotFound, "attachment %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		if a.OwnerID != owner {
			return nil, apperr.Newf(apperr.Forbidden, "attachment %s belongs to another user", id)
		}
		if a.MessageID != "" {
			return nil, apperr.Newf(apperr.Conflict, "attachment %s is already bound", id)
		}
		out = append(out, a)
	}
	return out, nil
}

// loadAttachments groups the attachments of the given messages by message.
func loadAttachments(ctx context.Context, q rowsQueryer, messageIDs []string) (map[string][]model.Attachment, error) {
	out := make(map[string][]model.Attachment)
	if len(messageIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		"SELECT "+attCols+" FROM attachments WHERE message_id IN ("+placeholders(len(messageIDs))+") ORDER BY created_at, id",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

func scanAttachment(row rowScanner) (model.Attachment, error) {
	var (
		a                         model.Attachment
		messageID, codec, thumb   sql.NullString
		width, height, durationMS sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.OwnerID, &messageID, &a.BlobRef, &a.Kind, &a.ContentType, &a.Size,
		&width, &height, &durationMS, &codec, &thumb, &a.CreatedAt)
	if err != nil {
		return model.Attachment{}, err
	}
	a.MessageID = messageID.String
	a.Width = int(width.Int64)
	a.Height = int(height.Int64)
	a.DurationMS = durationMS.Int64
	a.Codec = codec.String
	a.Thumbnail = thumb.String
	return a, nil
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
