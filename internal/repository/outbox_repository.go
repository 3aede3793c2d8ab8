package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/realtime-chat/internal/model"
)

// insertOutbox stages entries inside tx and returns them with ids set.
// Entries without a schedule are due immediately.
func (s *MySQL) insertOutbox(ctx context.Context, tx *sql.Tx, entries []model.OutboxEntry) ([]model.OutboxEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	now := s.now()
	out := make([]model.OutboxEntry, len(entries))
	for i, e := range entries {
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = now
		}
		e.CreatedAt = now
		res, err := tx.ExecContext(ctx,
			"INSERT INTO outbox (topic, body, attempts, next_attempt_at, created_at) VALUES (?,?,0,?,?)",
			e.Topic, e.Body, e.NextAttemptAt, now)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		e.ID = id
		out[i] = e
	}
	return out, nil
}

const outboxCols = "id, topic, body, attempts, next_attempt_at, created_at"

// PendingOutbox returns up to limit entries due at now, oldest first.
func (s *MySQL) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return queryOutbox(ctx, s.db, "pending outbox",
		"SELECT "+outboxCols+" FROM outbox WHERE next_attempt_at<=? ORDER BY id LIMIT ?",
		now.UTC(), limit)
}

// OutboxBacklog returns up to limit entries of topic committed before
// beforeID, oldest first, whatever their schedule.
func (s *MySQL) OutboxBacklog(ctx context.Context, topic string, beforeID int64, limit int) ([]model.OutboxEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return queryOutbox(ctx, s.db, "outbox backlog",
		"SELECT "+outboxCols+" FROM outbox WHERE topic=? AND id<? ORDER BY id LIMIT ?",
		topic, beforeID, limit)
}

func queryOutbox(ctx context.Context, q rowsQueryer, op, query string, args ...any) ([]model.OutboxEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, op)
	}
	defer rows.Close()
	var out []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Body, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, classify(err, op)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), op)
}

// DeleteOutbox removes published entries.
func (s *MySQL) DeleteOutbox(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE id IN ("+placeholders(len(ids))+")", args...)
	return classify(err, "delete outbox")
}

// RescheduleOutbox records a failed publish attempt.
func (s *MySQL) RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET attempts=?, next_attempt_at=? WHERE id=?", attempts, next.UTC(), id)
	return classify(err, "reschedule outbox")
}
