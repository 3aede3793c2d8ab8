package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

const userCols = "id, username, password_hash, role, status, token_version, last_seen_at, created_at, updated_at"

// CreateUser inserts u, assigning an id when empty.  Usernames are trimmed
// and lower-cased; a duplicate yields Conflict.
func (s *MySQL) CreateUser(ctx context.Context, u *model.User) error {
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.Status == "" {
		u.Status = model.UserActive
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, status, token_version, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?)",
		u.ID, u.Username, u.PasswordHash, u.Role, u.Status, u.TokenVersion, now, now)
	if err != nil {
		if isDuplicate(err) {
			return apperr.New(apperr.Conflict, "username already exists")
		}
		return classify(err, "create user")
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

// GetUser fetches a user by id.
func (s *MySQL) GetUser(ctx context.Context, id string) (model.User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	u, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userCols+" FROM users WHERE id=? LIMIT 1", id))
	return u, classify(err, "get user")
}

// GetUserByUsername fetches a user by normalized username.
func (s *MySQL) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	username = strings.ToLower(strings.TrimSpace(username))
	u, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userCols+" FROM users WHERE username=? LIMIT 1", username))
	return u, classify(err, "get user by username")
}

// IncrementTokenVersion bumps token_version and returns the new value.
// Every access and refresh credential issued before the call stops working.
func (s *MySQL) IncrementTokenVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := s.withTx(ctx, "increment token version", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE users SET token_version = token_version + 1 WHERE id=?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return tx.QueryRowContext(ctx, "SELECT token_version FROM users WHERE id=?", id).Scan(&v)
	})
	return v, err
}

// ChangePassword stores a new password hash and bumps token_version in the
// same transaction, returning the new version.
func (s *MySQL) ChangePassword(ctx context.Context, id, passwordHash string) (int64, error) {
	var v int64
	err := s.withTx(ctx, "change password", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET password_hash=?, token_version = token_version + 1, updated_at=? WHERE id=?",
			passwordHash, s.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return tx.QueryRowContext(ctx, "SELECT token_version FROM users WHERE id=?", id).Scan(&v)
	})
	return v, err
}

// TouchLastSeen records the durable last-seen timestamp.  Older values
// never overwrite newer ones.
func (s *MySQL) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_seen_at=? WHERE id=? AND (last_seen_at IS NULL OR last_seen_at < ?)",
		at.UTC(), id, at.UTC())
	return classify(err, "touch last seen")
}

// BlockUser records that blocker blocks blocked.  Repeating it is a no-op.
func (s *MySQL) BlockUser(ctx context.Context, blocker, blocked string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO user_blocks (blocker_id, blocked_id) VALUES (?,?)", blocker, blocked)
	return classify(err, "block user")
}

// IsBlocked reports whether either user blocks the other.
func (s *MySQL) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return isBlocked(ctx, s.db, a, b)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isBlocked(ctx context.Context, q queryer, a, b string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_blocks WHERE (blocker_id=? AND blocked_id=?) OR (blocker_id=? AND blocked_id=?)",
		a, b, b, a).Scan(&n)
	if err != nil {
		return false, classify(err, "is blocked")
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u        model.User
		lastSeen sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Status,
		&u.TokenVersion, &lastSeen, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		u.LastSeenAt = &t
	}
	return u, nil
}
