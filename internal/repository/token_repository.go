package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

// StoreRefresh inserts a refresh token hash row stamped with the user's
// token_version at issuance.
func (s *MySQL) StoreRefresh(ctx context.Context, userID, tokenHash string, tokenVersion int64, exp time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, token_hash, token_version, expires_at) VALUES (?,?,?,?)",
		userID, tokenHash, tokenVersion, exp.UTC())
	return classify(err, "store refresh token")
}

// ValidateRefresh returns the owner of a non-revoked, non-expired token
// whose token_version still equals the user's and whose owner is active.
// Every failure is reported as Unauthenticated.
func (s *MySQL) ValidateRefresh(ctx context.Context, tokenHash string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var (
		userID       string
		tokenVersion int64
		expiresAt    time.Time
		revokedAt    sql.NullTime
		current      int64
		status       string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT t.user_id, t.token_version, t.expires_at, t.revoked_at, u.token_version, u.status
		   FROM refresh_tokens t JOIN users u ON u.id = t.user_id
		  WHERE t.token_hash=? LIMIT 1`,
		tokenHash).Scan(&userID, &tokenVersion, &expiresAt, &revokedAt, &current, &status)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", apperr.New(apperr.Unauthenticated, "invalid refresh token")
		}
		return "", classify(err, "validate refresh token")
	}
	switch {
	case revokedAt.Valid:
		return "", apperr.New(apperr.Unauthenticated, "refresh token revoked")
	case time.Now().UTC().After(expiresAt):
		return "", apperr.New(apperr.Unauthenticated, "refresh token expired")
	case tokenVersion != current:
		return "", apperr.New(apperr.Unauthenticated, "refresh token revoked")
	case status != model.UserActive:
		return "", apperr.New(apperr.Unauthenticated, "account is not active")
	}
	return userID, nil
}

// RevokeByHash marks a token as revoked.
func (s *MySQL) RevokeByHash(ctx context.Context, tokenHash string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP(6) WHERE token_hash=? AND revoked_at IS NULL",
		tokenHash)
	return classify(err, "revoke refresh token")
}

// RevokeAllForUser revokes all user's active tokens.
func (s *MySQL) RevokeAllForUser(ctx context.Context, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP(6) WHERE user_id=? AND revoked_at IS NULL",
		userID)
	return classify(err, "revoke refresh tokens")
}
