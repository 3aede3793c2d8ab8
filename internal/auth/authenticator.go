package auth

import (
	"context"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

// UserLookup is the slice of the message store the authenticator needs.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

// Identity is an authenticated principal.
type Identity struct {
	UserID       string
	Role         string
	TokenVersion int64
}

// Authenticator validates bearer access tokens against the current user
// record: signature, expiry, account status and token_version.
type Authenticator struct {
	secret string
	users  UserLookup
}

// NewAuthenticator verifies tokens signed with secret against users.
func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{secret: secret, users: users}
}

// Authenticate returns the identity carried by raw or an Unauthenticated
// error.  Store failures other than a missing user surface unchanged.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, apperr.New(apperr.Unauthenticated, "missing credential")
	}
	claims, err := ParseAccessToken(a.secret, raw)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Unauthenticated, err, "invalid credential")
	}
	u, err := a.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return Identity{}, apperr.New(apperr.Unauthenticated, "unknown user")
		}
		return Identity{}, err
	}
	if !u.IsActive() {
		return Identity{}, apperr.New(apperr.Unauthenticated, "account is not active")
	}
	if u.TokenVersion != claims.TokenVersion {
		return Identity{}, apperr.New(apperr.Unauthenticated, "credential revoked")
	}
	return Identity{UserID: u.ID, Role: u.Role, TokenVersion: u.TokenVersion}, nil
}

// Current reports whether version is still the user's token_version and the
// account is active.  Sessions call it to enforce revocation while open.
func (a *Authenticator) Current(ctx context.Context, userID string, version int64) (bool, error) {
	u, err := a.users.GetUser(ctx, userID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return u.IsActive() && u.TokenVersion == version, nil
}
