package model

import "time"

// Platform roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account statuses.  Only active users may open sessions or send messages.
const (
	UserActive    = "active"
	UserPending   = "pending"
	UserSuspended = "suspended"
	UserBanned    = "banned"
)

// User represents an application user record as stored in the `users`
// table.  The json tags are omitted because these structs are used by the
// repository layer; handlers and frames define their own projections.
//
// Fields:
//
//	ID           – stable identifier (UUID string).
//	Username     – unique login name.
//	PasswordHash – bcrypt hashed password.
//	Role         – platform role (user or admin).
//	Status       – account status (active, pending, suspended, banned).
//	TokenVersion – incremented to invalidate every issued credential.
//	LastSeenAt   – durable "last seen", written when presence goes offline.
type User struct {
	ID           string     // users.id
	Username     string     // users.username
	PasswordHash string     // users.password_hash
	Role         string     // users.role
	Status       string     // users.status
	TokenVersion int64      // users.token_version
	LastSeenAt   *time.Time // users.last_seen_at (nullable)
	CreatedAt    time.Time  // users.created_at
	UpdatedAt    time.Time  // users.updated_at
}

// IsActive reports whether the account may authenticate.
func (u User) IsActive() bool { return u.Status == UserActive }

// IsAdmin reports whether the account holds the platform admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// RefreshToken models an entry in the `refresh_tokens` table.  The plain
// token is never stored; only its SHA-256 hash.  TokenVersion records the
// user's token_version at issuance so that a later increment invalidates it.
type RefreshToken struct {
	ID           uint64     // refresh_tokens.id
	UserID       string     // refresh_tokens.user_id
	TokenHash    string     // refresh_tokens.token_hash
	TokenVersion int64      // refresh_tokens.token_version
	ExpiresAt    time.Time  // refresh_tokens.expires_at
	RevokedAt    *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt    time.Time  // refresh_tokens.created_at
}
