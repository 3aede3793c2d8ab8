package model

import "time"

const (
	GroupPrivate = "private"
	GroupPublic  = "public"
)

// Member roles, ordered by authority.
const (
	MemberOwner     = "owner"
	MemberAdmin     = "admin"
	MemberModerator = "moderator"
	MemberMember    = "member"
)

// Member statuses.  Only active members may send to the group.
const (
	MemberActive = "active"
	MemberLeft   = "left"
	MemberKicked = "kicked"
	MemberBanned = "banned"
)

// Group is a named multi-participant conversation with explicit roles.
type Group struct {
	ID             string
	Name           string
	Kind           string
	OwnerID        string
	ConversationID string
	CreatedAt      time.Time
}

// GroupMember mirrors a row in group_members.
type GroupMember struct {
	GroupID  string
	UserID   string
	Role     string
	Status   string
	JoinedAt time.Time
}

// CanModerate reports whether the member may remove other members' messages.
func (m GroupMember) CanModerate() bool {
	if m.Status != MemberActive {
		return false
	}
	switch m.Role {
	case MemberOwner, MemberAdmin, MemberModerator:
		return true
	}
	return false
}
