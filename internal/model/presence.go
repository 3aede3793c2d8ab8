package model

import "time"

const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// PresenceRecord is the liveness overlay of a user.  Status is offline
// exactly when Sessions is empty.
type PresenceRecord struct {
	UserID        string
	Status        string
	LastHeartbeat time.Time
	Sessions      []string
}
