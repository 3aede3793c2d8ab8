package presence

import (
	"context"
	"time"

	"github.com/iliyamo/realtime-chat/internal/model"
)

// Store is the shared expiring state behind the registry.  Every method
// receives cutoff, the oldest heartbeat still considered live; a record
// with an older heartbeat reads as offline.  prev and next are effective
// statuses before and after the call.
type Store interface {
	Attach(ctx context.Context, userID, sessionID string, now, cutoff time.Time) (prev string, err error)
	Heartbeat(ctx context.Context, userID, sessionID string, now, cutoff time.Time) (prev, next string, err error)
	Detach(ctx context.Context, userID, sessionID string, now, cutoff time.Time) (prev, next string, err error)
	SetStatus(ctx context.Context, userID, status string, now, cutoff time.Time) (prev, next string, err error)
	Get(ctx context.Context, userID string, cutoff time.Time) (model.PresenceRecord, error)

	// Expired lists up to limit users whose heartbeat is older than cutoff.
	Expired(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// Demote forces a stale user offline and clears its sessions.  It
	// reports the last heartbeat and whether the user was not already
	// offline; a heartbeat newer than cutoff leaves the record untouched.
	Demote(ctx context.Context, userID string, cutoff time.Time) (lastHeartbeat time.Time, demoted bool, err error)
}

func effective(status string, hb, cutoff time.Time) string {
	if status == "" || hb.Before(cutoff) {
		return model.StatusOffline
	}
	return status
}
