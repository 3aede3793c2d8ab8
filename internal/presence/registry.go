// Package presence tracks which users are online, on which sessions, and
// when that was last certain.  State lives in an expiring store shared by
// all workers; transitions are announced on the presence topic.
package presence

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/protocol"
)

// Publisher is the slice of the event bus the registry needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
}

// LastSeenStore records the durable "last seen" time of a user.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

type Options struct {
	Horizon       time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	Logger        *zap.Logger
}

// Registry tracks which users are online across workers.
type Registry struct {
	store    Store
	bus      Publisher
	lastSeen LastSeenStore
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	lastSweep atomic.Int64 // unix nanos
}

// NewRegistry returns a registry publishing transitions on bus.
func NewRegistry(store Store, bus Publisher, lastSeen LastSeenStore, opts Options) *Registry {
	if opts.Horizon <= 0 {
		opts.Horizon = 90 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		store:    store,
		bus:      bus,
		lastSeen: lastSeen,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "presence")),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) cutoff(now time.Time) time.Time { return now.Add(-r.opts.Horizon) }

// Attach registers sessionID for userID and marks the user online.
func (r *Registry) Attach(ctx context.Context, userID, sessionID string) error {
	now := r.now()
	prev, err := r.store.Attach(ctx, userID, sessionID, now, r.cutoff(now))
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "presence store")
	}
	if prev != model.StatusOnline {
		r.announce(ctx, userID, model.StatusOnline, time.Time{})
	}
	return nil
}

// Heartbeat refreshes the liveness of sessionID.  A user demoted in the
// meantime comes back online.
func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string) error {
	now := r.now()
	prev, next, err := r.store.Heartbeat(ctx, userID, sessionID, now, r.cutoff(now))
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "presence store")
	}
	if prev == model.StatusOffline && next != model.StatusOffline {
		r.announce(ctx, userID, next, time.Time{})
	}
	return nil
}

// Detach removes sessionID.  When it was the last session the user goes
// offline and the durable last-seen time is updated.
func (r *Registry) Detach(ctx context.Context, userID, sessionID string) error {
	now := r.now()
	prev, next, err := r.store.Detach(ctx, userID, sessionID, now, r.cutoff(now))
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "presence store")
	}
	if next != model.StatusOffline {
		return nil
	}
	r.touch(ctx, userID, now)
	if prev != model.StatusOffline {
		r.announce(ctx, userID, model.StatusOffline, now)
	}
	return nil
}

// SetStatus applies a voluntary status.  Only online and away are
// accepted, and a user without a live session stays offline.
func (r *Registry) SetStatus(ctx context.Context, userID, status string) (string, error) {
	if status != model.StatusOnline && status != model.StatusAway {
		return "", apperr.Newf(apperr.InvalidArgument, "unknown presence status %q", status)
	}
	now := r.now()
	prev, next, err := r.store.SetStatus(ctx, userID, status, now, r.cutoff(now))
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, err, "presence store")
	}
	if prev != next {
		r.announce(ctx, userID, next, time.Time{})
	}
	return next, nil
}

func (r *Registry) Get(ctx context.Context, userID string) (model.PresenceRecord, error) {
	rec, err := r.store.Get(ctx, userID, r.cutoff(r.now()))
	if err != nil {
		return model.PresenceRecord{}, apperr.Wrap(apperr.Unavailable, err, "presence store")
	}
	return rec, nil
}

// DecaySweep demotes every user whose heartbeat is older than the liveness
// horizon, whatever sessions are still registered.  It returns how many
// users went offline.
func (r *Registry) DecaySweep(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := r.cutoff(now)
	demoted := 0
	for {
		users, err := r.store.Expired(ctx, cutoff, r.opts.SweepBatch)
		if err != nil {
			return demoted, apperr.Wrap(apperr.Unavailable, err, "presence store")
		}
		for _, u := range users {
			hb, ok, err := r.store.Demote(ctx, u, cutoff)
			if err != nil {
				return demoted, apperr.Wrap(apperr.Unavailable, err, "presence store")
			}
			if !ok {
				continue
			}
			demoted++
			r.touch(ctx, u, hb)
			r.announce(ctx, u, model.StatusOffline, hb)
		}
		if len(users) < r.opts.SweepBatch {
			break
		}
	}
	r.lastSweep.Store(now.UnixNano())
	if demoted > 0 {
		r.log.Info("presence sweep demoted stale users", zap.Int("count", demoted))
	}
	return demoted, nil
}

// Run sweeps every SweepInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.DecaySweep(ctx); err != nil {
				r.log.Warn("presence sweep failed", zap.Error(err))
			}
		}
	}
}

// LastSweep is the time of the last completed sweep; zero before the first.
func (r *Registry) LastSweep() time.Time {
	n := r.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SweepOverdue reports whether sweeps stopped: the last one is more than
// two intervals old.  started is when the sweeper was launched.
func (r *Registry) SweepOverdue(started time.Time) bool {
	last := r.LastSweep()
	if last.IsZero() {
		last = started
	}
	return r.now().Sub(last) > 2*r.opts.SweepInterval
}

func (r *Registry) touch(ctx context.Context, userID string, at time.Time) {
	if r.lastSeen == nil {
		return
	}
	if err := r.lastSeen.TouchLastSeen(ctx, userID, at); err != nil && !apperr.Is(err, apperr.NotFound) {
		r.log.Warn("last seen update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (r *Registry) announce(ctx context.Context, userID, status string, lastSeen time.Time) {
	if r.bus == nil {
		return
	}
	p := protocol.PresencePayload{UserID: userID, Status: status}
	if !lastSeen.IsZero() {
		p.LastSeen = protocol.Timestamp(lastSeen)
	}
	f, err := protocol.New(protocol.TypePresence, "", p, r.now())
	if err != nil {
		return
	}
	// A degraded bus has already delivered locally; nothing else to do.
	if err := r.bus.Publish(ctx, protocol.TopicPresence, protocol.Envelope{Frame: f}); err != nil {
		r.log.Debug("presence publish degraded", zap.String("user_id", userID), zap.Error(err))
	}
}
