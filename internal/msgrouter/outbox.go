package msgrouter

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

const (
	outboxBaseBackoff = time.Second
	outboxMaxBackoff  = 60 * time.Second
)

// Drainer republishes outbox entries whose inline publish did not succeed.
// Entries are retried in commit order; the first failure ends the pass so
// that later events of a topic never overtake earlier ones.  Conversation
// entries are republished under the router's conversation lock.
type Drainer struct {
	store    repository.OutboxStore
	bus      Bus
	locks    *keyedMutex
	interval time.Duration
	batch    int
	log      *zap.Logger
	now      func() time.Time

	lastDrain atomic.Int64
}

// NewDrainer returns the outbox drainer of r's store and bus.
func NewDrainer(r *Router, interval time.Duration, batch int) *Drainer {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Drainer{
		store:    r.store,
		bus:      r.bus,
		locks:    r.locks,
		interval: interval,
		batch:    batch,
		log:      r.log.Named("outbox"),
		now:      time.Now,
	}
}

// DrainOnce publishes one batch of due entries and returns how many were
// delivered.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	now := d.now()
	entries, err := d.store.PendingOutbox(ctx, now, d.batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range entries {
		n, err := d.republish(ctx, e)
		delivered += n
		if err != nil {
			attempts := e.Attempts + 1
			next := now.Add(backoff(attempts))
			if rerr := d.store.RescheduleOutbox(ctx, e.ID, attempts, next); rerr != nil {
				d.log.Warn("outbox reschedule failed", zap.Int64("outbox_id", e.ID), zap.Error(rerr))
			}
			d.log.Warn("outbox publish failed",
				zap.Int64("outbox_id", e.ID), zap.String("topic", e.Topic),
				zap.Int("attempts", attempts), zap.Time("next_attempt", next), zap.Error(err))
			break
		}
	}
	d.lastDrain.Store(now.UnixNano())
	return delivered, nil
}

// republish sends e and removes it.  A conversation entry goes out under
// the conversation lock together with any older entry of its topic that is
// still waiting, so a rescheduled event is never overtaken.
func (d *Drainer) republish(ctx context.Context, e model.OutboxEntry) (int, error) {
	convID, ok := protocol.TopicConversation(e.Topic)
	if !ok {
		if err := d.bus.Republish(ctx, e.Topic, e.Body); err != nil {
			return 0, err
		}
		return 1, d.store.DeleteOutbox(ctx, e.ID)
	}
	unlock := d.locks.Lock(convID)
	defer unlock()
	return replayBacklog(ctx, d.store, d.bus, e.Topic, e.ID+1, d.batch)
}

// replayBacklog republishes, oldest first, the entries of topic committed
// before id and removes them.  It returns how many went out.
func replayBacklog(ctx context.Context, store repository.OutboxStore, bus Bus, topic string, before int64, limit int) (int, error) {
	n := 0
	for {
		backlog, err := store.OutboxBacklog(ctx, topic, before, limit)
		if err != nil || len(backlog) == 0 {
			return n, err
		}
		for _, e := range backlog {
			if err := bus.Republish(ctx, e.Topic, e.Body); err != nil {
				return n, err
			}
			if err := store.DeleteOutbox(ctx, e.ID); err != nil {
				return n, err
			}
			n++
		}
	}
}

// Run drains every interval until ctx ends.
func (d *Drainer) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := d.DrainOnce(ctx)
			if err != nil {
				d.log.Warn("outbox drain failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.log.Info("outbox drained", zap.Int("delivered", n))
			}
		}
	}
}

// LastDrain is the time of the last completed pass.
func (d *Drainer) LastDrain() time.Time {
	n := d.lastDrain.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func backoff(attempts int) time.Duration {
	b := outboxBaseBackoff
	for i := 1; i < attempts; i++ {
		b *= 2
		if b >= outboxMaxBackoff {
			return outboxMaxBackoff
		}
	}
	return b
}
