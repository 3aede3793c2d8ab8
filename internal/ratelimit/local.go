package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iliyamo/realtime-chat/internal/config"
)

type localEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// LocalBucket keeps one rate.Limiter per key inside the process.  Keys idle
// for longer than the bucket TTL are evicted.
type LocalBucket struct {
	cfg   config.BucketConfig
	every rate.Limit
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*localEntry
	lastSweep time.Time
}

// NewLocalBucket returns an in-process token bucket per key.
func NewLocalBucket(cfg config.BucketConfig) *LocalBucket {
	refill := cfg.RefillTokens
	if refill < 1 {
		refill = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &LocalBucket{
		cfg:     cfg,
		every:   rate.Every(interval / time.Duration(refill)),
		now:     time.Now,
		entries: make(map[string]*localEntry),
	}
}

func (b *LocalBucket) Allow(_ context.Context, key string) (Decision, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sweep(now)
	e, ok := b.entries[key]
	if !ok {
		e = &localEntry{lim: rate.NewLimiter(b.every, b.cfg.Capacity)}
		b.entries[key] = e
	}
	e.seen = now

	r := e.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(e.lim.TokensAt(now))}, nil
}

func (b *LocalBucket) sweep(now time.Time) {
	if b.cfg.TTL <= 0 || now.Sub(b.lastSweep) < b.cfg.TTL {
		return
	}
	b.lastSweep = now
	for k, e := range b.entries {
		if now.Sub(e.seen) > b.cfg.TTL {
			delete(b.entries, k)
		}
	}
}

// Len reports how many keys are tracked.
func (b *LocalBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
