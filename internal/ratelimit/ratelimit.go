// Package ratelimit implements the token buckets used to throttle inbound
// frames and the HTTP auth surface.  Buckets live in Redis when a client is
// available so that a user's budget is shared by all workers; otherwise an
// in-process bucket with the same parameters is used.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/config"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter consumes one token from the bucket named key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// New returns a Redis bucket when rdb is set and a local bucket otherwise.
// prefix namespaces the keys of this bucket family, e.g. "send".
func New(cfg config.BucketConfig, rdb *redis.Client, prefix string, log *zap.Logger) Limiter {
	local := NewLocalBucket(cfg)
	if rdb == nil {
		return local
	}
	return NewRedisBucket(rdb, prefix, cfg, local, log)
}

// Key joins parts with ':' the way every rate limit key is built.
func Key(parts ...string) string { return strings.Join(parts, ":") }

// Disabled allows everything.
type Disabled struct{}

func (Disabled) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
