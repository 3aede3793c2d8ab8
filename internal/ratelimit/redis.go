package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/config"
)

// bucketScript refills and consumes atomically.  State is a hash holding the
// token count and the time of the last whole refill.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
  local elapsed = math.max(0, now_ms - last_refill)
  local intervals = math.floor(elapsed / interval_ms)
  if intervals > 0 then
    tokens = math.min(capacity, tokens + (intervals * refill_tokens))
    last_refill = last_refill + (intervals * interval_ms)
  end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  retry_after_ms = interval_ms - (now_ms - last_refill)
  if retry_after_ms < 0 then retry_after_ms = 0 end
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// RedisBucket is a token bucket shared by every worker.  When Redis fails
// the call is answered by the local fallback bucket.
type RedisBucket struct {
	rdb      *redis.Client
	prefix   string
	cfg      config.BucketConfig
	fallback *LocalBucket
	log      *zap.Logger
	now      func() time.Time
}

// NewRedisBucket returns a bucket shared through Redis.  Calls fall back
// to fallback while Redis errors.
func NewRedisBucket(rdb *redis.Client, prefix string, cfg config.BucketConfig, fallback *LocalBucket, log *zap.Logger) *RedisBucket {
	if log == nil {
		log = zap.NewNop()
	}
	if fallback == nil {
		fallback = NewLocalBucket(cfg)
	}
	return &RedisBucket{rdb: rdb, prefix: prefix, cfg: cfg, fallback: fallback, log: log, now: time.Now}
}

func (b *RedisBucket) Allow(ctx context.Context, key string) (Decision, error) {
	full := Key(b.prefix, key)
	ttl := int64(b.cfg.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	vals, err := bucketScript.Run(ctx, b.rdb, []string{full},
		b.now().UnixMilli(),
		b.cfg.Capacity,
		b.cfg.RefillTokens,
		b.cfg.RefillInterval.Milliseconds(),
		ttl,
	).Slice()
	if err == nil && len(vals) != 3 {
		err = fmt.Errorf("unexpected script result %#v", vals)
	}
	if err != nil {
		b.log.Warn("rate limit redis error, using local bucket", zap.String("key", full), zap.Error(err))
		return b.fallback.Allow(ctx, full)
	}
	return Decision{
		Allowed:    asInt64(vals[0]) == 1,
		Remaining:  int(asInt64(vals[1])),
		RetryAfter: time.Duration(asInt64(vals[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
