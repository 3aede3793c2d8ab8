package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/realtime-chat/internal/model"
)

// Every script starts by reading the effective status: the stored status,
// or offline when the heartbeat is older than the cutoff.
const luaEffective = `
local st = redis.call('HGET', KEYS[1], 'status')
local hb = tonumber(redis.call('HGET', KEYS[1], 'hb') or '0')
local cutoff = tonumber(ARGV[4])
local prev = 'offline'
if st and hb >= cutoff then prev = st end
`

const luaTouch = `
local ttl = tonumber(ARGV[5])
redis.call('HSET', KEYS[1], 'hb', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
`

// KEYS: record, sessions, heartbeat index.
// ARGV: user, session or status, now_ms, cutoff_ms, ttl_seconds.
var (
	attachScript = redis.NewScript(luaEffective + `
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'status', 'online')
` + luaTouch + `
return prev
`)

	heartbeatScript = redis.NewScript(luaEffective + `
redis.call('SADD', KEYS[2], ARGV[2])
local nxt = prev
if prev == 'offline' then
  nxt = 'online'
  redis.call('HSET', KEYS[1], 'status', 'online')
end
` + luaTouch + `
return {prev, nxt}
`)

	detachScript = redis.NewScript(luaEffective + `
redis.call('SREM', KEYS[2], ARGV[2])
local nxt = prev
if redis.call('SCARD', KEYS[2]) == 0 then
  nxt = 'offline'
  redis.call('HSET', KEYS[1], 'status', 'offline')
  redis.call('ZREM', KEYS[3], ARGV[1])
end
return {prev, nxt}
`)

	setStatusScript = redis.NewScript(luaEffective + `
if prev == 'offline' or redis.call('SCARD', KEYS[2]) == 0 then
  return {prev, prev}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
` + luaTouch + `
return {prev, ARGV[2]}
`)

	demoteScript = redis.NewScript(`
local hb = tonumber(redis.call('HGET', KEYS[1], 'hb') or '0')
if hb >= tonumber(ARGV[2]) then
  return {hb, 0}
end
local st = redis.call('HGET', KEYS[1], 'status')
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[2])
if not st or st == 'offline' then
  return {hb, 0}
end
redis.call('HSET', KEYS[1], 'status', 'offline')
return {hb, 1}
`)
)

// RedisStore shares presence between workers.  Records expire after ttl
// without writes, which also bounds what a crashed worker leaves behind.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &RedisStore{rdb: rdb, prefix: "presence", ttl: ttl}
}

func (s *RedisStore) keys(userID string) []string {
	return []string{s.prefix + ":" + userID, s.prefix + ":" + userID + ":s", s.prefix + ":hb"}
}

func (s *RedisStore) args(userID, arg string, now, cutoff time.Time) []interface{} {
	return []interface{}{userID, arg, now.UnixMilli(), cutoff.UnixMilli(), int64(s.ttl / time.Second)}
}

func (s *RedisStore) Attach(ctx context.Context, userID, sessionID string, now, cutoff time.Time) (string, error) {
	return attachScript.Run(ctx, s.rdb, s.keys(userID), s.args(userID, sessionID, now, cutoff)...).Text()
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID, sessionID string, now, cutoff time.Time) (string, string, error) {
	return pair(heartbeatScript.Run(ctx, s.rdb, s.keys(userID), s.args(userID, sessionID, now, cutoff)...).StringSlice())
}

func (s *RedisStore) Detach(ctx context.Context, userID, sessionID string, now, cutoff time.Time) (string, string, error) {
	return pair(detachScript.Run(ctx, s.rdb, s.keys(userID), s.args(userID, sessionID, now, cutoff)...).StringSlice())
}

func (s *RedisStore) SetStatus(ctx context.Context, userID, status string, now, cutoff time.Time) (string, string, error) {
	return pair(setStatusScript.Run(ctx, s.rdb, s.keys(userID), s.args(userID, status, now, cutoff)...).StringSlice())
}

func pair(v []string, err error) (string, string, error) {
	if err != nil {
		return "", "", err
	}
	if len(v) != 2 {
		return "", "", fmt.Errorf("presence: unexpected script result %v", v)
	}
	return v[0], v[1], nil
}

func (s *RedisStore) Get(ctx context.Context, userID string, cutoff time.Time) (model.PresenceRecord, error) {
	k := s.keys(userID)
	pipe := s.rdb.Pipeline()
	fields := pipe.HMGet(ctx, k[0], "status", "hb")
	members := pipe.SMembers(ctx, k[1])
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return model.PresenceRecord{}, err
	}
	rec := model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
	vals := fields.Val()
	status, _ := vals[0].(string)
	if hbRaw, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(hbRaw, 10, 64); err == nil {
			rec.LastHeartbeat = time.UnixMilli(ms).UTC()
		}
	}
	rec.Status = effective(status, rec.LastHeartbeat, cutoff)
	if rec.Status != model.StatusOffline {
		rec.Sessions = members.Val()
		sort.Strings(rec.Sessions)
	}
	return rec, nil
}

func (s *RedisStore) Expired(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.prefix+":hb", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

func (s *RedisStore) Demote(ctx context.Context, userID string, cutoff time.Time) (time.Time, bool, error) {
	v, err := demoteScript.Run(ctx, s.rdb, s.keys(userID), userID, cutoff.UnixMilli()).Int64Slice()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(v) != 2 {
		return time.Time{}, false, fmt.Errorf("presence: unexpected demote result %v", v)
	}
	return time.UnixMilli(v[0]).UTC(), v[1] == 1, nil
}
