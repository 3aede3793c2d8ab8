package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/realtime-chat/internal/config"
)

var sendBucket = config.BucketConfig{
	Capacity:       3,
	RefillTokens:   1,
	RefillInterval: time.Second,
	TTL:            time.Minute,
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func drain(t *testing.T, l Limiter, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		d, err := l.Allow(context.Background(), key)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: %+v %v", i, d, err)
		}
	}
}

func TestLocalBucket(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewLocalBucket(sendBucket)
	b.now = c.now

	drain(t, b, "u1", 3)
	d, _ := b.Allow(context.Background(), "u1")
	if d.Allowed || d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("fourth call = %+v", d)
	}

	// Other keys have their own bucket.
	drain(t, b, "u2", 1)

	c.t = c.t.Add(time.Second)
	drain(t, b, "u1", 1)
	if d, _ := b.Allow(context.Background(), "u1"); d.Allowed {
		t.Fatal("only one token should have refilled")
	}
}

func TestLocalBucketEvictsIdleKeys(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewLocalBucket(sendBucket)
	b.now = c.now
	drain(t, b, "a", 1)
	drain(t, b, "b", 1)

	c.t = c.t.Add(2 * time.Minute)
	drain(t, b, "c", 1)
	if n := b.Len(); n != 1 {
		t.Fatalf("tracked keys = %d, want 1", n)
	}
}

func TestRedisBucketSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	w1 := NewRedisBucket(rdb, "send", sendBucket, nil, nil)
	w2 := NewRedisBucket(rdb, "send", sendBucket, nil, nil)
	w1.now, w2.now = c.now, c.now

	drain(t, w1, "u1", 2)
	drain(t, w2, "u1", 1)
	d, err := w2.Allow(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("bucket should be empty across workers")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("retry after = %s", d.RetryAfter)
	}

	c.t = c.t.Add(1500 * time.Millisecond)
	d, _ = w1.Allow(context.Background(), "u1")
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("after refill = %+v", d)
	}
	if !mr.Exists("send:u1") {
		t.Fatal("bucket key missing")
	}
}

func TestRedisBucketFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	b := NewRedisBucket(rdb, "typing", config.BucketConfig{Capacity: 1, RefillTokens: 1, RefillInterval: 2 * time.Second, TTL: time.Minute}, nil, nil)
	mr.Close()

	d, err := b.Allow(context.Background(), "u1:c1")
	if err != nil || !d.Allowed {
		t.Fatalf("first = %+v %v", d, err)
	}
	d, _ = b.Allow(context.Background(), "u1:c1")
	if d.Allowed {
		t.Fatal("local fallback should throttle the second call")
	}
}
