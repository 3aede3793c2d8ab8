package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDriverFansOut(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newWorker := func(name string) *Bus {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		b := New(NewRedisDriver(rdb, name, nil), Options{})
		b.Open(ctx)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	a := newWorker("a")
	b := newWorker("b")

	c := newCollector()
	defer b.Subscribe(ctx, "conv:r", c.handle)()

	// SUBSCRIBE is acknowledged asynchronously on the pubsub connection.
	watcher := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer watcher.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := watcher.PubSubNumSub(ctx, "conv:r").Result()
		if err == nil && n["conv:r"] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription never registered: %v %v", n, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Publish(ctx, "conv:r", env("one")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.wait(t, 1)
	if got[0].Origin != "one" {
		t.Fatalf("origin = %s", got[0].Origin)
	}
	if !a.Healthy() || !b.Healthy() {
		t.Fatal("buses should be healthy")
	}
}
