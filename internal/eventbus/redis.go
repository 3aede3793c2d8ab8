package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDriver uses Redis PUBLISH/SUBSCRIBE.  One PubSub connection carries
// every topic of the worker; go-redis re-establishes it after a drop.
type RedisDriver struct {
	client  *redis.Client
	control string
	log     *zap.Logger

	mu sync.Mutex
	ps *redis.PubSub
}

// NewRedisDriver returns a driver on client.  name identifies the worker
// and keeps its control channel unique.
func NewRedisDriver(client *redis.Client, name string, log *zap.Logger) *RedisDriver {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisDriver{client: client, control: "bus:" + name, log: log}
}

func (d *RedisDriver) Name() string { return "redis" }

func (d *RedisDriver) Open(ctx context.Context, deliver func(topic string, body []byte)) error {
	if d.client == nil {
		return errors.New("redis client not configured")
	}
	ps := d.client.Subscribe(ctx, d.control)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	d.mu.Lock()
	d.ps = ps
	d.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			if msg.Channel == d.control {
				continue
			}
			deliver(msg.Channel, []byte(msg.Payload))
		}
		d.log.Debug("redis pubsub channel closed")
	}()
	return nil
}

func (d *RedisDriver) Publish(ctx context.Context, topic string, body []byte) error {
	if d.client == nil {
		return errors.New("redis client not configured")
	}
	return d.client.Publish(ctx, topic, body).Err()
}

func (d *RedisDriver) Subscribe(ctx context.Context, topic string) error {
	d.mu.Lock()
	ps := d.ps
	d.mu.Unlock()
	if ps == nil {
		return errors.New("redis pubsub not open")
	}
	return ps.Subscribe(ctx, topic)
}

func (d *RedisDriver) Unsubscribe(ctx context.Context, topic string) error {
	d.mu.Lock()
	ps := d.ps
	d.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(ctx, topic)
}

func (d *RedisDriver) Ping(ctx context.Context) error {
	if d.client == nil {
		return errors.New("redis client not configured")
	}
	if err := d.client.Ping(ctx).Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ps == nil {
		return errors.New("redis pubsub not open")
	}
	return nil
}

func (d *RedisDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ps == nil {
		return nil
	}
	err := d.ps.Close()
	d.ps = nil
	return err
}
