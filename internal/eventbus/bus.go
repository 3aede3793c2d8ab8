// Package eventbus fans events out across workers through an external
// broker.  Every worker publishes to named topics and receives, for each
// topic it subscribed to, every event published after the subscription.
// When the broker cannot be reached the bus degrades to in-process
// delivery so that sessions on the publishing worker keep receiving events.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/protocol"
)

// Handler receives one event.  It runs on the driver's delivery goroutine
// and must not block; events of one topic arrive in publish order.
type Handler func(topic string, env protocol.Envelope)

// Driver is an external pub/sub broker.  Deliver is called for every
// message arriving on a subscribed topic, in broker order per topic.
type Driver interface {
	Name() string
	Open(ctx context.Context, deliver func(topic string, body []byte)) error
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options tune the bus.
type Options struct {
	PublishAttempts int           // broker attempts before degrading
	RetryBackoff    time.Duration // first retry delay, doubled per attempt
	HealthInterval  time.Duration
	Logger          *zap.Logger
}

type subscription struct {
	id uint64
	h  Handler
}

// Bus is the worker's single event bus adapter.
type Bus struct {
	driver Driver
	opts   Options
	log    *zap.Logger

	// subMu serializes subscribe/unsubscribe so that driver calls are never
	// made under mu; mu guards the handler table read by dispatch.
	subMu   sync.Mutex
	mu      sync.RWMutex
	subs    map[string][]subscription
	pending map[string]bool // topics whose broker subscription failed
	nextID  uint64

	healthy   atomic.Bool
	lastError atomic.Value // string
}

// New wraps driver.  A nil driver gives a purely in-process bus.
func New(driver Driver, opts Options) *Bus {
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Bus{
		driver:  driver,
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "eventbus")),
		subs:    make(map[string][]subscription),
		pending: make(map[string]bool),
	}
	b.healthy.Store(true)
	b.lastError.Store("")
	return b
}

// Open connects the driver.  A failing broker does not fail startup: the
// bus starts degraded and the health loop keeps trying.
func (b *Bus) Open(ctx context.Context) {
	if b.driver == nil {
		return
	}
	if err := b.driver.Open(ctx, b.dispatch); err != nil {
		b.degrade(err)
		return
	}
	b.log.Info("event bus connected", zap.String("driver", b.driver.Name()))
}

// Publish sends env on topic.  After PublishAttempts broker failures the
// event is delivered to this worker's subscribers only and Unavailable is
// returned so that the caller can keep it in the outbox.
func (b *Bus) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	body, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, topic, body)
}

// PublishRaw is Publish for an already encoded envelope.
func (b *Bus) PublishRaw(ctx context.Context, topic string, body []byte) error {
	if b.driver == nil {
		b.dispatch(topic, body)
		return nil
	}
	if err := b.publishRemote(ctx, topic, body); err != nil {
		b.degrade(err)
		b.dispatch(topic, body)
		return apperr.Wrap(apperr.Unavailable, err, "event bus unavailable")
	}
	return nil
}

// Republish is used by the outbox drainer: the event already reached local
// subscribers when it was first published, so a failure is only reported.
func (b *Bus) Republish(ctx context.Context, topic string, body []byte) error {
	if b.driver == nil {
		return nil
	}
	if err := b.publishRemote(ctx, topic, body); err != nil {
		b.degrade(err)
		return apperr.Wrap(apperr.Unavailable, err, "event bus unavailable")
	}
	return nil
}

// PublishLocal delivers an encoded envelope to this worker's subscribers
// only.  The router uses it for events that must wait behind an older,
// still undelivered event of the same topic.
func (b *Bus) PublishLocal(topic string, body []byte) {
	b.dispatch(topic, body)
}

// publishRemote retries with exponential backoff.  A bus that is already
// degraded tries once so that callers are not stalled during an outage.
func (b *Bus) publishRemote(ctx context.Context, topic string, body []byte) error {
	attempts := b.opts.PublishAttempts
	if !b.Healthy() {
		attempts = 1
	}
	delay := b.opts.RetryBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = b.driver.Publish(ctx, topic, body); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Subscribe registers h for topic and returns its cancellation.  Every
// subscription of a topic on this worker shares one broker subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string, h Handler) (cancel func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	first := len(b.subs[topic]) == 0
	b.subs[topic] = append(b.subs[topic], subscription{id: id, h: h})
	b.mu.Unlock()

	if first && b.driver != nil {
		if err := b.driver.Subscribe(ctx, topic); err != nil {
			b.degrade(err)
			b.mu.Lock()
			b.pending[topic] = true
			b.mu.Unlock()
		}
	}

	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(topic, id) }) }
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = list
	}
	wasPending := b.pending[topic]
	if last {
		delete(b.pending, topic)
	}
	b.mu.Unlock()

	if last && b.driver != nil && !wasPending {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.driver.Unsubscribe(ctx, topic); err != nil {
			b.log.Debug("broker unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) dispatch(topic string, body []byte) {
	env, err := protocol.DecodeEnvelope(body)
	if err != nil {
		b.log.Warn("dropping malformed event", zap.String("topic", topic), zap.Error(err))
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[topic]))
	for i, s := range b.subs[topic] {
		handlers[i] = s.h
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(topic, env)
	}
}

func (b *Bus) degrade(err error) {
	b.lastError.Store(err.Error())
	if b.healthy.Swap(false) {
		b.log.Error("event bus degraded to in-process delivery", zap.Error(err))
	}
}

// Healthy reports whether cross-worker delivery is currently working.
func (b *Bus) Healthy() bool { return b.healthy.Load() }

// Status is reported by the health endpoint.
type Status struct {
	Driver    string `json:"driver"`
	Healthy   bool   `json:"healthy"`
	LastError string `json:"last_error,omitempty"`
}

func (b *Bus) Status() Status {
	name := "local"
	if b.driver != nil {
		name = b.driver.Name()
	}
	return Status{Driver: name, Healthy: b.Healthy(), LastError: b.lastError.Load().(string)}
}

// Run pings the broker every HealthInterval until ctx ends.  After the
// broker recovers, topics whose subscription failed are subscribed again
// and the bus is marked healthy.
func (b *Bus) Run(ctx context.Context) error {
	if b.driver == nil {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(b.opts.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one iteration of the health loop.
func (b *Bus) CheckHealth(ctx context.Context) {
	if b.driver == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := b.driver.Ping(pctx)
	cancel()
	if err != nil {
		b.degrade(err)
		return
	}

	b.subMu.Lock()
	b.mu.RLock()
	topics := make([]string, 0, len(b.pending))
	for t := range b.pending {
		topics = append(topics, t)
	}
	b.mu.RUnlock()
	ok := true
	for _, topic := range topics {
		if err := b.driver.Subscribe(ctx, topic); err != nil {
			b.lastError.Store(err.Error())
			ok = false
			continue
		}
		b.mu.Lock()
		delete(b.pending, topic)
		b.mu.Unlock()
	}
	b.subMu.Unlock()

	if ok && !b.healthy.Swap(true) {
		b.log.Info("event bus recovered", zap.String("driver", b.driver.Name()))
	}
}

// Close releases the broker connection.
func (b *Bus) Close() error {
	if b.driver == nil {
		return nil
	}
	return b.driver.Close()
}
