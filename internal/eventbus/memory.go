package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errBrokerDown = errors.New("memory broker unreachable")

// MemoryBroker is an in-process broker shared by any number of memory
// drivers.  A single broker gives the "memory" bus driver; several drivers
// on one broker model several workers inside one process.
type MemoryBroker struct {
	pubMu sync.Mutex // total publish order
	mu    sync.RWMutex
	subs  map[string]map[*MemoryDriver]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*MemoryDriver]struct{})}
}

func (b *MemoryBroker) publish(topic string, body []byte) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.RLock()
	targets := make([]*MemoryDriver, 0, len(b.subs[topic]))
	for d := range b.subs[topic] {
		targets = append(targets, d)
	}
	b.mu.RUnlock()
	for _, d := range targets {
		d.inbox.push(delivery{topic: topic, body: append([]byte(nil), body...)})
	}
}

func (b *MemoryBroker) subscribe(topic string, d *MemoryDriver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*MemoryDriver]struct{})
	}
	b.subs[topic][d] = struct{}{}
}

func (b *MemoryBroker) unsubscribe(topic string, d *MemoryDriver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], d)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// MemoryDriver connects one worker to a MemoryBroker.  Deliveries are
// handed to the worker on a dedicated goroutine in broker order.
type MemoryDriver struct {
	broker *MemoryBroker
	inbox  *fifo
	down   atomic.Bool
	once   sync.Once
}

func NewMemoryDriver(broker *MemoryBroker) *MemoryDriver {
	if broker == nil {
		broker = NewMemoryBroker()
	}
	return &MemoryDriver{broker: broker, inbox: newFIFO()}
}

func (d *MemoryDriver) Name() string { return "memory" }

func (d *MemoryDriver) Open(_ context.Context, deliver func(topic string, body []byte)) error {
	d.once.Do(func() {
		go func() {
			for {
				m, ok := d.inbox.pop()
				if !ok {
					return
				}
				deliver(m.topic, m.body)
			}
		}()
	})
	return nil
}

func (d *MemoryDriver) Publish(_ context.Context, topic string, body []byte) error {
	if d.down.Load() {
		return errBrokerDown
	}
	d.broker.publish(topic, body)
	return nil
}

func (d *MemoryDriver) Subscribe(_ context.Context, topic string) error {
	if d.down.Load() {
		return errBrokerDown
	}
	d.broker.subscribe(topic, d)
	return nil
}

func (d *MemoryDriver) Unsubscribe(_ context.Context, topic string) error {
	d.broker.unsubscribe(topic, d)
	return nil
}

func (d *MemoryDriver) Ping(context.Context) error {
	if d.down.Load() {
		return errBrokerDown
	}
	return nil
}

func (d *MemoryDriver) Close() error {
	d.inbox.close()
	return nil
}

// SetDown simulates losing (true) or regaining (false) the broker.
func (d *MemoryDriver) SetDown(down bool) { d.down.Store(down) }

type delivery struct {
	topic string
	body  []byte
}

// fifo is an unbounded queue; a slow consumer never blocks publishers.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []delivery
	closed bool
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fifo) push(d delivery) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, d)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *fifo) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return delivery{}, false
	}
	d := q.items[0]
	q.items[0] = delivery{}
	q.items = q.items[1:]
	return d, true
}

func (q *fifo) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
