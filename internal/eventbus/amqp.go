package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errAMQPNotConnected = errors.New("amqp broker not connected")

// AMQPDriver publishes every topic as a routing key on one topic exchange.
// Each worker consumes from its own exclusive, server-named queue bound to
// the topics it subscribed to.  A lost connection is redialled with
// exponential backoff and all bindings are restored.
type AMQPDriver struct {
	url      string
	exchange string
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel // publish and bind
	queue   string
	topics  map[string]bool
	deliver func(topic string, body []byte)
	inbox   *fifo

	closing chan struct{}
	once    sync.Once
}

// NewAMQPDriver publishes on a RabbitMQ topic exchange.
func NewAMQPDriver(url, exchange string, log *zap.Logger) *AMQPDriver {
	if log == nil {
		log = zap.NewNop()
	}
	if exchange == "" {
		exchange = "chat.events"
	}
	return &AMQPDriver{
		url:      url,
		exchange: exchange,
		log:      log,
		topics:   make(map[string]bool),
		inbox:    newFIFO(),
		closing:  make(chan struct{}),
	}
}

func (d *AMQPDriver) Name() string { return "amqp" }

// Open dials the broker once and starts the supervisor that keeps the
// connection alive.  An initial failure is returned, but the supervisor
// keeps dialling in the background.
func (d *AMQPDriver) Open(_ context.Context, deliver func(topic string, body []byte)) error {
	d.mu.Lock()
	d.deliver = deliver
	d.mu.Unlock()

	// Consumer deliveries are handed off through an unbounded queue so a
	// handler that publishes or binds never stalls the amqp reader.
	go func() {
		for {
			m, ok := d.inbox.pop()
			if !ok {
				return
			}
			deliver(m.topic, m.body)
		}
	}()

	err := d.connect()
	go d.supervise(err == nil)
	return err
}

func (d *AMQPDriver) connect() error {
	conn, err := amqp.Dial(d.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel open: %w", err)
	}
	if err := ch.ExchangeDeclare(d.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue declare: %w", err)
	}

	d.mu.Lock()
	for topic := range d.topics {
		if err := ch.QueueBind(q.Name, topic, d.exchange, false, nil); err != nil {
			d.mu.Unlock()
			_ = conn.Close()
			return fmt.Errorf("queue bind %s: %w", topic, err)
		}
	}
	d.mu.Unlock()

	consumeCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume channel open: %w", err)
	}
	if err := consumeCh.Qos(50, 0, false); err != nil {
		d.log.Warn("amqp set QoS failed", zap.Error(err))
	}
	msgs, err := consumeCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue consume: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.ch = ch
	d.queue = q.Name
	d.mu.Unlock()

	go func() {
		for m := range msgs {
			d.inbox.push(delivery{topic: m.RoutingKey, body: m.Body})
		}
	}()
	d.log.Info("amqp connected", zap.String("exchange", d.exchange), zap.String("queue", q.Name))
	return nil
}

// supervise waits for the connection to drop and redials it.
func (d *AMQPDriver) supervise(connected bool) {
	backoff := time.Second
	for {
		if connected {
			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			closed := conn.NotifyClose(make(chan *amqp.Error, 1))
			select {
			case <-d.closing:
				return
			case err := <-closed:
				d.log.Warn("amqp connection lost", zap.Any("reason", err))
			}
			d.mu.Lock()
			d.conn, d.ch, d.queue = nil, nil, ""
			d.mu.Unlock()
			connected = false
		}

		select {
		case <-d.closing:
			return
		case <-time.After(backoff):
		}
		if err := d.connect(); err != nil {
			d.log.Warn("amqp reconnect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		connected = true
	}
}

func (d *AMQPDriver) Publish(ctx context.Context, topic string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		return errAMQPNotConnected
	}
	return d.ch.PublishWithContext(ctx, d.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

func (d *AMQPDriver) Subscribe(_ context.Context, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topics[topic] = true
	if d.ch == nil {
		return errAMQPNotConnected
	}
	return d.ch.QueueBind(d.queue, topic, d.exchange, false, nil)
}

func (d *AMQPDriver) Unsubscribe(_ context.Context, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.topics, topic)
	if d.ch == nil {
		return nil
	}
	return d.ch.QueueUnbind(d.queue, topic, d.exchange, nil)
}

func (d *AMQPDriver) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || d.conn.IsClosed() {
		return errAMQPNotConnected
	}
	return nil
}

func (d *AMQPDriver) Close() error {
	d.once.Do(func() { close(d.closing) })
	d.inbox.close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn, d.ch = nil, nil
	return err
}
