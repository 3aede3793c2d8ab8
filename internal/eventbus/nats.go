package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsSubjectPrefix = "chat."

// NATSDriver maps each topic onto a core NATS subject.  Subscriptions are
// restored by the client library after a reconnect.
type NATSDriver struct {
	servers []string
	name    string
	log     *zap.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	subs    map[string]*nats.Subscription
	deliver func(topic string, body []byte)
}

// NewNATSDriver connects to the given NATS servers on Open.
func NewNATSDriver(servers []string, name string, log *zap.Logger) *NATSDriver {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSDriver{servers: servers, name: name, log: log, subs: make(map[string]*nats.Subscription)}
}

func (d *NATSDriver) Name() string { return "nats" }

func (d *NATSDriver) Open(_ context.Context, deliver func(topic string, body []byte)) error {
	if len(d.servers) == 0 {
		return errors.New("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(d.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			d.log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(strings.Join(d.servers, ","), opts...)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.nc = nc
	d.deliver = deliver
	d.mu.Unlock()
	return nil
}

func (d *NATSDriver) conn() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc == nil {
		return nil, errors.New("nats not connected")
	}
	return d.nc, nil
}

func (d *NATSDriver) Publish(_ context.Context, topic string, body []byte) error {
	nc, err := d.conn()
	if err != nil {
		return err
	}
	if !nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nc.Publish(natsSubjectPrefix+topic, body)
}

func (d *NATSDriver) Subscribe(_ context.Context, topic string) error {
	nc, err := d.conn()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[topic]; ok {
		return nil
	}
	deliver := d.deliver
	sub, err := nc.Subscribe(natsSubjectPrefix+topic, func(m *nats.Msg) {
		deliver(strings.TrimPrefix(m.Subject, natsSubjectPrefix), append([]byte(nil), m.Data...))
	})
	if err != nil {
		return err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	d.subs[topic] = sub
	return nil
}

func (d *NATSDriver) Unsubscribe(_ context.Context, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[topic]
	if !ok {
		return nil
	}
	delete(d.subs, topic)
	return sub.Unsubscribe()
}

func (d *NATSDriver) Ping(_ context.Context) error {
	nc, err := d.conn()
	if err != nil {
		return err
	}
	return nc.FlushTimeout(time.Second)
}

func (d *NATSDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic, sub := range d.subs {
		_ = sub.Drain()
		delete(d.subs, topic)
	}
	if d.nc != nil {
		err := d.nc.Drain()
		d.nc = nil
		return err
	}
	return nil
}
