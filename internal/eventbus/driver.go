package eventbus

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/config"
)

// NewDriver builds the driver selected by cfg.  The redis driver needs a
// client; "memory" returns a driver on a private broker.
func NewDriver(cfg config.EventBusConfig, rdb *redis.Client, log *zap.Logger) (Driver, error) {
	switch cfg.Driver {
	case "amqp", "rabbitmq":
		return NewAMQPDriver(cfg.AMQPURL, cfg.Exchange, log), nil
	case "nats":
		return NewNATSDriver(cfg.NATSURLs, cfg.Name, log), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("event bus driver redis requires a redis connection")
		}
		return NewRedisDriver(rdb, cfg.Name, log), nil
	case "memory", "":
		return NewMemoryDriver(nil), nil
	}
	return nil, fmt.Errorf("unknown event bus driver %q", cfg.Driver)
}
