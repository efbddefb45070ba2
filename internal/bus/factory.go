package bus

import (
	"fmt"

	"github.com/redis/rueidis"

	"github.com/Lizaveta3333/liza-backend/internal/config"
)

// NewPublisher builds the publisher selected by cfg.BusDriver. The redis
// driver reuses redisClient.
func NewPublisher(cfg *config.Config, redisClient rueidis.Client) (Publisher, error) {
	switch cfg.BusDriver {
	case config.BusDriverKafka:
		return NewKafkaPublisher(cfg.BusBootstrap)
	case config.BusDriverRedis:
		return NewRedisPublisher(redisClient), nil
	case config.BusDriverNATS:
		return NewNATSPublisher(cfg.NATSURL, cfg.EventTopic)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

// NewSubscriber builds the subscriber selected by cfg.BusDriver.
func NewSubscriber(cfg *config.Config, redisClient rueidis.Client) (Subscriber, error) {
	switch cfg.BusDriver {
	case config.BusDriverKafka:
		return NewKafkaSubscriber(cfg.BusBootstrap, cfg.ConsumerGroup)
	case config.BusDriverRedis:
		return NewRedisSubscriber(redisClient, cfg.ConsumerGroup, cfg.ConsumerName), nil
	case config.BusDriverNATS:
		return NewNATSSubscriber(cfg.NATSURL, cfg.ConsumerGroup)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}
