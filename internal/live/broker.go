package live

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Broker is the narrow pub/sub surface Hub and RedisPublisher need,
// decoupled from *redis.Client so tests can substitute an in-memory fake
// instead of standing up a real Redis instance.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) Subscription
}

// Subscription delivers payloads published on one topic.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisBroker adapts a *redis.Client to Broker.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker builds a RedisBroker.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) Subscription {
	pubsub := b.client.Subscribe(ctx, topic)
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return &redisSubscription{pubsub: pubsub, out: out}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }
