package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport carries broadcast messages over Redis Pub/Sub, so instances
// on different processes or machines sharing a Redis server stay in sync.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport creates a transport on client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisTransport{client: client}
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Transport. It returns once Redis has confirmed the
// subscription; handler runs on a dedicated goroutine.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSub{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
