package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus is the Redis pub/sub transport. Publishes are fire-and-forget:
// Redis pub/sub has no delivery guarantee, the transaction log layered on
// top is what makes losses recoverable.
type Bus struct {
	client *RedisClient
	log    *zap.Logger
}

// NewBus returns a pub/sub broker backed by the given client.
func NewBus(log *zap.Logger, client *RedisClient) *Bus {
	return &Bus{
		client: client,
		log:    log.Named("bus"),
	}
}

// Publish sends payload to every current subscriber of channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription over the given channels and starts the
// delivery pump. The pump runs until Close.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Client.Subscribe(ctx, channels...)
	// Force the initial SUBSCRIBE round-trip so connectivity errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Message, 128),
		log: b.log,
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
	log *zap.Logger

	closeOnce sync.Once
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return nil
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", channels, err)
	}
	return nil
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
	})
	return err
}

// pump converts go-redis deliveries into port messages. Exits when the
// underlying PubSub is closed, which closes its channel.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}
