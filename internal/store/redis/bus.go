package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/perch-labs/switchyard/internal/domain"
)

// Connect opens and pings a Redis client shared by the bus and the resolver
// cache.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.Connect: ping: %w", err)
	}

	return client, nil
}

// Bus is the pub/sub fan-out for tenant lifecycle events. The resolver cache
// and the operator event stream both consume it.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// LifecycleChannel is the channel carrying tenant status transitions.
func LifecycleChannel() string {
	return "tenant:lifecycle"
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.Bus.Publish: %w", err)
	}
	return nil
}

// PublishLifecycle serialises and publishes a status transition.
func (b *Bus) PublishLifecycle(ctx context.Context, ev domain.LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis.Bus.PublishLifecycle: marshal: %w", err)
	}
	return b.Publish(ctx, LifecycleChannel(), payload)
}

// Subscribe returns a channel of raw payloads plus a cleanup func. The
// returned channel closes when ctx is done or the subscription drops.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.Bus.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}
