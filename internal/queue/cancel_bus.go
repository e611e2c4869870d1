package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"credit-orchestrator/internal/port"
)

const cancelChannel = "jobs:cancel"

// RedisCancelBus fans cancellation requests out to every worker over pub/sub.
type RedisCancelBus struct {
	client *redis.Client
}

var _ port.CancelBus = (*RedisCancelBus)(nil)

// NewRedisCancelBus wraps client.
func NewRedisCancelBus(client *redis.Client) *RedisCancelBus {
	return &RedisCancelBus{client: client}
}

// PublishCancel announces that jobID was cancelled.
func (b *RedisCancelBus) PublishCancel(ctx context.Context, jobID string) error {
	return b.client.Publish(ctx, cancelChannel, jobID).Err()
}

// ListenCancels blocks until ctx is done, calling fn for every request.
func (b *RedisCancelBus) ListenCancels(ctx context.Context, fn func(jobID string)) error {
	sub := b.client.Subscribe(ctx, cancelChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
