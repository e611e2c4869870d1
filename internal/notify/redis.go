package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"credit-orchestrator/internal/models"
)

const channelPrefix = "events:account:"

// Channel is the pub/sub channel carrying an account's events.
func Channel(accountID string) string { return channelPrefix + accountID }

// RedisSink publishes events so API processes can relay them to clients
// connected elsewhere.
type RedisSink struct {
	client *redis.Client
}

var _ Sink = (*RedisSink)(nil)

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Deliver publishes ev on the account channel.
func (s *RedisSink) Deliver(ctx context.Context, accountID string, ev models.JobEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, Channel(accountID), raw).Err()
}

// RedisBridge subscribes to every account channel and feeds a local sink,
// normally the API process's Hub.
type RedisBridge struct {
	client *redis.Client
	sink   Sink
	log    zerolog.Logger
}

func NewRedisBridge(client *redis.Client, sink Sink, log zerolog.Logger) *RedisBridge {
	return &RedisBridge{client: client, sink: sink, log: log.With().Str("component", "notify_bridge").Logger()}
}

// Run blocks until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
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
			accountID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var ev models.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed event")
				continue
			}
			if err := b.sink.Deliver(ctx, accountID, ev); err != nil {
				b.log.Warn().Err(err).Str("account_id", accountID).Msg("bridge delivery failed")
			}
		}
	}
}
