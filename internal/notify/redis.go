package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "chatrelay:jobs:done"

// RedisRelay publishes outcomes on a Redis channel and forwards every outcome
// it receives to a local Publisher, normally the Hub. Redis pub/sub is fire-and-forget, so waiters
// also re-read job state periodically.
type RedisRelay struct {
	client  *redis.Client
	local   Publisher
	channel string
	logger  *slog.Logger
}

func NewRedisRelay(client *redis.Client, local Publisher, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, local: local, channel: DefaultChannel, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// Run forwards outcomes until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("completion relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var o Outcome
			if err := json.Unmarshal([]byte(msg.Payload), &o); err != nil {
				r.logger.Warn("dropping malformed completion event", "error", err)
				continue
			}
			if err := r.local.Publish(ctx, o); err != nil {
				r.logger.Warn("delivering completion event", "job_id", o.JobID, "error", err)
			}
		}
	}
}
