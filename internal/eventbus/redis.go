package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// RedisStream carries events over Redis Pub/Sub. Channel names are prefixed so
// several engines can share one Redis.
type RedisStream struct {
	client *redis.Client
	prefix string
	log    logger.Logger
}

func NewRedisStream(client *redis.Client, prefix string, log logger.Logger) *RedisStream {
	return &RedisStream{client: client, prefix: prefix, log: log.Named("redis_stream")}
}

func (s *RedisStream) key(channel string) string {
	return s.prefix + channel
}

func (s *RedisStream) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.key(e.Channel), payload).Err(); err != nil {
		return errors.NewExternalServiceError("redis", err, true)
	}
	return nil
}

func (s *RedisStream) Listen(ctx context.Context, channels []string) (<-chan Event, error) {
	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = s.key(ch)
	}

	pubsub := s.client.Subscribe(ctx, keys...)
	// wait for the subscription confirmation so no publish is missed after Listen returns
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.NewExternalServiceError("redis", err, true)
	}

	msgs := pubsub.Channel()
	out := make(chan Event)
	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					s.log.Error("dropping undecodable message", map[string]interface{}{
						"channel": msg.Channel,
						"error":   err.Error(),
					})
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RedisStream) Close() error {
	return nil
}
