package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisNotifier appends ready events to a Redis stream. Consumers read the
// stream with consumer groups, so delivery survives gateway restarts.
type RedisNotifier struct {
	client redis.Cmdable
	stream string
	logger zerolog.Logger
}

// NewRedisNotifier connects to the given Redis address and publishes to the
// named stream.
func NewRedisNotifier(addr, stream string, logger zerolog.Logger) *RedisNotifier {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisNotifier{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// NewRedisNotifierWithClient wires an existing client, primarily for tests.
func NewRedisNotifierWithClient(client redis.Cmdable, stream string, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, stream: stream, logger: logger}
}

// NotifyReady appends one event to the stream as a JSON-encoded entry.
func (n *RedisNotifier) NotifyReady(ctx context.Context, ev ReadyEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ready event: %w", err)
	}

	id, err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"payload_id": ev.PayloadID,
			"event":      string(body),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish ready event for payload %s: %w", ev.PayloadID, err)
	}

	n.logger.Debug().
		Str("payload_id", ev.PayloadID).
		Str("stream", n.stream).
		Str("entry_id", id).
		Int("files", len(ev.Files)).
		Msg("payload ready event published")
	return nil
}
