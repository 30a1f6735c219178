// ABOUTME: Outbound channel delivery contract and its Redis stream and log implementations
// ABOUTME: Agent and bot replies leave the gateway through a Deliverer

package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/2389/support-gateway/internal/conversation"
)

// Delivery is one message bound for the customer's channel.
type Delivery struct {
	ConversationID string
	CustomerPhone  string
	Message        *conversation.Message
}

// Deliverer hands messages to the customer-facing channel.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
	Close() error
}

// RedisStream appends deliveries to a Redis stream read by the channel worker.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisStream connects to redisURL and checks the connection.
func NewRedisStream(ctx context.Context, redisURL, stream string, maxLen int64, logger *slog.Logger) (*RedisStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With("component", "outbound.redis"),
	}, nil
}

// Deliver adds the delivery to the stream.
func (r *RedisStream) Deliver(ctx context.Context, d Delivery) error {
	content, err := json.Marshal(d.Message.Content)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"message_id":      d.Message.ID,
			"conversation_id": d.ConversationID,
			"to":              d.CustomerPhone,
			"sequence":        strconv.FormatUint(d.Message.Sequence, 10),
			"sender_kind":     string(d.Message.Sender.Kind),
			"sender_id":       d.Message.Sender.ID,
			"content":         string(content),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("adding to stream %s: %w", r.stream, err)
	}
	r.logger.Debug("delivery queued",
		"stream_id", id,
		"message_id", d.Message.ID,
		"conversation_id", d.ConversationID)
	return nil
}

// Ping checks the Redis connection.
func (r *RedisStream) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStream) Close() error {
	return r.client.Close()
}

// LogDeliverer logs deliveries instead of sending them. Used when no channel
// backend is configured.
type LogDeliverer struct {
	logger *slog.Logger
}

// NewLogDeliverer creates a LogDeliverer. Pass nil logger for default.
func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger.With("component", "outbound.log")}
}

func (l *LogDeliverer) Deliver(_ context.Context, d Delivery) error {
	l.logger.Info("outbound message",
		"conversation_id", d.ConversationID,
		"to", d.CustomerPhone,
		"sequence", d.Message.Sequence,
		"type", d.Message.Content.Type,
		"preview", d.Message.Content.PreviewText())
	return nil
}

func (l *LogDeliverer) Close() error { return nil }
