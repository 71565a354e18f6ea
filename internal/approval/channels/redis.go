package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"gate-event-core/internal/config"
	"gate-event-core/internal/types"
)

// DefaultQueuePrefix is prepended to the channel name to form the list key
const DefaultQueuePrefix = "gate:approvals:"

// RedisSender queues dispatch requests on a redis list per channel. Provider
// workers pop from the other end and talk to the SMS or WhatsApp gateway.
type RedisSender struct {
	client *redis.Client
	prefix string
}

// NewRedisClient opens and pings a redis connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisSender creates a sender on an open client. An empty prefix uses
// DefaultQueuePrefix.
func NewRedisSender(client *redis.Client, prefix string) *RedisSender {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &RedisSender{
		client: client,
		prefix: prefix,
	}
}

// QueueName returns the list key for a channel
func (s *RedisSender) QueueName(channel string) string {
	return s.prefix + channel
}

// Send pushes the request onto the channel's list
func (s *RedisSender) Send(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return types.DispatchResult{}, fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	depth, err := s.client.LPush(ctx, s.QueueName(req.Channel), data).Result()
	if err != nil {
		return types.DispatchResult{}, fmt.Errorf("failed to queue dispatch request: %w", err)
	}

	return types.DispatchResult{
		Channel:    req.Channel,
		ProviderID: s.QueueName(req.Channel) + "#" + strconv.FormatInt(depth, 10),
		Accepted:   true,
	}, nil
}

// QueueLength returns how many requests are waiting for a channel's worker
func (s *RedisSender) QueueLength(ctx context.Context, channel string) (int64, error) {
	return s.client.LLen(ctx, s.QueueName(channel)).Result()
}

// Health checks the redis connection
func (s *RedisSender) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
