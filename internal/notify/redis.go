package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes messages on Redis Pub/Sub channels named
// prefix + topic, for consumers outside this process.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher. An empty prefix defaults to "sim:".
func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "sim:"
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the Pub/Sub channel for topic.
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

// Publish sends the encoded message on the topic's channel.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(topic, payload)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.Channel(topic), data).Err(); err != nil {
		return unavailable("redis", err)
	}
	return nil
}
