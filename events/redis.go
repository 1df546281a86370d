package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"

	"github.com/dubu/turbo-nfc/bridge"
)

const DefaultRedisChannel = "turbo-nfc:events"

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Source   string
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	source  string
}

// NewRedisSink connects to Redis and verifies the connection with PING.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisSink{client: client, channel: cfg.Channel, source: cfg.Source}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, ev bridge.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(ev, s.source)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return s.client.Publish(s.channel, payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
