package numbering

import (
	"context"
	"fmt"
	"time"

	goRedis "github.com/redis/go-redis/v9"

	"agreementflow/config"
)

// NewRedisClient parses cfg.URL and pings the server.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*goRedis.Client, error) {
	opts, err := goRedis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("numbering: parse redis url: %w", err)
	}

	client := goRedis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("numbering: ping redis: %w", err)
	}
	return client, nil
}

// RedisRegistry reserves numbers with SETNX. Reservations never expire.
type RedisRegistry struct {
	client goRedis.Cmdable
	prefix string
}

// NewRedisRegistry wires a registry over client.
func NewRedisRegistry(client goRedis.Cmdable, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "agreement-number:"
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

// Reserve claims number, reporting false if another agreement already holds it.
func (r *RedisRegistry) Reserve(ctx context.Context, number string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+number, time.Now().UTC().Format(time.RFC3339), 0).Result()
	if err != nil {
		return false, fmt.Errorf("numbering: reserve %s: %w", number, err)
	}
	return ok, nil
}
