package quotastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "watchtower:quota"

// RedisStore keeps per-provider call counters in Redis, one key per daily
// window. Keys expire when their window closes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect opens a client for addr and verifies it answers PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Used(ctx context.Context, provider string, windowStart time.Time) (int, error) {
	n, err := s.client.Get(ctx, usageKey(provider, windowStart)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, provider string, windowStart, windowReset time.Time) error {
	key := usageKey(provider, windowStart)

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, windowReset)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record quota usage: %w", err)
	}
	return nil
}

func usageKey(provider string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, provider, windowStart.UTC().Format("2006-01-02T15"))
}
