// Package hints remembers which retrieval strategy last produced a document's
// bytes so the next fetch can try it first.
package hints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 7 * 24 * time.Hour

// RedisStore keeps one strategy label per storage public id.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects and pings before returning.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "doc-location:", ttl: defaultTTL}
}

func (s *RedisStore) key(publicID string) string {
	return s.prefix + publicID
}

// Lookup returns the remembered strategy, or "" when there is none.
func (s *RedisStore) Lookup(ctx context.Context, publicID string) (string, error) {
	strategy, err := s.client.Get(ctx, s.key(publicID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup location hint: %w", err)
	}
	return strategy, nil
}

func (s *RedisStore) Remember(ctx context.Context, publicID, strategy string) error {
	if err := s.client.Set(ctx, s.key(publicID), strategy, s.ttl).Err(); err != nil {
		return fmt.Errorf("save location hint: %w", err)
	}
	return nil
}

// Forget drops the hint once the object itself is deleted.
func (s *RedisStore) Forget(ctx context.Context, publicID string) error {
	if err := s.client.Del(ctx, s.key(publicID)).Err(); err != nil {
		return fmt.Errorf("forget location hint: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
