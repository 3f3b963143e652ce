package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"lora-trainer/internal/config"
)

// RedisStore caches uploaded image URLs keyed by content digest
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ttl: ttl}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get returns the cached URL for digest
func (s *RedisStore) Get(ctx context.Context, digest string) (string, bool, error) {
	url, err := s.client.Get(ctx, s.prefix+digest).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read upload cache: %w", err)
	}
	return url, true, nil
}

// Put stores the URL for digest; a zero ttl keeps it forever
func (s *RedisStore) Put(ctx context.Context, digest, url string) error {
	if err := s.client.Set(ctx, s.prefix+digest, url, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write upload cache: %w", err)
	}
	return nil
}
