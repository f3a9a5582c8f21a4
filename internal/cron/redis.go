package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// RedisClient оборачивает go-redis и даёт только операции, нужные блокировке.
type RedisClient struct {
	store cmdable
	raw   *redis.Client
}

// NewRedisClient подключается к Redis по URL и проверяет соединение.
func NewRedisClient(ctx context.Context, rawURL string) (*RedisClient, error) {
	if rawURL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisClient{store: raw, raw: raw}, nil
}

// Get возвращает значение ключа.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return c.store.Get(ctx, key).Result()
}

// SetNX записывает значение, только если ключа ещё нет.
func (c *RedisClient) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

// Del удаляет ключи.
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.store.Del(ctx, keys...).Err()
}

// Close закрывает соединение.
func (c *RedisClient) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}
