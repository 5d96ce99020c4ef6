package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tillcore/backend/internal/domain"
)

type RedisCurrencyCache struct {
	client *redis.Client
}

func NewRedisCurrencyCache(addr string, password string, db int) *RedisCurrencyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCurrencyCache{client: client}
}

func (c *RedisCurrencyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCurrencyCache) Close() error {
	return c.client.Close()
}

func (c *RedisCurrencyCache) Get(ctx context.Context, key string) ([]domain.Currency, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var currencies []domain.Currency
	if err := json.Unmarshal(val, &currencies); err != nil {
		return nil, false, err
	}
	return currencies, true, nil
}

func (c *RedisCurrencyCache) Set(ctx context.Context, key string, value []domain.Currency, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisCurrencyCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
