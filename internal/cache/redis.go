package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefix for cached searches
const searchKeyPrefix = "search:"

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache client
func NewRedisCache(addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) GetSearch(ctx context.Context, key string) (*SearchEntry, error) {
	data, err := c.client.Get(ctx, searchKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry SearchEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RedisCache) SetSearch(ctx context.Context, key string, entry *SearchEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, searchKeyPrefix+key, data, ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, searchKeyPrefix+"*", 0).Iterator()

	pipe := c.client.Pipeline()
	count := 0
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
		count++
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if count > 0 {
		_, err := pipe.Exec(ctx)
		return err
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
