package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"worldgate/internal/identity/models"
	"worldgate/pkg/platform/sentinel"
)

const profileKeyPrefix = "worldgate:profile:"

// RedisCache is a Redis-backed ProfileCache shared by every server instance.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client; the client lifecycle is managed by the caller.
func NewRedis(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.UserProfile, error) {
	raw, err := c.client.Get(ctx, profileKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached profile: %w: %w", sentinel.ErrUnavailable, err)
	}
	var profile models.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode cached profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("cached profile: %w", err)
	}
	return &profile, nil
}

// Set stores the profile with SET EX so expiry is atomic with the write.
func (c *RedisCache) Set(ctx context.Context, key string, profile *models.UserProfile, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive: %w", sentinel.ErrInvalidState)
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := c.client.Set(ctx, profileKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set cached profile: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, profileKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete cached profile: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
