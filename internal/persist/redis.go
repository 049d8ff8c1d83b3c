package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the pointer key.
const DefaultRedisPrefix = "onboard:"

// Redis stores the pointer under <prefix>onboarding_session_id.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisClient(client, prefix), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, key: prefix + SessionKey}
}

// Key returns the redis key holding the pointer.
func (r *Redis) Key() string {
	return r.key
}

func (r *Redis) Load(ctx context.Context) (string, error) {
	id, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get session pointer: %w", err)
	}
	return id, nil
}

// Save stores id without expiry; the pointer lives until Delete.
func (r *Redis) Save(ctx context.Context, id string) error {
	if err := r.client.Set(ctx, r.key, id, 0).Err(); err != nil {
		return fmt.Errorf("set session pointer: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("delete session pointer: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
