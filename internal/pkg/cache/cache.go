package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BillFox/internal/pkg/config"
)

var client *redis.Client

// ErrNoClient is returned by the helpers before SetupCache or SetClient ran.
var ErrNoClient = errors.New("cache client not configured")

// SetupCache connects to Redis. A failed ping is only logged: ingestion keeps
// working, retries and distributed locks degrade until Redis is back.
func SetupCache(cfg *config.Config) *redis.Client {
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.CacheHost, cfg.CachePort),
		Password: cfg.CachePassword,
		DB:       cfg.CacheDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", client.Options().Addr, err)
	} else {
		log.Infof("[Cache] Connected to Redis: %s", pong)
	}
	return client
}

// SetClient replaces the shared client, used by tests and tools.
func SetClient(c *redis.Client) {
	client = c
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	return client
}

// Set stores a value in the cache with an expiration time
func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if client == nil {
		return ErrNoClient
	}
	return client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key. A missing key is redis.Nil.
func Get(ctx context.Context, key string) (string, error) {
	if client == nil {
		return "", ErrNoClient
	}
	return client.Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(ctx context.Context, key string) error {
	if client == nil {
		return ErrNoClient
	}
	return client.Del(ctx, key).Err()
}
