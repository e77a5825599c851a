// Package cache owns the shared Redis client used by the ledger, the queue
// and the rate limiter.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BotFox/internal/pkg/env"
)

const pingTimeout = 3 * time.Second

var client *redis.Client

// SetupCache initializes the connection to the Redis/Dragonfly server
func SetupCache() {
	db, err := strconv.Atoi(env.GetEnv("CACHE_DB", "0"))
	if err != nil {
		db = 0
	}

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       db,
		PoolSize: env.GetInt("CACHE_POOL_SIZE", 20),
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache server: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to cache server: %s", pong)
	}
}

// SetClient replaces the shared client, used by tests and alternative bootstraps
func SetClient(c *redis.Client) {
	client = c
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the shared client
func Close() {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.Warnf("[Cache] Failed to close client: %v", err)
	}
	client = nil
}
