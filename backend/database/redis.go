// Package database connects to Redis. Scope is deliberately narrow:
// it backs the rate limiter's counters (see ratelimit), never live
// room or game state - spec.md rules out persisting room state across
// a process restart, and the rate limiter is the one ambient concern
// that legitimately wants a shared, durable counter store.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var ctx = context.Background()

// InitRedis connects to Redis and verifies the connection with a ping.
// Returns (nil, nil) when addr is empty so callers can run the rate
// limiter against an in-process memory store instead.
func InitRedis(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		log.Println("⚠️ REDIS_ADDR not set, rate limiter will use an in-process store")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Println("✅ Redis connected (rate limiter store)")
	return client, nil
}
