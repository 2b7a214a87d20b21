// Package cache holds Redis-backed helpers for the inbound path.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memohai/concierge/internal/config"
)

const dedupKeyPrefix = "concierge:inbound:"

// NewClient opens a Redis client for cfg and verifies connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisDeduper suppresses provider redeliveries of the same inbound message.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func dedupKey(channel, providerMessageID string) string {
	return dedupKeyPrefix + channel + ":" + providerMessageID
}

// Claim marks the message as seen and reports whether this caller is the
// first to see it within the TTL.
func (d *RedisDeduper) Claim(ctx context.Context, channel, providerMessageID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupKey(channel, providerMessageID), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim inbound message: %w", err)
	}
	return ok, nil
}

// Release forgets a claim so a provider retry is processed again.
func (d *RedisDeduper) Release(ctx context.Context, channel, providerMessageID string) error {
	return d.rdb.Del(ctx, dedupKey(channel, providerMessageID)).Err()
}
