package correction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"soundspeed/pkg/domain"
)

// Tier is a shared cache consulted after the in-process cache misses.
type Tier interface {
	Get(ctx context.Context, key string) (*domain.Correction, bool, error)
	Set(ctx context.Context, key string, c *domain.Correction) error
	Invalidate(ctx context.Context, profileID string) error
}

// DefaultRedisTTL bounds how long a shared correction lives.
const DefaultRedisTTL = 24 * time.Hour

const redisPrefix = "soundspeed:correction:"

// RedisTier stores corrections as JSON in Redis so several processes share
// one computation per key.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTier connects to addr and verifies the connection.
func NewRedisTier(ctx context.Context, addr, password string, db int) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisTier{client: client, ttl: DefaultRedisTTL}, nil
}

// NewRedisTierFromClient wraps an existing client.
func NewRedisTierFromClient(client *redis.Client, ttl time.Duration) *RedisTier {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisTier{client: client, ttl: ttl}
}

// redisKey keeps the profile id first so a profile's keys share a prefix.
func redisKey(key string) string { return redisPrefix + key }

// Get implements Tier.
func (t *RedisTier) Get(ctx context.Context, key string) (*domain.Correction, bool, error) {
	raw, err := t.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var c domain.Correction
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, fmt.Errorf("decode shared correction: %w", err)
	}
	return &c, true, nil
}

// Set implements Tier.
func (t *RedisTier) Set(ctx context.Context, key string, c *domain.Correction) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, redisKey(key), raw, t.ttl).Err()
}

// Invalidate implements Tier by deleting every key of the profile.
func (t *RedisTier) Invalidate(ctx context.Context, profileID string) error {
	iter := t.client.Scan(ctx, 0, redisPrefix+profileID+"|*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return t.client.Del(ctx, keys...).Err()
}

// Close releases the client.
func (t *RedisTier) Close() error { return t.client.Close() }
