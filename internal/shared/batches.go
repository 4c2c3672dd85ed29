package shared

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// BatchCache is the redis fast path in front of the idempotency store. It
// answers "has this batch id been applied, and to which order" without a
// database round trip. A nil cache or client always misses.
type BatchCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBatchCache builds a BatchCache remembering batches for ttl.
func NewBatchCache(client *redis.Client, ttl time.Duration) *BatchCache {
	return &BatchCache{client: client, ttl: ttl}
}

// Lookup returns the order id a batch produced, or "" when unknown.
func (c *BatchCache) Lookup(ctx context.Context, batchID string) (string, error) {
	if c == nil || c.client == nil || batchID == "" {
		return "", nil
	}
	orderID, err := c.client.Get(ctx, BatchKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// Remember records that batchID was applied to orderID.
func (c *BatchCache) Remember(ctx context.Context, batchID, orderID string) error {
	if c == nil || c.client == nil || batchID == "" {
		return nil
	}
	return c.client.Set(ctx, BatchKey(batchID), orderID, c.ttl).Err()
}

// Claim marks key with SETNX semantics and reports whether this caller won.
func (c *BatchCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c == nil || c.client == nil {
		return true, nil
	}
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

// Release drops claimed keys so the next claim for them succeeds.
func (c *BatchCache) Release(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
