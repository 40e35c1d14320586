// Package redisbackend implements statestore.Backend on top of Redis,
// grounded on the teacher's registry.ResultStreamManager (Redis client
// injection, TTL-bearing keys, options struct with sane defaults). It
// supplies the durable half of the two-tier state store: plain keys for
// records and results, a set for the active-workflow-id index, and a
// sorted set scored by completion-time nanoseconds for the completed
// index, matching the layout spec §6 describes.
package redisbackend

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend adapts a *redis.Client to statestore.Backend.
type Backend struct {
	client *redis.Client
}

// New constructs a Backend over client. client must not be nil.
func New(client *redis.Client) *Backend {
	if client == nil {
		panic("redisbackend: client must not be nil")
	}
	return &Backend{client: client}
}

// Put stores value under key with an optional TTL (ttl <= 0 means no expiry).
func (b *Backend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves key's value. ok is false if the key does not exist.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Delete removes key, if present.
func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// SetAdd adds member to the set at key.
func (b *Backend) SetAdd(ctx context.Context, key, member string) error {
	return b.client.SAdd(ctx, key, member).Err()
}

// SetRem removes member from the set at key.
func (b *Backend) SetRem(ctx context.Context, key, member string) error {
	return b.client.SRem(ctx, key, member).Err()
}

// SetMembers returns every member of the set at key.
func (b *Backend) SetMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}

// ZAdd adds member to the sorted set at key with the given score.
func (b *Backend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes member from the sorted set at key.
func (b *Backend) ZRem(ctx context.Context, key, member string) error {
	return b.client.ZRem(ctx, key, member).Err()
}

// ZRange returns members of the sorted set at key between start and stop
// (inclusive, 0-indexed, ascending by score), following redis ZRANGE
// semantics including negative indices.
func (b *Backend) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.ZRange(ctx, key, start, stop).Result()
}

// Expire sets key's TTL.
func (b *Backend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}
