package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"bookrequest/searchservice/internal/domain"
)

const redisCachePrefix = "booksearch:cache:"

// RedisCacheBackend stores snapshot lists in Redis with JSON serialization,
// letting cache entries survive process restarts. Snapshots stay detached:
// rehydration against the store still happens on every hit.
type RedisCacheBackend struct {
	client *redis.Client
}

func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func redisCacheKey(key CacheKey) string {
	return redisCachePrefix + key.Region + ":" + key.Query
}

func (r *RedisCacheBackend) Get(ctx context.Context, key CacheKey) ([]domain.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, redisCacheKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	var snapshots []domain.Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, false, err
	}
	return snapshots, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key CacheKey, snapshots []domain.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCacheKey(key), data, ttl).Err()
}

func (r *RedisCacheBackend) Delete(ctx context.Context, key CacheKey) error {
	return r.client.Del(ctx, redisCacheKey(key)).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
