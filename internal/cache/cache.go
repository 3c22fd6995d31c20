package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/pkg/models"
	"github.com/redis/go-redis/v9"
)

// JobStatusEntry is the cached status of a job together with its owner, so
// reads can be authorized without touching the store.
type JobStatusEntry struct {
	OwnerID uuid.UUID        `json:"owner_id"`
	Status  models.JobStatus `json:"status"`
}

// Cache is the Redis-backed fast path for job status reads and the API rate
// limiter. Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error)
	DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements Cache using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection so the Redis queue can share it.
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, JobStatusKey(jobID), val, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobStatusEntry{}, false, nil
	}
	if err != nil {
		return JobStatusEntry{}, false, err
	}
	var entry JobStatusEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		// Unreadable entries are treated as misses.
		return JobStatusEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobStatusKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
