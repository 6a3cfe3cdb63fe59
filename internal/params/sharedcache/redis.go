// Package sharedcache shares committed dictionary ids between loader
// processes through Redis. Only ids from committed transactions are ever
// published, so any hit is safe to use without a database round trip.
package sharedcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ehr/fhirparams/internal/params"
)

const defaultPrefix = "fhirparams:"

// Cache implements params.SharedCache on a Redis client.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// New wraps client. A zero ttl keeps entries until evicted.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (c *Cache) key(kind params.ValueKind, key string) string {
	return c.prefix + string(kind) + ":" + key
}

// Lookup returns the ids found for keys. Missing keys are absent from the map.
func (c *Cache) Lookup(ctx context.Context, kind params.ValueKind, keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = c.key(kind, k)
	}
	vals, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s: %w", kind, err)
	}

	found := make(map[string]int64)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		found[keys[i]] = id
	}
	return found, nil
}

// Publish stores committed ids in one pipeline.
func (c *Cache) Publish(ctx context.Context, kind params.ValueKind, ids map[string]int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, id := range ids {
			pipe.Set(ctx, c.key(kind, k), strconv.FormatInt(id, 10), c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
