package sharedcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirparams/internal/params"
)

var _ params.SharedCache = (*Cache)(nil)

func setupTestCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Cache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, New(client, ttl)
}

func TestCache_PublishThenLookup(t *testing.T) {
	_, cache := setupTestCache(t, 0)
	ctx := context.Background()

	err := cache.Publish(ctx, params.KindCodeSystem, map[string]int64{
		"http://loinc.org":       11,
		"http://snomed.info/sct": 12,
	})
	require.NoError(t, err)

	found, err := cache.Lookup(ctx, params.KindCodeSystem, []string{"http://loinc.org", "urn:unknown", "http://snomed.info/sct"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"http://loinc.org": 11, "http://snomed.info/sct": 12}, found)
}

func TestCache_KindsAreSeparate(t *testing.T) {
	_, cache := setupTestCache(t, 0)
	ctx := context.Background()

	require.NoError(t, cache.Publish(ctx, params.KindParameterName, map[string]int64{"code": 5}))

	found, err := cache.Lookup(ctx, params.KindCodeSystem, []string{"code"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCache_TTL(t *testing.T) {
	mr, cache := setupTestCache(t, time.Minute)
	ctx := context.Background()

	key := params.CommonTokenValueKey{System: "http://loinc.org", TokenValue: "1234-5"}.String()
	require.NoError(t, cache.Publish(ctx, params.KindCommonTokenValue, map[string]int64{key: 99}))

	assert.Equal(t, time.Minute, mr.TTL(defaultPrefix+string(params.KindCommonTokenValue)+":"+key))

	mr.FastForward(2 * time.Minute)
	found, err := cache.Lookup(ctx, params.KindCommonTokenValue, []string{key})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCache_IgnoresGarbage(t *testing.T) {
	mr, cache := setupTestCache(t, 0)
	require.NoError(t, mr.Set(defaultPrefix+string(params.KindCodeSystem)+":bad", "not-a-number"))

	found, err := cache.Lookup(context.Background(), params.KindCodeSystem, []string{"bad"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCache_EmptyInputs(t *testing.T) {
	_, cache := setupTestCache(t, 0)
	ctx := context.Background()

	found, err := cache.Lookup(ctx, params.KindCodeSystem, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.NoError(t, cache.Publish(ctx, params.KindCodeSystem, nil))
}

func TestCache_LookupFailsWhenRedisDown(t *testing.T) {
	mr, cache := setupTestCache(t, 0)
	mr.Close()

	_, err := cache.Lookup(context.Background(), params.KindCodeSystem, []string{"x"})
	assert.Error(t, err)
}
