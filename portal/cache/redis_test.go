package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/cache"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/assert"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use different DB for tests
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	assert.NoError(t, client.FlushDB(ctx).Err())

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisCacheRoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	c := cache.NewRedisCacheFromClient(client, time.Minute)
	ctx := context.Background()

	_, ok, err := c.GetTokenInfo(ctx, "terra2")
	assert.NoError(t, err)
	assert.False(t, ok)

	want := models.TokenInfo{Name: "Foo", Symbol: "FOO", Decimals: 5, TotalSupply: "100000000"}
	assert.NoError(t, c.SetTokenInfo(ctx, "terra2", want))

	got, ok, err := c.GetTokenInfo(ctx, "terra2")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, got, want)

	ttl, err := client.TTL(ctx, "lbp:token_info:terra2").Result()
	assert.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)
}

func TestRedisCacheCorruptEntryIsMiss(t *testing.T) {
	client := setupTestRedis(t)
	c := cache.NewRedisCacheFromClient(client, 0)
	ctx := context.Background()

	assert.NoError(t, client.Set(ctx, "lbp:token_info:bad", "{not json", 0).Err())

	_, ok, err := c.GetTokenInfo(ctx, "bad")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	_, err := cache.NewRedisCache(context.Background(), "http://not-redis", time.Minute)
	assert.Error(t, err)
}
