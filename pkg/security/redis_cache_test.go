package security

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/store"
)

func setupRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	cache, err := NewRedisCache(mr.Addr(), "", 0, ttl, log)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return cache, mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache, _ := setupRedisCache(t, 0)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "g1")
	assert.False(t, ok)

	cfg := &store.GuildSecurityConfig{
		GuildID:          "g1",
		ProtectedRoleIDs: []string{"r1", "r2"},
		Initialized:      true,
	}
	cache.Set(ctx, "g1", cfg)

	got, ok := cache.Get(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, cfg.GuildID, got.GuildID)
	assert.Equal(t, cfg.ProtectedRoleIDs, got.ProtectedRoleIDs)
	assert.True(t, got.Initialized)

	cache.Delete(ctx, "g1")
	_, ok = cache.Get(ctx, "g1")
	assert.False(t, ok)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	cache, mr := setupRedisCache(t, 30*time.Second)
	ctx := context.Background()

	cache.Set(ctx, "g1", &store.GuildSecurityConfig{GuildID: "g1"})
	_, ok := cache.Get(ctx, "g1")
	require.True(t, ok)

	mr.FastForward(31 * time.Second)
	_, ok = cache.Get(ctx, "g1")
	assert.False(t, ok)
}

func TestRedisCacheCorruptEntryIsDiscarded(t *testing.T) {
	cache, mr := setupRedisCache(t, 0)
	ctx := context.Background()

	require.NoError(t, mr.Set(redisKeyPrefix+"g1", "{not json"))

	_, ok := cache.Get(ctx, "g1")
	assert.False(t, ok)

	// The corrupt key was deleted, not left to fail every read.
	assert.False(t, mr.Exists(redisKeyPrefix+"g1"))
}

func TestRedisCacheDownDegradesToMiss(t *testing.T) {
	cache, mr := setupRedisCache(t, 0)
	ctx := context.Background()

	cache.Set(ctx, "g1", &store.GuildSecurityConfig{GuildID: "g1"})
	mr.Close()

	_, ok := cache.Get(ctx, "g1")
	assert.False(t, ok, "a broken cache is a miss, never an error")

	// Writes are also swallowed.
	cache.Set(ctx, "g2", &store.GuildSecurityConfig{GuildID: "g2"})
	cache.Delete(ctx, "g1")
}

func TestRedisCachePing(t *testing.T) {
	cache, mr := setupRedisCache(t, 0)

	require.NoError(t, cache.Ping(context.Background()))
	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	_, err := NewRedisCache("127.0.0.1:1", "", 0, 0, log)
	assert.Error(t, err)
}
