package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/store"
)

const redisKeyPrefix = "guildgate:security:"

// RedisCache shares guild security configs across processes. Cache failures
// degrade to misses, never to errors: a broken Redis only costs store reads.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *observability.Logger
}

// NewRedisCache connects to Redis and verifies the connection. A ttl of zero
// keeps entries until they are overwritten or deleted, matching the
// in-process cache semantics.
func NewRedisCache(addr, password string, db int, ttl time.Duration, log *observability.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl, log: log}, nil
}

func (c *RedisCache) Get(ctx context.Context, guildID string) (*store.GuildSecurityConfig, bool) {
	cached, err := c.client.Get(ctx, redisKeyPrefix+guildID).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).WithField("guild_id", guildID).Warn("Redis security cache read failed")
		return nil, false
	}

	var cfg store.GuildSecurityConfig
	if err := json.Unmarshal([]byte(cached), &cfg); err != nil {
		c.log.WithError(err).WithField("guild_id", guildID).Warn("Discarding corrupt security cache entry")
		c.client.Del(ctx, redisKeyPrefix+guildID)
		return nil, false
	}
	return &cfg, true
}

func (c *RedisCache) Set(ctx context.Context, guildID string, cfg *store.GuildSecurityConfig) {
	data, err := json.Marshal(cfg)
	if err != nil {
		c.log.WithError(err).WithField("guild_id", guildID).Warn("Failed to encode security config for cache")
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+guildID, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("guild_id", guildID).Warn("Redis security cache write failed")
	}
}

func (c *RedisCache) Delete(ctx context.Context, guildID string) {
	if err := c.client.Del(ctx, redisKeyPrefix+guildID).Err(); err != nil {
		c.log.WithError(err).WithField("guild_id", guildID).Warn("Redis security cache delete failed")
	}
}

func (c *RedisCache) Name() string { return "redis" }

// Ping reports Redis connectivity, for readiness probes.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
