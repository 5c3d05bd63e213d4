// Package security manages per-guild security bootstrap state: the lazily
// created GuildSecurityConfig, its protected role list, and the cache that
// keeps permission checks from hitting the store on every interaction.
package security

import (
	"context"
	"sync"

	"github.com/guildtools/guildgate/pkg/store"
)

// Cache holds guild security configs between store reads. Implementations
// return cached values by reference; mutation goes through the Service,
// which overwrites the entry synchronously after every successful write, so
// readers never observe pre-write state once the write returns.
type Cache interface {
	Get(ctx context.Context, guildID string) (*store.GuildSecurityConfig, bool)
	Set(ctx context.Context, guildID string, cfg *store.GuildSecurityConfig)
	Delete(ctx context.Context, guildID string)
	Name() string
}

// MemoryCache is the process-local cache. Entries have no TTL; they live
// until overwritten, deleted or the process exits. Other processes do not
// see writes made here — multi-process deployments should use RedisCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*store.GuildSecurityConfig
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*store.GuildSecurityConfig)}
}

func (c *MemoryCache) Get(ctx context.Context, guildID string) (*store.GuildSecurityConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.entries[guildID]
	return cfg, ok
}

func (c *MemoryCache) Set(ctx context.Context, guildID string, cfg *store.GuildSecurityConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[guildID] = cfg
}

func (c *MemoryCache) Delete(ctx context.Context, guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, guildID)
}

func (c *MemoryCache) Name() string { return "memory" }
