package security

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/guildtools/guildgate/pkg/store"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, ok := c.Get(ctx, "g1")
	assert.False(t, ok)

	cfg := &store.GuildSecurityConfig{GuildID: "g1", ProtectedRoleIDs: []string{"r1"}}
	c.Set(ctx, "g1", cfg)

	got, ok := c.Get(ctx, "g1")
	assert.True(t, ok)
	assert.Equal(t, cfg, got)

	c.Delete(ctx, "g1")
	_, ok = c.Get(ctx, "g1")
	assert.False(t, ok)
}

func TestMemoryCacheOverwrite(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "g1", &store.GuildSecurityConfig{GuildID: "g1", Initialized: false})
	c.Set(ctx, "g1", &store.GuildSecurityConfig{GuildID: "g1", Initialized: true})

	got, ok := c.Get(ctx, "g1")
	assert.True(t, ok)
	assert.True(t, got.Initialized)
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Set(ctx, "g1", &store.GuildSecurityConfig{GuildID: "g1"})
			c.Get(ctx, "g1")
			c.Delete(ctx, "g2")
		}()
	}
	wg.Wait()
}
