package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/platform"
	"github.com/guildtools/guildgate/pkg/store"
)

// ErrLastProtectedRole is returned when removing a protected role would
// leave the guild with none.
var ErrLastProtectedRole = errors.New("cannot remove the last protected role")

// ErrRoleNotInGuild is returned when a protected-role mutation names a role
// the guild does not have.
var ErrRoleNotInGuild = errors.New("role not found in guild")

// Service owns guild security state: lazy bootstrap, the protected role
// list, the initialized flag and the cache in front of the store.
type Service struct {
	store   store.Store
	cache   Cache
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewService builds a Service. A nil cache falls back to a process-local
// MemoryCache.
func NewService(st store.Store, cache Cache, log *observability.Logger, metrics *observability.Metrics) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Service{store: st, cache: cache, log: log, metrics: metrics}
}

// DetectProtectedRoles returns the IDs of roles that grant Administrator or
// ManageGuild. These seed a guild's protected role list at bootstrap.
func DetectProtectedRoles(guild *platform.Guild) []string {
	elevated := guild.ElevatedRoles()
	ids := make([]string, 0, len(elevated))
	for _, r := range elevated {
		ids = append(ids, r.ID)
	}
	return ids
}

// GetOrBootstrap returns the guild's security config, creating it on first
// access. Store read failures propagate (callers fail closed); store write
// failures degrade to an unpersisted in-memory config so reads keep working,
// with a warning logged.
func (s *Service) GetOrBootstrap(ctx context.Context, guild *platform.Guild) (*store.GuildSecurityConfig, error) {
	if guild == nil || guild.ID == "" {
		return nil, errors.New("guild is required")
	}

	if cfg, ok := s.cache.Get(ctx, guild.ID); ok {
		s.metrics.SecurityCacheHitsTotal.WithLabelValues(s.cache.Name()).Inc()
		s.metrics.SecurityBootstrapsTotal.WithLabelValues("cached").Inc()
		return cfg, nil
	}
	s.metrics.SecurityCacheMissesTotal.WithLabelValues(s.cache.Name()).Inc()

	cfg, err := s.store.GuildSecurity(ctx, guild.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load guild security: %w", err)
	}
	if cfg != nil {
		s.metrics.SecurityBootstrapsTotal.WithLabelValues("loaded").Inc()
		s.cache.Set(ctx, guild.ID, cfg)
		return cfg, nil
	}

	detected := DetectProtectedRoles(guild)
	// Initialized is deliberately left out of the create document: a
	// concurrent Finalize must never be clobbered back to false.
	cfg, err = s.store.UpsertGuildSecurity(ctx, guild.ID, store.GuildSecurityUpdate{
		ProtectedRoleIDs: &detected,
	})
	if err != nil {
		s.log.WithError(err).WithField("guild_id", guild.ID).
			Warn("Failed to persist bootstrapped security config, serving unpersisted defaults")
		now := time.Now().UTC()
		cfg = &store.GuildSecurityConfig{
			GuildID:          guild.ID,
			ProtectedRoleIDs: detected,
			Initialized:      false,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.metrics.SecurityBootstrapsTotal.WithLabelValues("fallback").Inc()
	} else {
		s.metrics.SecurityBootstrapsTotal.WithLabelValues("created").Inc()
		s.log.WithFields(map[string]interface{}{
			"guild_id":        guild.ID,
			"protected_roles": len(detected),
		}).Info("Bootstrapped guild security config")
	}

	s.cache.Set(ctx, guild.ID, cfg)
	return cfg, nil
}

// Initialized reports whether the guild has completed security setup.
func (s *Service) Initialized(ctx context.Context, guild *platform.Guild) (bool, error) {
	cfg, err := s.GetOrBootstrap(ctx, guild)
	if err != nil {
		return false, err
	}
	return cfg.Initialized, nil
}

// IsProtectedMember reports whether the member is the guild owner or holds
// any protected role. Moderation handlers refuse to target protected
// members.
func (s *Service) IsProtectedMember(ctx context.Context, guild *platform.Guild, member *platform.Member) (bool, error) {
	if member == nil {
		return false, nil
	}
	if member.IsOwner(guild) {
		return true, nil
	}
	cfg, err := s.GetOrBootstrap(ctx, guild)
	if err != nil {
		return false, err
	}
	for _, roleID := range member.RoleIDs {
		if cfg.HasProtectedRole(roleID) {
			return true, nil
		}
	}
	return false, nil
}

// FilterProtectedRoles returns the subset of roles that are not protected,
// for bulk role operations that must not touch staff roles.
func (s *Service) FilterProtectedRoles(ctx context.Context, guild *platform.Guild, roles []platform.Role) ([]platform.Role, error) {
	cfg, err := s.GetOrBootstrap(ctx, guild)
	if err != nil {
		return nil, err
	}
	out := make([]platform.Role, 0, len(roles))
	for _, r := range roles {
		if !cfg.HasProtectedRole(r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Finalize marks the guild's security setup complete. It re-persists the
// current protected role list alongside the flag, which also heals a config
// that was serving in degraded (unpersisted) mode.
func (s *Service) Finalize(ctx context.Context, guild *platform.Guild, updatedBy string) (*store.GuildSecurityConfig, error) {
	cur, err := s.GetOrBootstrap(ctx, guild)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpsertGuildSecurity(ctx, guild.ID, store.GuildSecurityUpdate{
		ProtectedRoleIDs: &cur.ProtectedRoleIDs,
		Initialized:      store.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize guild security: %w", err)
	}

	s.cache.Set(ctx, guild.ID, updated)
	s.log.WithFields(map[string]interface{}{
		"guild_id":   guild.ID,
		"updated_by": updatedBy,
	}).Info("Guild security setup finalized")
	return updated, nil
}

// AddProtectedRole adds a role to the guild's protected list. Adding a role
// that is already protected is a no-op.
func (s *Service) AddProtectedRole(ctx context.Context, guild *platform.Guild, roleID string) (*store.GuildSecurityConfig, error) {
	if guild.Role(roleID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotInGuild, roleID)
	}

	cur, err := s.GetOrBootstrap(ctx, guild)
	if err != nil {
		return nil, err
	}
	if cur.HasProtectedRole(roleID) {
		return cur, nil
	}

	roles := append(append([]string(nil), cur.ProtectedRoleIDs...), roleID)
	updated, err := s.store.UpsertGuildSecurity(ctx, guild.ID, store.GuildSecurityUpdate{
		ProtectedRoleIDs: &roles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add protected role: %w", err)
	}

	s.cache.Set(ctx, guild.ID, updated)
	return updated, nil
}

// RemoveProtectedRole removes a role from the protected list. The last
// protected role cannot be removed; a guild with an empty list would leave
// its staff unprotected from its own moderation tooling.
func (s *Service) RemoveProtectedRole(ctx context.Context, guild *platform.Guild, roleID string) (*store.GuildSecurityConfig, error) {
	cur, err := s.GetOrBootstrap(ctx, guild)
	if err != nil {
		return nil, err
	}
	if !cur.HasProtectedRole(roleID) {
		return cur, nil
	}
	if len(cur.ProtectedRoleIDs) == 1 {
		return nil, ErrLastProtectedRole
	}

	roles := make([]string, 0, len(cur.ProtectedRoleIDs)-1)
	for _, id := range cur.ProtectedRoleIDs {
		if id != roleID {
			roles = append(roles, id)
		}
	}
	updated, err := s.store.UpsertGuildSecurity(ctx, guild.ID, store.GuildSecurityUpdate{
		ProtectedRoleIDs: &roles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove protected role: %w", err)
	}

	s.cache.Set(ctx, guild.ID, updated)
	return updated, nil
}

// Invalidate drops the cached config for a guild, forcing the next read
// through to the store. Deployments sharing a store across processes call
// this after out-of-band writes.
func (s *Service) Invalidate(ctx context.Context, guildID string) {
	s.cache.Delete(ctx, guildID)
}
