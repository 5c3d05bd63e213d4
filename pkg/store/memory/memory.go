// Package memory implements store.Store with in-process maps. It backs
// tests, the worked example and the explicit "memory" backend for
// single-process deployments that can tolerate losing configuration on
// restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guildtools/guildgate/pkg/store"
)

// Store is a mutex-guarded in-memory store.Store. All values are copied on
// the way in and out, so callers can never alias internal state.
type Store struct {
	mu       sync.RWMutex
	perms    map[string]map[string]*store.FeaturePermission
	audits   []*store.FeaturePermissionAudit
	security map[string]*store.GuildSecurityConfig
}

// New returns an empty store.
func New() *Store {
	return &Store{
		perms:    make(map[string]map[string]*store.FeaturePermission),
		security: make(map[string]*store.GuildSecurityConfig),
	}
}

func (s *Store) FeaturePermission(ctx context.Context, guildID, featureKey string) (*store.FeaturePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perms[guildID][featureKey].Clone(), nil
}

func (s *Store) UpsertFeaturePermission(ctx context.Context, guildID, featureKey string, u store.FeaturePermissionUpdate) (*store.FeaturePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.perms[guildID]
	if byKey == nil {
		byKey = make(map[string]*store.FeaturePermission)
		s.perms[guildID] = byKey
	}

	now := time.Now().UTC()
	cur := byKey[featureKey]
	if cur == nil {
		cur = &store.FeaturePermission{
			GuildID:      guildID,
			FeatureKey:   featureKey,
			AllowedRoles: []string{},
			DeniedRoles:  []string{},
			CreatedAt:    now,
		}
		byKey[featureKey] = cur
	}
	if u.AllowedRoles != nil {
		cur.AllowedRoles = append([]string(nil), *u.AllowedRoles...)
	}
	if u.DeniedRoles != nil {
		cur.DeniedRoles = append([]string(nil), *u.DeniedRoles...)
	}
	if u.UpdatedBy != nil {
		cur.UpdatedBy = *u.UpdatedBy
	}
	cur.UpdatedAt = now

	return cur.Clone(), nil
}

func (s *Store) DeleteFeaturePermission(ctx context.Context, guildID, featureKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms[guildID], featureKey)
	return nil
}

func (s *Store) ListFeaturePermissions(ctx context.Context, guildID string) ([]store.FeaturePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := s.perms[guildID]
	out := make([]store.FeaturePermission, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *store.FeaturePermissionAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.OldDoc = entry.OldDoc.Clone()
	cp.NewDoc = entry.NewDoc.Clone()
	if cp.At.IsZero() {
		cp.At = time.Now().UTC()
	}
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *Store) ListAudits(ctx context.Context, q store.AuditQuery) ([]store.FeaturePermissionAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.FeaturePermissionAudit
	for _, a := range s.audits {
		if q.GuildID != "" && a.GuildID != q.GuildID {
			continue
		}
		if !q.Before.IsZero() && !a.At.Before(q.Before) {
			continue
		}
		cp := *a
		cp.OldDoc = a.OldDoc.Clone()
		cp.NewDoc = a.NewDoc.Clone()
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) PurgeAudits(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audits[:0]
	var purged int64
	for _, a := range s.audits {
		if a.At.Before(before) {
			purged++
			continue
		}
		kept = append(kept, a)
	}
	s.audits = kept
	return purged, nil
}

func (s *Store) GuildSecurity(ctx context.Context, guildID string) (*store.GuildSecurityConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.security[guildID].Clone(), nil
}

func (s *Store) UpsertGuildSecurity(ctx context.Context, guildID string, u store.GuildSecurityUpdate) (*store.GuildSecurityConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cur := s.security[guildID]
	if cur == nil {
		cur = &store.GuildSecurityConfig{
			GuildID:          guildID,
			ProtectedRoleIDs: []string{},
			CreatedAt:        now,
		}
		s.security[guildID] = cur
	}
	if u.ProtectedRoleIDs != nil {
		cur.ProtectedRoleIDs = append([]string(nil), *u.ProtectedRoleIDs...)
	}
	if u.Initialized != nil {
		cur.Initialized = *u.Initialized
	}
	cur.UpdatedAt = now

	return cur.Clone(), nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }
