// Package store defines the persistence contract for guildgate's records and
// the update documents backends apply. Concrete backends live in the memory,
// mongo and postgres subpackages.
package store

import (
	"context"
	"time"
)

// FeaturePermissionUpdate is a merge document: nil fields leave the stored
// value unchanged, set fields overwrite it.
type FeaturePermissionUpdate struct {
	AllowedRoles *[]string
	DeniedRoles  *[]string
	UpdatedBy    *string
}

// GuildSecurityUpdate is a merge document for guild security state.
type GuildSecurityUpdate struct {
	ProtectedRoleIDs *[]string
	Initialized      *bool
}

// AuditQuery filters ListAudits. Zero values mean "no filter"; results are
// returned newest first.
type AuditQuery struct {
	GuildID string
	Before  time.Time
	Limit   int
}

// Store is the persistence boundary. Lookups return (nil, nil) for absent
// records; absence is configuration, not an error. Upserts create missing
// records, apply the merge document, bump UpdatedAt and return the post-write
// state.
type Store interface {
	FeaturePermission(ctx context.Context, guildID, featureKey string) (*FeaturePermission, error)
	UpsertFeaturePermission(ctx context.Context, guildID, featureKey string, u FeaturePermissionUpdate) (*FeaturePermission, error)
	DeleteFeaturePermission(ctx context.Context, guildID, featureKey string) error
	ListFeaturePermissions(ctx context.Context, guildID string) ([]FeaturePermission, error)

	AppendAudit(ctx context.Context, entry *FeaturePermissionAudit) error
	ListAudits(ctx context.Context, q AuditQuery) ([]FeaturePermissionAudit, error)
	PurgeAudits(ctx context.Context, before time.Time) (int64, error)

	GuildSecurity(ctx context.Context, guildID string) (*GuildSecurityConfig, error)
	UpsertGuildSecurity(ctx context.Context, guildID string, u GuildSecurityUpdate) (*GuildSecurityConfig, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// String returns a pointer to v, for building merge documents.
func String(v string) *string { return &v }

// Bool returns a pointer to v, for building merge documents.
func Bool(v bool) *bool { return &v }

// StringSlice returns a pointer to v, for building merge documents.
func StringSlice(v []string) *[]string { return &v }
