package store

import "time"

// ChangeType classifies a feature-permission mutation in the audit trail.
type ChangeType string

const (
	ChangeAllow ChangeType = "allow"
	ChangeDeny  ChangeType = "deny"
	ChangeClear ChangeType = "clear"
	ChangeReset ChangeType = "reset"
)

// FeaturePermission is the per-guild role configuration for one feature key.
// Absence of a record means the feature is open to everyone who passes the
// earlier pipeline layers. A role ID appears in at most one of the two lists;
// the mutation operations maintain that invariant.
type FeaturePermission struct {
	GuildID      string    `bson:"guild_id" json:"guild_id"`
	FeatureKey   string    `bson:"feature_key" json:"feature_key"`
	AllowedRoles []string  `bson:"allowed_roles" json:"allowed_roles"`
	DeniedRoles  []string  `bson:"denied_roles" json:"denied_roles"`
	UpdatedBy    string    `bson:"updated_by,omitempty" json:"updated_by,omitempty"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy.
func (p *FeaturePermission) Clone() *FeaturePermission {
	if p == nil {
		return nil
	}
	cp := *p
	cp.AllowedRoles = append([]string(nil), p.AllowedRoles...)
	cp.DeniedRoles = append([]string(nil), p.DeniedRoles...)
	return &cp
}

// FeaturePermissionAudit is one append-only entry in the permission change
// trail. RoleID is nil for reset entries; OldDoc/NewDoc are nil when the
// record did not exist before or after the change.
type FeaturePermissionAudit struct {
	GuildID    string             `bson:"guild_id" json:"guild_id"`
	FeatureKey string             `bson:"feature_key" json:"feature_key"`
	ChangedBy  string             `bson:"changed_by" json:"changed_by"`
	ChangeType ChangeType         `bson:"change_type" json:"change_type"`
	RoleID     *string            `bson:"role_id,omitempty" json:"role_id,omitempty"`
	OldDoc     *FeaturePermission `bson:"old_doc,omitempty" json:"old_doc,omitempty"`
	NewDoc     *FeaturePermission `bson:"new_doc,omitempty" json:"new_doc,omitempty"`
	At         time.Time          `bson:"at" json:"at"`
}

// GuildSecurityConfig is a guild's security bootstrap state. It is created
// lazily on first access with Initialized=false; only an explicit Finalize
// flips Initialized to true, and nothing flips it back.
type GuildSecurityConfig struct {
	GuildID          string    `bson:"guild_id" json:"guild_id"`
	ProtectedRoleIDs []string  `bson:"protected_role_ids" json:"protected_role_ids"`
	Initialized      bool      `bson:"initialized" json:"initialized"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy.
func (c *GuildSecurityConfig) Clone() *GuildSecurityConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ProtectedRoleIDs = append([]string(nil), c.ProtectedRoleIDs...)
	return &cp
}

// HasProtectedRole reports whether the role ID is in the protected list.
func (c *GuildSecurityConfig) HasProtectedRole(roleID string) bool {
	for _, id := range c.ProtectedRoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}
