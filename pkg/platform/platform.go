// Package platform holds the chat-platform value types guildgate reasons
// about. The bot adapter translates its gateway objects (guilds, members,
// roles) into these before calling into the permission pipeline, which keeps
// the core free of any platform SDK dependency.
package platform

// Permissions is the resolved permission set of a role or member. Only the
// bits the authorization pipeline and its helpers consult are modeled.
type Permissions struct {
	Administrator   bool `json:"administrator"`
	ManageGuild     bool `json:"manage_guild"`
	BanMembers      bool `json:"ban_members"`
	KickMembers     bool `json:"kick_members"`
	ModerateMembers bool `json:"moderate_members"`
	ManageMessages  bool `json:"manage_messages"`
	ManageChannels  bool `json:"manage_channels"`
	ManageRoles     bool `json:"manage_roles"`
	ManageNicknames bool `json:"manage_nicknames"`
}

// Elevated reports whether the set grants guild-wide administrative power.
func (p Permissions) Elevated() bool {
	return p.Administrator || p.ManageGuild
}

// Role is a guild role. Position orders the role hierarchy; higher positions
// outrank lower ones.
type Role struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Position    int         `json:"position"`
	Managed     bool        `json:"managed"`
	Permissions Permissions `json:"permissions"`
}

// Guild is a community. Roles carries the full role list so lookups and
// hierarchy comparisons need no further platform round trips.
type Guild struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Roles   []Role `json:"roles"`
}

// Role returns the guild role with the given ID, or nil.
func (g *Guild) Role(id string) *Role {
	for i := range g.Roles {
		if g.Roles[i].ID == id {
			return &g.Roles[i]
		}
	}
	return nil
}

// ElevatedRoles returns the roles granting Administrator or ManageGuild.
// Security bootstrap uses this to seed a guild's protected role list.
func (g *Guild) ElevatedRoles() []Role {
	var out []Role
	for _, r := range g.Roles {
		if r.Permissions.Elevated() {
			out = append(out, r)
		}
	}
	return out
}

// Member is a guild member as seen at interaction time. Permissions is the
// member's guild-wide resolved set; the adapter computes it before handing
// the member to guildgate.
type Member struct {
	ID          string      `json:"id"`
	GuildID     string      `json:"guild_id"`
	RoleIDs     []string    `json:"role_ids"`
	Permissions Permissions `json:"permissions"`
}

// HasRole reports whether the member holds the given role.
func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// IsOwner reports whether the member owns the guild.
func (m *Member) IsOwner(g *Guild) bool {
	return g != nil && g.OwnerID != "" && g.OwnerID == m.ID
}

// TopRolePosition returns the highest role position the member holds, or -1
// when none of their roles resolve in the guild.
func (m *Member) TopRolePosition(g *Guild) int {
	top := -1
	for _, id := range m.RoleIDs {
		if r := g.Role(id); r != nil && r.Position > top {
			top = r.Position
		}
	}
	return top
}

// CanActOn is the role-hierarchy gate moderation handlers apply to their
// targets, typically inside a base check. The owner may act on anyone; nobody
// acts on the owner; administrators outrank non-administrators; otherwise the
// actor must hold a strictly higher top role than the target.
func CanActOn(g *Guild, actor, target *Member) bool {
	if g == nil || actor == nil || target == nil {
		return false
	}
	if actor.IsOwner(g) {
		return true
	}
	if target.IsOwner(g) {
		return false
	}
	if actor.Permissions.Administrator {
		return !target.Permissions.Administrator || actor.TopRolePosition(g) > target.TopRolePosition(g)
	}
	return actor.TopRolePosition(g) > target.TopRolePosition(g)
}
