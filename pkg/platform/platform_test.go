package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuild() *Guild {
	return &Guild{
		ID:      "g1",
		Name:    "Test Guild",
		OwnerID: "owner",
		Roles: []Role{
			{ID: "r-admin", Name: "Admin", Position: 10, Permissions: Permissions{Administrator: true}},
			{ID: "r-mod", Name: "Mod", Position: 5, Permissions: Permissions{ModerateMembers: true}},
			{ID: "r-staff", Name: "Staff", Position: 4, Permissions: Permissions{ManageGuild: true}},
			{ID: "r-member", Name: "Member", Position: 1},
		},
	}
}

func TestGuildRoleLookup(t *testing.T) {
	g := testGuild()

	r := g.Role("r-mod")
	require.NotNil(t, r)
	assert.Equal(t, "Mod", r.Name)

	assert.Nil(t, g.Role("missing"))
}

func TestElevatedRoles(t *testing.T) {
	g := testGuild()

	elevated := g.ElevatedRoles()
	require.Len(t, elevated, 2)
	assert.Equal(t, "r-admin", elevated[0].ID)
	assert.Equal(t, "r-staff", elevated[1].ID)
}

func TestMemberHelpers(t *testing.T) {
	g := testGuild()
	m := &Member{ID: "u1", GuildID: "g1", RoleIDs: []string{"r-mod", "r-member"}}

	assert.True(t, m.HasRole("r-mod"))
	assert.False(t, m.HasRole("r-admin"))
	assert.False(t, m.IsOwner(g))
	assert.Equal(t, 5, m.TopRolePosition(g))

	owner := &Member{ID: "owner", GuildID: "g1"}
	assert.True(t, owner.IsOwner(g))
	assert.Equal(t, -1, owner.TopRolePosition(g))
}

func TestCanActOn(t *testing.T) {
	g := testGuild()
	owner := &Member{ID: "owner", GuildID: "g1"}
	admin := &Member{ID: "u-admin", GuildID: "g1", RoleIDs: []string{"r-admin"}, Permissions: Permissions{Administrator: true}}
	mod := &Member{ID: "u-mod", GuildID: "g1", RoleIDs: []string{"r-mod"}, Permissions: Permissions{ModerateMembers: true}}
	member := &Member{ID: "u-member", GuildID: "g1", RoleIDs: []string{"r-member"}}

	assert.True(t, CanActOn(g, owner, admin), "owner acts on anyone")
	assert.False(t, CanActOn(g, admin, owner), "nobody acts on the owner")
	assert.True(t, CanActOn(g, admin, mod), "admin outranks non-admin")
	assert.True(t, CanActOn(g, mod, member), "higher top role wins")
	assert.False(t, CanActOn(g, member, mod), "lower top role loses")
	assert.False(t, CanActOn(g, mod, mod), "equal rank is blocked")
	assert.False(t, CanActOn(nil, mod, member))
}
