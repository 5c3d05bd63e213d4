package perms

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildtools/guildgate/pkg/feature"
	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/platform"
	"github.com/guildtools/guildgate/pkg/security"
	"github.com/guildtools/guildgate/pkg/store"
	"github.com/guildtools/guildgate/pkg/store/memory"
)

// faultStore wraps the memory store to inject failures per operation.
type faultStore struct {
	*memory.Store
	permErr  error
	audErr   error
	secErr   error
	appended []*store.FeaturePermissionAudit
}

func (f *faultStore) FeaturePermission(ctx context.Context, guildID, featureKey string) (*store.FeaturePermission, error) {
	if f.permErr != nil {
		return nil, f.permErr
	}
	return f.Store.FeaturePermission(ctx, guildID, featureKey)
}

func (f *faultStore) GuildSecurity(ctx context.Context, guildID string) (*store.GuildSecurityConfig, error) {
	if f.secErr != nil {
		return nil, f.secErr
	}
	return f.Store.GuildSecurity(ctx, guildID)
}

func (f *faultStore) AppendAudit(ctx context.Context, entry *store.FeaturePermissionAudit) error {
	if f.audErr != nil {
		return f.audErr
	}
	f.appended = append(f.appended, entry)
	return f.Store.AppendAudit(ctx, entry)
}

func newTestManager(t *testing.T) (*Manager, *faultStore, *security.Service) {
	t.Helper()
	fs := &faultStore{Store: memory.New()}
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sec := security.NewService(fs, security.NewMemoryCache(), log, metrics)
	return NewManager(fs, sec, nil, log, metrics), fs, sec
}

func testGuild() *platform.Guild {
	return &platform.Guild{
		ID:      "g1",
		Name:    "Test Guild",
		OwnerID: "owner-1",
		Roles: []platform.Role{
			{ID: "r-admin", Name: "Admin", Position: 10, Permissions: platform.Permissions{Administrator: true}},
			{ID: "r-mod", Name: "Mods", Position: 5, Permissions: platform.Permissions{BanMembers: true, KickMembers: true}},
			{ID: "r-member", Name: "Members", Position: 1},
		},
	}
}

func member(id string, roles ...string) *platform.Member {
	return &platform.Member{ID: id, GuildID: "g1", RoleIDs: roles}
}

func finalizeSecurity(t *testing.T, sec *security.Service, g *platform.Guild) {
	t.Helper()
	_, err := sec.Finalize(context.Background(), g, "owner-1")
	require.NoError(t, err)
}

func TestCheckDeniesWithoutContext(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Check(ctx, nil, member("u1"), feature.ModWarn, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Check(ctx, testGuild(), nil, feature.ModWarn, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminAndOwnerBypassIsAbsolute(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	g := testGuild()

	admin := member("u-admin", "r-member")
	admin.Permissions.Administrator = true
	owner := member("owner-1")

	// Security is uninitialized, the feature is sensitive, the base check
	// fails, and the member's only role is denied. Bypass wins anyway.
	_, err := m.Deny(ctx, g.ID, feature.ModBan, "r-member", "owner-1")
	require.NoError(t, err)
	failingBase := func(*platform.Member) bool { return false }

	ok, err := m.Check(ctx, g, admin, feature.ModBan, failingBase)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Check(ctx, g, owner, feature.ModBan, failingBase)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBaseCheckGatesNonAdmins(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	g := testGuild()

	ok, err := m.Check(ctx, g, member("u1", "r-mod"), feature.ModWarn, func(*platform.Member) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Check(ctx, g, member("u1", "r-mod"), feature.ModWarn, func(*platform.Member) bool { return true })
	require.NoError(t, err)
	assert.True(t, ok)

	// A nil base check passes trivially.
	ok, err = m.Check(ctx, g, member("u1"), feature.UtilityPoll, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSensitiveLockoutUntilFinalized(t *testing.T) {
	m, _, sec := newTestManager(t)
	ctx := context.Background()
	g := testGuild()
	mod := member("u1", "r-mod")
	base := func(mb *platform.Member) bool { return true }

	ok, err := m.Check(ctx, g, mod, feature.ModBan, base)
	require.NoError(t, err)
	assert.False(t, ok, "sensitive feature must be locked before security setup")

	ready, err := m.SecurityReady(ctx, g)
	require.NoError(t, err)
	assert.False(t, ready)

	finalizeSecurity(t, sec, g)

	ok, err = m.Check(ctx, g, mod, feature.ModBan, base)
	require.NoError(t, err)
	assert.True(t, ok, "same inputs must pass once security is initialized")

	ready, err = m.SecurityReady(ctx, g)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestLockoutSkipsNonSensitiveFeatures(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// mod.warn is not sensitive; uninitialized security must not block it.
	ok, err := m.Check(ctx, testGuild(), member("u1"), feature.ModWarn, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefaultOpenWithoutRecord(t *testing.T) {
	m, _, _ := newTestManager(t)

	ok, err := m.Check(context.Background(), testGuild(), member("u1"), feature.GiveawayCreate, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDenyOverridesAllow(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	g := testGuild()

	_, err := m.Allow(ctx, g.ID, feature.MusicDJBasic, "r-mod", "owner-1")
	require.NoError(t, err)
	_, err = m.Deny(ctx, g.ID, feature.MusicDJBasic, "r-member", "owner-1")
	require.NoError(t, err)

	// Holds an allowed role and a denied role: deny wins.
	ok, err := m.Check(ctx, g, member("u1", "r-mod", "r-member"), feature.MusicDJBasic, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Allowed role only: allowed.
	ok, err = m.Check(ctx, g, member("u2", "r-mod"), feature.MusicDJBasic, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEmptyAllowListIsOpen(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	g := testGuild()

	// Record exists with only a deny list; anyone without the denied role
	// stays allowed.
	_, err := m.Deny(ctx, g.ID, feature.UtilityPoll, "r-member", "owner-1")
	require.NoError(t, err)

	ok, err := m.Check(ctx, g, member("u1", "r-mod"), feature.UtilityPoll, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Check(ctx, g, member("u2", "r-member"), feature.UtilityPoll, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowListRequiresMembership(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	g := testGuild()

	_, err := m.Allow(ctx, g.ID, feature.AlertsManage, "r-mod", "owner-1")
	require.NoError(t, err)

	ok, err := m.Check(ctx, g, member("u1", "r-mod"), feature.AlertsManage, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Check(ctx, g, member("u2", "r-member"), feature.AlertsManage, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Check(ctx, g, member("u3"), feature.AlertsManage, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreErrorFailsClosed(t *testing.T) {
	m, fs, _ := newTestManager(t)
	fs.permErr = errors.New("connection reset")

	ok, err := m.Check(context.Background(), testGuild(), member("u1"), feature.ModWarn, nil)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestSecurityLoadErrorFailsClosed(t *testing.T) {
	m, fs, _ := newTestManager(t)
	fs.secErr = errors.New("connection reset")

	ok, err := m.Check(context.Background(), testGuild(), member("u1", "r-mod"), feature.ModBan, nil)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestRoleMutationExclusivity(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	p, err := m.Allow(ctx, "g1", feature.ModWarn, "r-mod", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r-mod"}, p.AllowedRoles)
	assert.Empty(t, p.DeniedRoles)

	p, err = m.Deny(ctx, "g1", feature.ModWarn, "r-mod", "owner-1")
	require.NoError(t, err)
	assert.Empty(t, p.AllowedRoles, "deny must remove the role from the allow list")
	assert.Equal(t, []string{"r-mod"}, p.DeniedRoles)

	p, err = m.Clear(ctx, "g1", feature.ModWarn, "r-mod", "owner-1")
	require.NoError(t, err)
	assert.Empty(t, p.AllowedRoles)
	assert.Empty(t, p.DeniedRoles)
}

func TestMutationsRejectUnknownKeys(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Allow(ctx, "g1", feature.Key("mod.banhammer"), "r1", "u1")
	assert.ErrorIs(t, err, feature.ErrUnknownKey)
	_, err = m.Deny(ctx, "g1", feature.Key(""), "r1", "u1")
	assert.ErrorIs(t, err, feature.ErrUnknownKey)
	err = m.Reset(ctx, "g1", feature.Key("x"), "u1")
	assert.ErrorIs(t, err, feature.ErrUnknownKey)
}

func TestResetDeletesRecordAndAudits(t *testing.T) {
	m, fs, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Allow(ctx, "g1", feature.ModBan, "r-mod", "owner-1")
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx, "g1", feature.ModBan, "owner-1"))

	p, err := fs.Store.FeaturePermission(ctx, "g1", "mod.ban")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.Len(t, fs.appended, 2)
	reset := fs.appended[1]
	assert.Equal(t, store.ChangeReset, reset.ChangeType)
	assert.Nil(t, reset.RoleID)
	assert.Nil(t, reset.NewDoc)
	require.NotNil(t, reset.OldDoc)
	assert.Equal(t, []string{"r-mod"}, reset.OldDoc.AllowedRoles)
}

func TestAuditTrailRecordsMutationsInOrder(t *testing.T) {
	m, fs, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Allow(ctx, "g1", feature.ModKick, "r-mod", "admin-1")
	require.NoError(t, err)
	_, err = m.Deny(ctx, "g1", feature.ModKick, "r-mod", "admin-2")
	require.NoError(t, err)

	require.Len(t, fs.appended, 2)

	first, second := fs.appended[0], fs.appended[1]
	assert.Equal(t, store.ChangeAllow, first.ChangeType)
	assert.Equal(t, "admin-1", first.ChangedBy)
	require.NotNil(t, first.RoleID)
	assert.Equal(t, "r-mod", *first.RoleID)
	assert.Nil(t, first.OldDoc)

	assert.Equal(t, store.ChangeDeny, second.ChangeType)
	require.NotNil(t, second.OldDoc)
	assert.Equal(t, []string{"r-mod"}, second.OldDoc.AllowedRoles)
	require.NotNil(t, second.NewDoc)
	assert.Equal(t, []string{"r-mod"}, second.NewDoc.DeniedRoles)
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	m, fs, _ := newTestManager(t)
	fs.audErr = errors.New("audit store down")
	ctx := context.Background()

	p, err := m.Deny(ctx, "g1", feature.ModClear, "r-member", "admin-1")
	require.NoError(t, err, "audit writes are best-effort")
	assert.Equal(t, []string{"r-member"}, p.DeniedRoles)
}

func TestListAndAudits(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Allow(ctx, "g1", feature.ModBan, "r-mod", "u1")
	require.NoError(t, err)
	_, err = m.Deny(ctx, "g1", feature.ModKick, "r-member", "u1")
	require.NoError(t, err)

	perms, err := m.List(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, perms, 2)

	audits, err := m.Audits(ctx, store.AuditQuery{GuildID: "g1"})
	require.NoError(t, err)
	assert.Len(t, audits, 2)

	audits, err = m.Audits(ctx, store.AuditQuery{GuildID: "g1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestShouldLogDenialThrottles(t *testing.T) {
	m, _, _ := newTestManager(t)

	assert.True(t, m.ShouldLogDenial("g1", "u1", "ban", feature.ModBan))
	assert.False(t, m.ShouldLogDenial("g1", "u1", "ban", feature.ModBan))
	assert.True(t, m.ShouldLogDenial("g1", "u2", "ban", feature.ModBan))
}
