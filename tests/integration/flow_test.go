package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildtools/guildgate/pkg/feature"
	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/ops"
	"github.com/guildtools/guildgate/pkg/perms"
	"github.com/guildtools/guildgate/pkg/platform"
	"github.com/guildtools/guildgate/pkg/security"
	"github.com/guildtools/guildgate/pkg/store"
	"github.com/guildtools/guildgate/pkg/store/memory"
)

// harness wires the full stack the way cmd/guildgate does, on the in-memory
// backend.
type harness struct {
	store    *memory.Store
	security *security.Service
	manager  *perms.Manager
	ops      http.Handler
	guild    *platform.Guild
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := memory.New()
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	sec := security.NewService(st, security.NewMemoryCache(), log, metrics)
	throttle := perms.NewDenialThrottle(time.Minute, 128)
	manager := perms.NewManager(st, sec, throttle, log, metrics)

	health := observability.NewHealthChecker("integration")
	health.AddProbe("store", st.Ping)
	server := ops.NewServer(st, health, log, metrics, ops.Options{})

	return &harness{
		store:    st,
		security: sec,
		manager:  manager,
		ops:      server.Handler(),
		guild: &platform.Guild{
			ID:      "g-main",
			Name:    "Main Guild",
			OwnerID: "u-owner",
			Roles: []platform.Role{
				{ID: "r-admin", Name: "Admin", Position: 10, Permissions: platform.Permissions{Administrator: true}},
				{ID: "r-mod", Name: "Mod", Position: 5},
				{ID: "r-member", Name: "Member", Position: 1},
			},
		},
	}
}

func member(id string, roles ...string) *platform.Member {
	return &platform.Member{ID: id, GuildID: "g-main", RoleIDs: roles}
}

func anyone(*platform.Member) bool { return true }

// TestPermissionLifecycle walks a guild through bootstrap, setup completion,
// permission configuration and the resulting checks.
func TestPermissionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mod := member("u-mod", "r-mod")

	// First contact bootstraps the guild uninitialized, so sensitive
	// features are locked for ordinary members.
	allowed, err := h.manager.Check(ctx, h.guild, mod, feature.ModBan, anyone)
	require.NoError(t, err)
	assert.False(t, allowed, "sensitive feature must be locked before setup")

	cfg, err := h.security.GetOrBootstrap(ctx, h.guild)
	require.NoError(t, err)
	assert.False(t, cfg.Initialized)
	assert.Equal(t, []string{"r-admin"}, cfg.ProtectedRoleIDs, "elevated roles are detected at bootstrap")

	// Non-sensitive features stay open the whole time.
	allowed, err = h.manager.Check(ctx, h.guild, mod, feature.UtilityPoll, anyone)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Completing setup unlocks sensitive features.
	_, err = h.security.Finalize(ctx, h.guild, "u-owner")
	require.NoError(t, err)

	allowed, err = h.manager.Check(ctx, h.guild, mod, feature.ModBan, anyone)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Denying the mod role closes the feature for its holders again.
	_, err = h.manager.Deny(ctx, h.guild.ID, feature.ModBan, "r-mod", "u-owner")
	require.NoError(t, err)

	allowed, err = h.manager.Check(ctx, h.guild, mod, feature.ModBan, anyone)
	require.NoError(t, err)
	assert.False(t, allowed)

	// The owner is never affected by role lists.
	owner := member("u-owner")
	allowed, err = h.manager.Check(ctx, h.guild, owner, feature.ModBan, anyone)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Every mutation so far is on the audit trail, newest first.
	audits, err := h.manager.Audits(ctx, store.AuditQuery{GuildID: h.guild.ID})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, store.ChangeDeny, audits[0].ChangeType)
	require.NotNil(t, audits[0].RoleID)
	assert.Equal(t, "r-mod", *audits[0].RoleID)
}

// TestOpsReflectsManagerState drives mutations through the manager and reads
// them back over the operator HTTP API.
func TestOpsReflectsManagerState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.security.GetOrBootstrap(ctx, h.guild)
	require.NoError(t, err)
	_, err = h.security.Finalize(ctx, h.guild, "u-owner")
	require.NoError(t, err)
	_, err = h.manager.Allow(ctx, h.guild.ID, feature.GiveawayCreate, "r-mod", "u-owner")
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ops.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/v1/guilds/g-main/permissions/giveaway.create")
	require.Equal(t, http.StatusOK, rec.Code)
	var perm store.FeaturePermission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perm))
	assert.Equal(t, []string{"r-mod"}, perm.AllowedRoles)

	rec = get("/v1/guilds/g-main/security")
	require.Equal(t, http.StatusOK, rec.Code)
	var secCfg store.GuildSecurityConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &secCfg))
	assert.True(t, secCfg.Initialized)

	rec = get("/v1/guilds/g-main/audits?format=ndjson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.String())

	assert.Equal(t, http.StatusOK, get("/readyz").Code)
}

// TestProtectedRoleSafety exercises the bulk-action guardrails end to end.
func TestProtectedRoleSafety(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.security.GetOrBootstrap(ctx, h.guild)
	require.NoError(t, err)

	admin := member("u-admin", "r-admin")
	protected, err := h.security.IsProtectedMember(ctx, h.guild, admin)
	require.NoError(t, err)
	assert.True(t, protected)

	filtered, err := h.security.FilterProtectedRoles(ctx, h.guild, h.guild.Roles)
	require.NoError(t, err)
	ids := make([]string, 0, len(filtered))
	for _, r := range filtered {
		ids = append(ids, r.ID)
	}
	assert.NotContains(t, ids, "r-admin")
	assert.Contains(t, ids, "r-mod")

	// The last protected role cannot be removed.
	_, err = h.security.RemoveProtectedRole(ctx, h.guild, "r-admin")
	assert.ErrorIs(t, err, security.ErrLastProtectedRole)
}
