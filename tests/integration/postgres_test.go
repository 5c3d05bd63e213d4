//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/guildtools/guildgate/pkg/store"
	"github.com/guildtools/guildgate/pkg/store/postgres"
)

func setupPostgresStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("guildgate_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := postgres.Open(ctx, connStr, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close(context.Background()) })

	return st
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	st := setupPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, st.Ping(ctx))

	// Absent records read back as (nil, nil).
	perm, err := st.FeaturePermission(ctx, "g1", "mod.ban")
	require.NoError(t, err)
	assert.Nil(t, perm)

	perm, err = st.UpsertFeaturePermission(ctx, "g1", "mod.ban", store.FeaturePermissionUpdate{
		AllowedRoles: store.StringSlice([]string{"r-mod"}),
		UpdatedBy:    store.String("u-admin"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-mod"}, perm.AllowedRoles)
	assert.Empty(t, perm.DeniedRoles)

	// Merge semantics: untouched fields survive the next upsert.
	perm, err = st.UpsertFeaturePermission(ctx, "g1", "mod.ban", store.FeaturePermissionUpdate{
		DeniedRoles: store.StringSlice([]string{"r-member"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-mod"}, perm.AllowedRoles)
	assert.Equal(t, []string{"r-member"}, perm.DeniedRoles)
	assert.Equal(t, "u-admin", perm.UpdatedBy)

	perms, err := st.ListFeaturePermissions(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, perms, 1)

	require.NoError(t, st.DeleteFeaturePermission(ctx, "g1", "mod.ban"))
	perm, err = st.FeaturePermission(ctx, "g1", "mod.ban")
	require.NoError(t, err)
	assert.Nil(t, perm)
}

func TestPostgresSecurityInitializedSticks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	st := setupPostgresStore(t)
	ctx := context.Background()

	cfg, err := st.UpsertGuildSecurity(ctx, "g1", store.GuildSecurityUpdate{
		ProtectedRoleIDs: store.StringSlice([]string{"r-admin"}),
	})
	require.NoError(t, err)
	assert.False(t, cfg.Initialized)

	cfg, err = st.UpsertGuildSecurity(ctx, "g1", store.GuildSecurityUpdate{
		Initialized: store.Bool(true),
	})
	require.NoError(t, err)
	assert.True(t, cfg.Initialized)
	assert.Equal(t, []string{"r-admin"}, cfg.ProtectedRoleIDs)

	// An update that does not mention Initialized must not reset it.
	cfg, err = st.UpsertGuildSecurity(ctx, "g1", store.GuildSecurityUpdate{
		ProtectedRoleIDs: store.StringSlice([]string{"r-admin", "r-sec"}),
	})
	require.NoError(t, err)
	assert.True(t, cfg.Initialized)
}

func TestPostgresAuditTrail(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	st := setupPostgresStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendAudit(ctx, &store.FeaturePermissionAudit{
			GuildID:    "g1",
			FeatureKey: "mod.ban",
			ChangedBy:  "u-admin",
			ChangeType: store.ChangeAllow,
			RoleID:     store.String("r-mod"),
			At:         base.Add(time.Duration(i) * time.Second),
		}))
	}

	audits, err := st.ListAudits(ctx, store.AuditQuery{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, audits, 3)
	assert.True(t, audits[0].At.After(audits[2].At), "audits are newest first")

	audits, err = st.ListAudits(ctx, store.AuditQuery{GuildID: "g1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, audits, 1)

	purged, err := st.PurgeAudits(ctx, base.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	audits, err = st.ListAudits(ctx, store.AuditQuery{GuildID: "g1"})
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}
