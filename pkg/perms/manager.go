package perms

import (
	"context"
	"fmt"
	"time"

	"github.com/guildtools/guildgate/pkg/feature"
	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/platform"
	"github.com/guildtools/guildgate/pkg/security"
	"github.com/guildtools/guildgate/pkg/store"
)

// BaseCheck is the caller-supplied platform permission gate for one command.
// Each command handler composes its own (native permission bits, target
// hierarchy comparisons via platform.CanActOn, channel rules) and passes it
// per call, so the manager never needs per-feature platform knowledge. A nil
// BaseCheck passes trivially.
type BaseCheck func(member *platform.Member) bool

// Manager decides feature access and owns the per-feature role list
// mutations. It is safe for concurrent use; Check never writes to the store.
type Manager struct {
	store    store.Store
	security *security.Service
	throttle *DenialThrottle
	log      *observability.Logger
	metrics  *observability.Metrics
}

// NewManager builds a Manager. A nil throttle gets the default window and
// capacity.
func NewManager(st store.Store, sec *security.Service, throttle *DenialThrottle, log *observability.Logger, metrics *observability.Metrics) *Manager {
	if throttle == nil {
		throttle = NewDenialThrottle(DefaultThrottleWindow, DefaultThrottleCapacity)
	}
	return &Manager{
		store:    st,
		security: sec,
		throttle: throttle,
		log:      log,
		metrics:  metrics,
	}
}

// Check evaluates whether member may use the feature. Layers, first match
// wins:
//
//  1. no guild or member → deny (no community context, fail closed)
//  2. administrator or guild owner → allow, unconditionally
//  3. base check fails → deny
//  4. sensitive feature with uninitialized guild security → deny
//  5. no FeaturePermission record → allow (absence is not a restriction)
//  6. member holds a denied role → deny (deny beats allow)
//  7. empty allow list → allow
//  8. member holds an allowed role → allow; otherwise deny
//
// A non-nil error means the decision could not be made; callers must treat
// that as a denial, never as an allow.
func (m *Manager) Check(ctx context.Context, guild *platform.Guild, member *platform.Member, key feature.Key, base BaseCheck) (bool, error) {
	start := time.Now()

	allowed, rule, err := m.evaluate(ctx, guild, member, key, base)

	m.metrics.RecordCheck(allowed, rule, time.Since(start))
	if err != nil {
		return false, err
	}

	if guild != nil && member != nil {
		m.log.WithFields(map[string]interface{}{
			"guild_id": guild.ID,
			"user_id":  member.ID,
			"feature":  key.String(),
			"rule":     rule,
			"allowed":  allowed,
		}).Debug("Permission check evaluated")
	}

	return allowed, nil
}

func (m *Manager) evaluate(ctx context.Context, guild *platform.Guild, member *platform.Member, key feature.Key, base BaseCheck) (bool, string, error) {
	if guild == nil || member == nil {
		return false, observability.RuleNoContext, nil
	}

	// The bypass precedes everything, including the sensitive lockout and
	// explicit deny lists: administrators can never lock themselves out.
	if member.Permissions.Administrator {
		return true, observability.RuleAdminBypass, nil
	}
	if member.IsOwner(guild) {
		return true, observability.RuleOwnerBypass, nil
	}

	if base != nil && !base(member) {
		return false, observability.RuleBaseCheck, nil
	}

	if key.Sensitive() {
		cfg, err := m.security.GetOrBootstrap(ctx, guild)
		if err != nil {
			return false, observability.RuleStoreError, fmt.Errorf("failed to load guild security for %s: %w", key, err)
		}
		if !cfg.Initialized {
			m.metrics.SecurityLockoutsTotal.WithLabelValues(key.String()).Inc()
			if m.throttle.ShouldLog(guild.ID, member.ID, "security.lockout", key.String()) {
				m.log.WithFields(map[string]interface{}{
					"guild_id": guild.ID,
					"user_id":  member.ID,
					"feature":  key.String(),
				}).Warn("Sensitive feature blocked: guild security setup not finalized")
			}
			return false, observability.RuleSecurityLock, nil
		}
	}

	doc, err := m.store.FeaturePermission(ctx, guild.ID, key.String())
	if err != nil {
		return false, observability.RuleStoreError, fmt.Errorf("failed to load feature permission for %s: %w", key, err)
	}
	if doc == nil {
		return true, observability.RuleDefaultAllow, nil
	}

	for _, roleID := range doc.DeniedRoles {
		if member.HasRole(roleID) {
			return false, observability.RuleDeniedRole, nil
		}
	}

	if len(doc.AllowedRoles) == 0 {
		return true, observability.RuleOpenAllowList, nil
	}
	for _, roleID := range doc.AllowedRoles {
		if member.HasRole(roleID) {
			return true, observability.RuleAllowedRole, nil
		}
	}
	return false, observability.RuleNoAllowedRole, nil
}

// SecurityReady reports whether guild security setup is complete. Command
// handlers call it to show the "security setup required" message instead of
// a generic denial before sensitive commands run.
func (m *Manager) SecurityReady(ctx context.Context, guild *platform.Guild) (bool, error) {
	return m.security.Initialized(ctx, guild)
}

// Allow grants roleID access to the feature. The role is removed from the
// deny list if present; a role is never in both lists.
func (m *Manager) Allow(ctx context.Context, guildID string, key feature.Key, roleID, changedBy string) (*store.FeaturePermission, error) {
	return m.mutateRole(ctx, guildID, key, roleID, changedBy, store.ChangeAllow)
}

// Deny blocks roleID from the feature, removing it from the allow list if
// present.
func (m *Manager) Deny(ctx context.Context, guildID string, key feature.Key, roleID, changedBy string) (*store.FeaturePermission, error) {
	return m.mutateRole(ctx, guildID, key, roleID, changedBy, store.ChangeDeny)
}

// Clear removes roleID from both lists.
func (m *Manager) Clear(ctx context.Context, guildID string, key feature.Key, roleID, changedBy string) (*store.FeaturePermission, error) {
	return m.mutateRole(ctx, guildID, key, roleID, changedBy, store.ChangeClear)
}

func (m *Manager) mutateRole(ctx context.Context, guildID string, key feature.Key, roleID, changedBy string, change store.ChangeType) (*store.FeaturePermission, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %q", feature.ErrUnknownKey, key)
	}

	old, err := m.store.FeaturePermission(ctx, guildID, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load feature permission for %s: %w", key, err)
	}

	var allowed, denied []string
	if old != nil {
		allowed = old.AllowedRoles
		denied = old.DeniedRoles
	}
	switch change {
	case store.ChangeAllow:
		allowed = addRole(allowed, roleID)
		denied = removeRole(denied, roleID)
	case store.ChangeDeny:
		denied = addRole(denied, roleID)
		allowed = removeRole(allowed, roleID)
	case store.ChangeClear:
		allowed = removeRole(allowed, roleID)
		denied = removeRole(denied, roleID)
	default:
		return nil, fmt.Errorf("unsupported change type %q", change)
	}

	updated, err := m.store.UpsertFeaturePermission(ctx, guildID, key.String(), store.FeaturePermissionUpdate{
		AllowedRoles: &allowed,
		DeniedRoles:  &denied,
		UpdatedBy:    &changedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update feature permission for %s: %w", key, err)
	}

	m.AuditChange(ctx, guildID, key, changedBy, change, &roleID, old, updated)
	return updated, nil
}

// Reset deletes the feature's permission record, returning it to the
// default-open state. Resetting an absent record is a no-op that still
// audits, so the trail shows the admin intent.
func (m *Manager) Reset(ctx context.Context, guildID string, key feature.Key, changedBy string) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", feature.ErrUnknownKey, key)
	}

	old, err := m.store.FeaturePermission(ctx, guildID, key.String())
	if err != nil {
		return fmt.Errorf("failed to load feature permission for %s: %w", key, err)
	}
	if err := m.store.DeleteFeaturePermission(ctx, guildID, key.String()); err != nil {
		return fmt.Errorf("failed to reset feature permission for %s: %w", key, err)
	}

	m.AuditChange(ctx, guildID, key, changedBy, store.ChangeReset, nil, old, nil)
	return nil
}

// AuditChange appends one entry to the permission change trail. Audit
// writes are best-effort telemetry: a failure is logged and counted, never
// surfaced, so a broken audit store cannot block permission administration.
func (m *Manager) AuditChange(ctx context.Context, guildID string, key feature.Key, changedBy string, change store.ChangeType, roleID *string, oldDoc, newDoc *store.FeaturePermission) {
	entry := &store.FeaturePermissionAudit{
		GuildID:    guildID,
		FeatureKey: key.String(),
		ChangedBy:  changedBy,
		ChangeType: change,
		RoleID:     roleID,
		OldDoc:     oldDoc,
		NewDoc:     newDoc,
		At:         time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.metrics.AuditWriteFailuresTotal.Inc()
		m.log.WithError(err).WithFields(map[string]interface{}{
			"guild_id": guildID,
			"feature":  key.String(),
			"change":   string(change),
		}).Warn("Failed to record feature permission audit")
		return
	}
	m.metrics.AuditEventsTotal.WithLabelValues(string(change)).Inc()
}

// List returns every feature permission record configured for the guild.
func (m *Manager) List(ctx context.Context, guildID string) ([]store.FeaturePermission, error) {
	return m.store.ListFeaturePermissions(ctx, guildID)
}

// Audits returns permission change trail entries, newest first.
func (m *Manager) Audits(ctx context.Context, q store.AuditQuery) ([]store.FeaturePermissionAudit, error) {
	return m.store.ListAudits(ctx, q)
}

// ShouldLogDenial exposes the denial throttle to command handlers that post
// denials to a moderation log channel.
func (m *Manager) ShouldLogDenial(guildID, userID, command string, key feature.Key) bool {
	ok := m.throttle.ShouldLog(guildID, userID, command, key.String())
	action := "suppressed"
	if ok {
		action = "logged"
	}
	m.metrics.DenialLogsTotal.WithLabelValues(action).Inc()
	return ok
}

func addRole(roles []string, roleID string) []string {
	for _, id := range roles {
		if id == roleID {
			return roles
		}
	}
	return append(append([]string(nil), roles...), roleID)
}

func removeRole(roles []string, roleID string) []string {
	out := make([]string, 0, len(roles))
	for _, id := range roles {
		if id != roleID {
			out = append(out, id)
		}
	}
	return out
}
