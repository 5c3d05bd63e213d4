// Package feature defines the catalog of gated bot capabilities.
//
// Every permission decision in guildgate is made about exactly one feature
// key. Keys are dotted strings grouped by subsystem ("mod.ban",
// "tickets.admin"). The catalog is fixed at compile time; guilds configure
// per-key role lists but cannot invent keys.
package feature

import (
	"errors"
	"fmt"
)

// Key identifies a single gated capability.
type Key string

// Moderation features.
const (
	ModVCSuspend   Key = "mod.vc_suspend"
	ModVCUnsuspend Key = "mod.vc_unsuspend"
	ModWarn        Key = "mod.warn"
	ModWarnings    Key = "mod.warnings"
	ModTimeout     Key = "mod.timeout"
	ModBan         Key = "mod.ban"
	ModKick        Key = "mod.kick"
	ModClear       Key = "mod.clear"
	ModSlowmode    Key = "mod.slowmode"
	ModLock        Key = "mod.lock"
	ModNickname    Key = "mod.nickname"
)

// Reporting and ticketing features.
const (
	ReportCreate  Key = "report.create"
	ReportView    Key = "report.view"
	ReportManage  Key = "report.manage"
	TicketsCreate Key = "tickets.create"
	TicketsClose  Key = "tickets.close"
	TicketsAdmin  Key = "tickets.admin"
)

// Staff, configuration and community features.
const (
	StaffAppTemplateManage Key = "staffapp.template.manage"
	StaffAppReview         Key = "staffapp.review"
	PermsManage            Key = "perms.manage"
	VerifyConfig           Key = "verify.config"
	GamesPanelManage       Key = "games.panel.manage"
	RolesMenuManage        Key = "roles.menu.manage"
	RolesForceAssign       Key = "roles.force.assign"
	EconomyAdminAdjust     Key = "economy.admin.adjust"
	LevelingAdminSet       Key = "leveling.admin.set"
	LevelingAdminReset     Key = "leveling.admin.reset"
	GiveawayCreate         Key = "giveaway.create"
	GiveawayManage         Key = "giveaway.manage"
	MusicDJBasic           Key = "music.dj.basic"
	MusicDJVolume          Key = "music.dj.volume"
	AlertsManage           Key = "alerts.manage"
	AlertsView             Key = "alerts.view"
	TempVoiceSetup         Key = "tempvoice.setup"
	TempVoiceOwnerPower    Key = "tempvoice.owner.power"
	UtilityPoll            Key = "utility.poll"
	AnalyticsView          Key = "analytics.view"
)

// ErrUnknownKey is returned by Parse for keys outside the catalog.
var ErrUnknownKey = errors.New("unknown feature key")

var catalog = []Key{
	ModVCSuspend, ModVCUnsuspend, ModWarn, ModWarnings, ModTimeout,
	ModBan, ModKick, ModClear, ModSlowmode, ModLock, ModNickname,
	ReportCreate, ReportView, ReportManage,
	TicketsCreate, TicketsClose, TicketsAdmin,
	StaffAppTemplateManage, StaffAppReview,
	PermsManage, VerifyConfig,
	GamesPanelManage, RolesMenuManage, RolesForceAssign,
	EconomyAdminAdjust, LevelingAdminSet, LevelingAdminReset,
	GiveawayCreate, GiveawayManage,
	MusicDJBasic, MusicDJVolume,
	AlertsManage, AlertsView,
	TempVoiceSetup, TempVoiceOwnerPower,
	UtilityPoll, AnalyticsView,
}

var valid = func() map[Key]struct{} {
	m := make(map[Key]struct{}, len(catalog))
	for _, k := range catalog {
		m[k] = struct{}{}
	}
	return m
}()

// sensitive features are locked out entirely until a guild completes security
// setup, regardless of how their role lists are configured.
var sensitive = map[Key]struct{}{
	ModBan:                 {},
	ModKick:                {},
	ModTimeout:             {},
	ModClear:               {},
	ModLock:                {},
	ModSlowmode:            {},
	ModVCSuspend:           {},
	ModVCUnsuspend:         {},
	TicketsAdmin:           {},
	StaffAppTemplateManage: {},
}

// Valid reports whether k is part of the catalog.
func (k Key) Valid() bool {
	_, ok := valid[k]
	return ok
}

// Sensitive reports whether k requires initialized guild security.
func (k Key) Sensitive() bool {
	_, ok := sensitive[k]
	return ok
}

// String returns the wire form of the key.
func (k Key) String() string { return string(k) }

// All returns the full catalog in stable declaration order. The returned
// slice is a copy and may be modified by the caller.
func All() []Key {
	out := make([]Key, len(catalog))
	copy(out, catalog)
	return out
}

// Parse converts a wire string into a Key, rejecting anything outside the
// catalog.
func Parse(s string) (Key, error) {
	k := Key(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, s)
	}
	return k, nil
}
