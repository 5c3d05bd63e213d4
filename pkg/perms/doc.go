// Package perms is the permission decision engine. Manager.Check evaluates
// a fixed five-layer pipeline for every gated command: community context,
// administrator/owner bypass, the caller's base check, the sensitive-feature
// security lockout, and per-feature role allow/deny lists. The package also
// owns the mutation operations admins use to edit those role lists (with
// best-effort audit entries) and the throttle that keeps repeated denial
// logs from flooding moderation channels.
package perms
