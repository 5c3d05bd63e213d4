// Package ops serves the read-only operator HTTP API: the feature catalog,
// per-guild permission and security state, audit exports, health probes and
// prometheus metrics. Every route is a GET; permission mutations happen
// through the bot surface, never through this server.
package ops
