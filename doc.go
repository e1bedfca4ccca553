// Package identity resolves who a caller is, which organization and role
// they act as, whether they owe extra verification, and whether that answer
// can still be trusted when the network degrades.
//
// Session lifecycle:
//   - Controller is the single state machine every protected surface
//     consumes. Boot fetches the backend session under a deadline, resolves
//     it into a ResolvedIdentity, and lands in connected, degraded-cached,
//     or unauthenticated. Remote failures on the boot path fall back to the
//     last good snapshot (24h TTL) and fire one silent background reconnect;
//     later recovery is always app- or user-triggered.
//   - Resolution is idempotent per session and guarded by a monotonic
//     sequence counter, so a stale background completion can never overwrite
//     a newer foreground one.
//
// Fail-secure gates:
//   - A permission-denied profile read wipes the cache and forces a fresh
//     login. For platform admins, MfaGate treats any uncertainty about the
//     second factor (errors, timeouts, non-maximal assurance) exactly like
//     its absence.
//
// Operating context:
//   - ContextSwitcher toggles between the org's own portal and a delegated
//     agent portal backed by an AgentRelationship grant. The choice persists
//     across reloads; switching to a sender org without a grant is a logged
//     no-op.
//
// This package produces the role/flags object; per-route authorization
// stays with its consumers. RouteGuard only enforces the session and MFA
// gates and attaches the identity to the request context.
package identity
