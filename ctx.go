package identity

import (
	"context"
)

var identityCtxKey = &contextKey{"identity"}
var sessionCtxKey = &contextKey{"session"}

type contextKey struct {
	name string
}

// WithContext sets the ResolvedIdentity in the given context
func WithContext(r context.Context, resolved *ResolvedIdentity) context.Context {
	return context.WithValue(r, identityCtxKey, resolved)
}

// FromContext finds the resolved identity from the context.
func FromContext(ctx context.Context) (*ResolvedIdentity, bool) {
	raw, ok := ctx.Value(identityCtxKey).(*ResolvedIdentity)
	return raw, ok
}

// WithSessionContext sets the Session in the given context
func WithSessionContext(r context.Context, session *Session) context.Context {
	return context.WithValue(r, sessionCtxKey, session)
}

// SessionFromContext finds the session from the context.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	raw, ok := ctx.Value(sessionCtxKey).(*Session)
	return raw, ok
}

// CanManageAgentOrg reports whether the context's identity operates in agent
// mode with a manage-capable grant.
func CanManageAgentOrg(ctx context.Context) bool {
	resolved, ok := FromContext(ctx)
	if !ok {
		return false
	}

	agent, ok := resolved.AgentContext()
	if !ok {
		return false
	}

	return agent.CanManage
}

// HasRoleAtLeast reports whether the context's identity holds at least
// minRole in its operative org. Platform admins always pass.
func HasRoleAtLeast(ctx context.Context, minRole MemberRole) bool {
	resolved, ok := FromContext(ctx)
	if !ok {
		return false
	}

	if resolved.IsPlatformAdmin() {
		return true
	}

	role, ok := resolved.Role()
	if !ok {
		return false
	}

	return RoleIsAtLeast(role, minRole)
}
