package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// IdentityKind tags the resolved identity variant.
type IdentityKind string

const (
	// KindPlatformAdmin is an internal operator; it never carries org fields.
	KindPlatformAdmin IdentityKind = "platform_admin"
	// KindOrgMember is a caller operating inside an organization.
	KindOrgMember IdentityKind = "org_member"
	// KindUnaffiliated is an authenticated caller with no active membership,
	// typically after auto-provisioning failed. They need an invite or join.
	KindUnaffiliated IdentityKind = "unaffiliated"
)

// OperatingMode selects which portal the caller acts in.
type OperatingMode string

const (
	// ModeBusiness is the org's own portal.
	ModeBusiness OperatingMode = "business"
	// ModeAgent is a delegated view into another org's portal.
	ModeAgent OperatingMode = "agent"
)

// AgentContext is the delegated access grant active while in agent mode.
type AgentContext struct {
	SenderOrgID    uuid.UUID `json:"sender_org_id"`
	SenderOrgName  string    `json:"sender_org_name,omitempty"`
	RelationshipID uuid.UUID `json:"relationship_id"`
	CanManage      bool      `json:"can_manage"`
}

// OrgContext carries the org-scoped fields of an org member. Agent is set
// only while Mode is ModeAgent, so invalid combinations are not representable.
type OrgContext struct {
	OrgID    uuid.UUID     `json:"org_id"`
	OrgName  string        `json:"org_name,omitempty"`
	Role     MemberRole    `json:"role"`
	BranchID *uuid.UUID    `json:"branch_id,omitempty"`
	Mode     OperatingMode `json:"mode"`
	Agent    *AgentContext `json:"agent,omitempty"`
}

// ResolvedIdentity is the application-level authorization object derived from
// a session. A nil *ResolvedIdentity means unauthenticated. Org is non-nil
// exactly when Kind is KindOrgMember, which keeps the platform-admin
// invariant (no org fields) structural rather than conventional.
type ResolvedIdentity struct {
	Kind  IdentityKind `json:"kind"`
	ID    uuid.UUID    `json:"id"`
	Email string       `json:"email,omitempty"`
	Org   *OrgContext  `json:"org,omitempty"`
}

// NewPlatformAdminIdentity returns the admin variant; org fields stay empty.
func NewPlatformAdminIdentity(id uuid.UUID, email string) *ResolvedIdentity {
	return &ResolvedIdentity{Kind: KindPlatformAdmin, ID: id, Email: email}
}

// NewOrgMemberIdentity returns the member variant in business mode.
func NewOrgMemberIdentity(id uuid.UUID, email string, org OrgContext) *ResolvedIdentity {
	if org.Mode == "" {
		org.Mode = ModeBusiness
	}
	if org.Mode != ModeAgent {
		org.Agent = nil
	}
	return &ResolvedIdentity{Kind: KindOrgMember, ID: id, Email: email, Org: &org}
}

// NewUnaffiliatedIdentity returns the variant for callers without an org.
func NewUnaffiliatedIdentity(id uuid.UUID, email string) *ResolvedIdentity {
	return &ResolvedIdentity{Kind: KindUnaffiliated, ID: id, Email: email}
}

func (r *ResolvedIdentity) IsPlatformAdmin() bool {
	return r != nil && r.Kind == KindPlatformAdmin
}

// OrgID returns the operative org id for org members.
func (r *ResolvedIdentity) OrgID() (uuid.UUID, bool) {
	if r == nil || r.Org == nil {
		return uuid.Nil, false
	}
	return r.Org.OrgID, true
}

// Role returns the caller's role within their org.
func (r *ResolvedIdentity) Role() (MemberRole, bool) {
	if r == nil || r.Org == nil {
		return "", false
	}
	return r.Org.Role, true
}

// BranchID returns the caller's branch assignment when one exists.
func (r *ResolvedIdentity) BranchID() (uuid.UUID, bool) {
	if r == nil || r.Org == nil || r.Org.BranchID == nil {
		return uuid.Nil, false
	}
	return *r.Org.BranchID, true
}

// OperatingMode returns the active portal mode; business when not in an org.
func (r *ResolvedIdentity) OperatingMode() OperatingMode {
	if r == nil || r.Org == nil || r.Org.Mode == "" {
		return ModeBusiness
	}
	return r.Org.Mode
}

// AgentContext returns the delegation grant while in agent mode.
func (r *ResolvedIdentity) AgentContext() (*AgentContext, bool) {
	if r == nil || r.Org == nil || r.Org.Mode != ModeAgent || r.Org.Agent == nil {
		return nil, false
	}
	return r.Org.Agent, true
}

// WithBusinessMode returns a copy operating in the org's own portal.
// Non-member identities are returned unchanged.
func (r *ResolvedIdentity) WithBusinessMode() *ResolvedIdentity {
	if r == nil || r.Org == nil {
		return r
	}
	clone := *r
	org := *r.Org
	org.Mode = ModeBusiness
	org.Agent = nil
	clone.Org = &org
	return &clone
}

// WithAgentMode returns a copy operating under the given delegation grant.
// Non-member identities are returned unchanged.
func (r *ResolvedIdentity) WithAgentMode(agent AgentContext) *ResolvedIdentity {
	if r == nil || r.Org == nil {
		return r
	}
	clone := *r
	org := *r.Org
	org.Mode = ModeAgent
	org.Agent = &agent
	clone.Org = &org
	return &clone
}

func (r ResolvedIdentity) String() string {
	if r.Org == nil {
		return fmt.Sprintf("kind=%s id=%s email=%s", r.Kind, r.ID, r.Email)
	}
	return fmt.Sprintf(
		"kind=%s id=%s email=%s org=%s role=%s mode=%s",
		r.Kind, r.ID, r.Email, r.Org.OrgID, r.Org.Role, r.Org.Mode,
	)
}
