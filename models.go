package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MemberRole is a caller's role inside an organization
type MemberRole = string

const (
	// RoleMember can view and edit records in their branch
	RoleMember MemberRole = "member"
	// RoleAdvisor can view and edit records across branches
	RoleAdvisor MemberRole = "advisor"
	// RoleAdmin can manage members and settings
	RoleAdmin MemberRole = "admin"
	// RoleOwner holds every permission including org deletion
	RoleOwner MemberRole = "owner"
)

// IsValidRole checks if the role is one of the predefined valid roles
func IsValidRole(r MemberRole) bool {
	switch r {
	case RoleMember, RoleAdvisor, RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// RoleIsAtLeast checks if role meets the minimum required level
func RoleIsAtLeast(role, minRole MemberRole) bool {
	hierarchy := map[MemberRole]int{
		RoleMember:  0,
		RoleAdvisor: 1,
		RoleAdmin:   2,
		RoleOwner:   3,
	}

	current, ok := hierarchy[role]
	if !ok {
		return false
	}

	min, ok := hierarchy[minRole]
	if !ok {
		return false
	}

	return current >= min
}

// OrgLifecycleState tracks an organization through its lifecycle
type OrgLifecycleState = string

const (
	OrgStateActive    OrgLifecycleState = "active"
	OrgStateSuspended OrgLifecycleState = "suspended"
	OrgStateArchived  OrgLifecycleState = "archived"
)

// MembershipStatus tracks a membership through its lifecycle
type MembershipStatus = string

const (
	MembershipStatusPending   MembershipStatus = "pending"
	MembershipStatusActive    MembershipStatus = "active"
	MembershipStatusSuspended MembershipStatus = "suspended"
	MembershipStatusRevoked   MembershipStatus = "revoked"
)

// Profile is the application-level record for an authenticated caller.
// CurrentOrgID is the server-side "current org" setting written best-effort
// after every successful resolution.
type Profile struct {
	bun.BaseModel   `bun:"table:profiles,alias:prf"`
	ID              uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email           string     `bun:"email,notnull,unique" json:"email,omitempty"`
	IsPlatformAdmin bool       `bun:"is_platform_admin,notnull,default:false" json:"is_platform_admin,omitempty"`
	CurrentOrgID    *uuid.UUID `bun:"current_org_id,nullzero,type:uuid" json:"current_org_id,omitempty"`
	CreatedAt       *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt       *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt       *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// Organization is a tenant
type Organization struct {
	bun.BaseModel  `bun:"table:orgs,alias:org"`
	ID             uuid.UUID         `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name           string            `bun:"name,notnull" json:"name,omitempty"`
	Slug           string            `bun:"slug,notnull,unique" json:"slug,omitempty"`
	LifecycleState OrgLifecycleState `bun:"lifecycle_state,notnull,default:'active'" json:"lifecycle_state,omitempty"`
	CreatedAt      *time.Time        `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time        `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt      *time.Time        `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// Membership links a profile to an organization with a role. A caller may
// hold multiple active memberships across orgs; only one is operative at a
// time per device.
type Membership struct {
	bun.BaseModel `bun:"table:memberships,alias:mbr"`
	ID            uuid.UUID        `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	ProfileID     uuid.UUID        `bun:"profile_id,notnull,type:uuid" json:"profile_id,omitempty"`
	OrgID         uuid.UUID        `bun:"org_id,notnull,type:uuid" json:"org_id,omitempty"`
	Org           *Organization    `bun:"rel:has-one,join:org_id=id" json:"org,omitempty"`
	Role          MemberRole       `bun:"member_role,notnull" json:"member_role,omitempty"`
	BranchID      *uuid.UUID       `bun:"branch_id,nullzero,type:uuid" json:"branch_id,omitempty"`
	Status        MembershipStatus `bun:"status,notnull,default:'pending'" json:"status,omitempty"`
	CreatedAt     *time.Time       `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time       `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time       `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// IsActive reports whether the membership participates in resolution.
func (m *Membership) IsActive() bool {
	if m == nil {
		return false
	}
	return m.Status == MembershipStatusActive
}

// OrgName returns the joined org name when loaded.
func (m *Membership) OrgName() string {
	if m == nil || m.Org == nil {
		return ""
	}
	return m.Org.Name
}

// AgentRelationship is a delegation grant: the sender org allows the agent
// user to operate inside the sender's portal.
type AgentRelationship struct {
	bun.BaseModel `bun:"table:agent_relationships,alias:agr"`
	ID            uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	SenderOrgID   uuid.UUID     `bun:"sender_org_id,notnull,type:uuid" json:"sender_org_id,omitempty"`
	SenderOrg     *Organization `bun:"rel:has-one,join:sender_org_id=id" json:"sender_org,omitempty"`
	AgentUserID   uuid.UUID     `bun:"agent_user_id,notnull,type:uuid" json:"agent_user_id,omitempty"`
	CanManage     bool          `bun:"can_manage,notnull,default:false" json:"can_manage,omitempty"`
	CreatedAt     *time.Time    `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time    `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time    `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// SenderOrgName returns the joined sender org name when loaded.
func (a *AgentRelationship) SenderOrgName() string {
	if a == nil || a.SenderOrg == nil {
		return ""
	}
	return a.SenderOrg.Name
}

// LocalState is the single-table backing store for persisted local values
// (last good session snapshot, current org id, operating context mode).
type LocalState struct {
	bun.BaseModel `bun:"table:identity_local_state,alias:ils"`
	Key           string     `bun:"key,pk" json:"key"`
	Value         []byte     `bun:"value" json:"value,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}
