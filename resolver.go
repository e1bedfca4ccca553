package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// ProvisioningSync is the external collaborator that materializes a profile
// for a session user the directory has never seen (e.g. first login after an
// out-of-band signup). A (nil, nil) result means sync had nothing either.
type ProvisioningSync interface {
	SyncProfile(ctx context.Context, session *Session) (*Profile, error)
}

// ProvisionedOrg is the result of auto-provisioning a default org.
type ProvisionedOrg struct {
	OrgID        uuid.UUID
	MembershipID uuid.UUID
}

// OrgProvisioner creates a default org plus an owner membership for callers
// who authenticated but belong to no org yet.
type OrgProvisioner interface {
	CreateDefaultOrg(ctx context.Context, profile *Profile) (*ProvisionedOrg, error)
}

// Resolver turns a raw session into a ResolvedIdentity. Every remote call is
// bounded; a permission-denied profile read and a missing-profile-after-sync
// are the only terminal outcomes, everything else is transient.
type Resolver struct {
	directory   Directory
	sync        ProvisioningSync
	provisioner OrgProvisioner
	state       KeyValueStore
	timeout     time.Duration
	logger      Logger
	now         func() time.Time
}

func NewResolver(directory Directory, cfg Config) *Resolver {
	timeout := DefaultCallTimeout
	if cfg != nil {
		timeout = cfg.GetCallTimeout()
	}

	return &Resolver{
		directory: directory,
		state:     NewMemoryStateStore(),
		timeout:   timeout,
		logger:    defLogger{},
		now:       time.Now,
	}
}

func (r *Resolver) WithLogger(logger Logger) *Resolver {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithProvisioningSync wires the external profile sync collaborator.
func (r *Resolver) WithProvisioningSync(sync ProvisioningSync) *Resolver {
	r.sync = sync
	return r
}

// WithOrgProvisioner wires the default-org fallback collaborator.
func (r *Resolver) WithOrgProvisioner(provisioner OrgProvisioner) *Resolver {
	r.provisioner = provisioner
	return r
}

// WithStateStore wires the persisted local state used for the preferred org.
func (r *Resolver) WithStateStore(store KeyValueStore) *Resolver {
	if store != nil {
		r.state = store
	}
	return r
}

// WithClock injects a custom clock (useful for tests).
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	if clock != nil {
		r.now = clock
	}
	return r
}

// Resolve maps a session to its identity. A nil session resolves to a nil
// identity with no error.
func (r *Resolver) Resolve(ctx context.Context, session *Session) (*ResolvedIdentity, error) {
	if session == nil {
		return nil, nil
	}

	userID, err := session.GetUserUUID()
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "session carries no usable user id")
	}

	profile, err := WithDeadline(ctx, r.timeout, func(ctx context.Context) (*Profile, error) {
		return r.directory.FindProfile(ctx, userID)
	})
	if err != nil {
		if IsPermissionDenied(err) {
			return nil, err
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "profile fetch failed")
	}

	if profile == nil {
		if profile, err = r.syncMissingProfile(ctx, session); err != nil {
			return nil, err
		}
	}

	// Platform admins bypass membership entirely; the identity variant
	// cannot carry org fields, so any stray membership row is ignored.
	if profile.IsPlatformAdmin {
		r.logger.Debug("resolved platform admin, skipping membership lookup", "profile", profile.ID)
		return NewPlatformAdminIdentity(profile.ID, profile.Email), nil
	}

	memberships, err := r.fetchMemberships(ctx, profile.ID)
	if err != nil {
		return nil, err
	}

	if len(memberships) == 0 {
		memberships, err = r.provisionDefaultOrg(ctx, profile)
		if err != nil {
			return nil, err
		}
		if len(memberships) == 0 {
			return NewUnaffiliatedIdentity(profile.ID, profile.Email), nil
		}
	}

	membership := r.pickMembership(ctx, memberships)

	resolved := NewOrgMemberIdentity(profile.ID, profile.Email, OrgContext{
		OrgID:    membership.OrgID,
		OrgName:  membership.OrgName(),
		Role:     membership.Role,
		BranchID: membership.BranchID,
		Mode:     ModeBusiness,
	})

	r.persistCurrentOrg(ctx, profile.ID, membership.OrgID)

	return resolved, nil
}

func (r *Resolver) syncMissingProfile(ctx context.Context, session *Session) (*Profile, error) {
	if r.sync == nil {
		return nil, ErrNotProvisioned.WithMetadata(map[string]any{
			"user_id": session.GetUserID(),
			"reason":  "no provisioning sync configured",
		})
	}

	r.logger.Info("profile missing, invoking provisioning sync", "user_id", session.GetUserID())

	profile, err := WithDeadline(ctx, r.timeout, func(ctx context.Context) (*Profile, error) {
		return r.sync.SyncProfile(ctx, session)
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "provisioning sync failed")
	}

	if profile == nil {
		return nil, ErrNotProvisioned.WithMetadata(map[string]any{
			"user_id": session.GetUserID(),
		})
	}

	return profile, nil
}

func (r *Resolver) fetchMemberships(ctx context.Context, profileID uuid.UUID) ([]*Membership, error) {
	memberships, err := WithDeadline(ctx, r.timeout, func(ctx context.Context) ([]*Membership, error) {
		return r.directory.FindActiveMemberships(ctx, profileID)
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "membership fetch failed")
	}
	return memberships, nil
}

// provisionDefaultOrg is a convenience fallback, never a hard requirement:
// failure leaves the caller unaffiliated until they are invited or join.
func (r *Resolver) provisionDefaultOrg(ctx context.Context, profile *Profile) ([]*Membership, error) {
	if r.provisioner == nil {
		return nil, nil
	}

	provisioned, err := WithDeadline(ctx, r.timeout, func(ctx context.Context) (*ProvisionedOrg, error) {
		return r.provisioner.CreateDefaultOrg(ctx, profile)
	})
	if err != nil {
		r.logger.Warn("default org provisioning failed, caller stays unaffiliated", "profile", profile.ID, "error", err)
		return nil, nil
	}

	r.logger.Info("provisioned default org", "profile", profile.ID, "org", provisioned.OrgID)

	return r.fetchMemberships(ctx, profile.ID)
}

// pickMembership prefers the previously persisted org among the candidates,
// otherwise the earliest-created membership.
func (r *Resolver) pickMembership(ctx context.Context, memberships []*Membership) *Membership {
	if preferred, ok := ReadValue[uuid.UUID](ctx, r.state, KeyCurrentOrgID, r.now()); ok {
		for _, m := range memberships {
			if m.OrgID == preferred {
				return m
			}
		}
	}
	return memberships[0]
}

// persistCurrentOrg records the chosen org both locally and server-side.
// Both writes are best-effort; failures never surface to the caller.
func (r *Resolver) persistCurrentOrg(ctx context.Context, profileID, orgID uuid.UUID) {
	if err := WriteValue(ctx, r.state, KeyCurrentOrgID, orgID, 0, r.now()); err != nil {
		r.logger.Debug("local current org write failed", "error", err)
	}

	_, err := WithDeadline(ctx, r.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.directory.PersistCurrentOrg(ctx, profileID, orgID)
	})
	if err != nil {
		r.logger.Debug("server current org write failed", "error", err)
	}
}
