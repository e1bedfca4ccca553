package identity

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProvisionDefaultOrgMessage requests a default org for an org-less caller.
type ProvisionDefaultOrgMessage struct {
	ProfileID uuid.UUID `json:"profile_id"`
	Email     string    `json:"email"`
}

func (e ProvisionDefaultOrgMessage) Type() string { return "identity.org.provision_default" }

// DefaultOrgProvisioner creates a default org plus an owner membership in one
// transaction. It backs the resolver's zero-membership fallback and can also
// run as a message handler.
type DefaultOrgProvisioner struct {
	repo   DirectoryManager
	logger Logger
	now    func() time.Time
}

var _ OrgProvisioner = (*DefaultOrgProvisioner)(nil)

func NewDefaultOrgProvisioner(repo DirectoryManager) *DefaultOrgProvisioner {
	return &DefaultOrgProvisioner{
		repo:   repo,
		logger: defLogger{},
		now:    time.Now,
	}
}

func (p *DefaultOrgProvisioner) WithLogger(logger Logger) *DefaultOrgProvisioner {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// WithClock injects a custom clock (useful for tests).
func (p *DefaultOrgProvisioner) WithClock(clock func() time.Time) *DefaultOrgProvisioner {
	if clock != nil {
		p.now = clock
	}
	return p
}

// Execute handles the message form of provisioning.
func (p *DefaultOrgProvisioner) Execute(ctx context.Context, event ProvisionDefaultOrgMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during org provisioning",
		)
	default:
		_, err := p.CreateDefaultOrg(ctx, &Profile{ID: event.ProfileID, Email: event.Email})
		return err
	}
}

// CreateDefaultOrg provisions "<local-part>'s Workspace" with the caller as
// owner. The org id is derived from the email so a retry after a partial
// failure collides instead of minting a second default org.
func (p *DefaultOrgProvisioner) CreateDefaultOrg(ctx context.Context, profile *Profile) (*ProvisionedOrg, error) {
	if profile == nil || profile.ID == uuid.Nil {
		return nil, goerrors.New("profile is required", goerrors.CategoryBadInput)
	}

	orgID := uuid.New()
	if id, err := hashid.NewUUID("org:" + profile.Email); err == nil {
		orgID = id
	}

	name := defaultOrgName(profile.Email)
	now := p.now()

	org := &Organization{
		ID:             orgID,
		Name:           name,
		Slug:           defaultOrgSlug(profile.Email, orgID),
		LifecycleState: OrgStateActive,
		CreatedAt:      &now,
	}

	membership := &Membership{
		ID:        uuid.New(),
		ProfileID: profile.ID,
		OrgID:     orgID,
		Role:      RoleOwner,
		Status:    MembershipStatusActive,
		CreatedAt: &now,
	}

	err := p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if org, err = p.repo.Orgs().CreateTx(ctx, tx, org); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create default org")
		}

		if membership, err = p.repo.Memberships().CreateTx(ctx, tx, membership); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create owner membership")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "org provisioning transaction failed")
	}

	p.logger.Info("provisioned default org", "org", org.ID, "profile", profile.ID)

	return &ProvisionedOrg{OrgID: org.ID, MembershipID: membership.ID}, nil
}

func defaultOrgName(email string) string {
	local := email
	if strings.Contains(email, "@") {
		local = strings.Split(email, "@")[0]
	}
	if local == "" {
		return "My Workspace"
	}
	return local + "'s Workspace"
}

func defaultOrgSlug(email string, orgID uuid.UUID) string {
	local := email
	if strings.Contains(email, "@") {
		local = strings.Split(email, "@")[0]
	}
	local = strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		default:
			return '-'
		}
	}, local))
	local = strings.Trim(local, "-")
	if local == "" {
		local = "workspace"
	}
	return local + "-" + strings.Split(orgID.String(), "-")[0]
}
