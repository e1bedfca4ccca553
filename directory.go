package identity

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Directory is the read-mostly contract this subsystem has with the
// relational store. FindProfile returns (nil, nil) when no profile exists;
// ErrPermissionDenied from an implementation is treated as fail-closed.
type Directory interface {
	FindProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	FindActiveMemberships(ctx context.Context, profileID uuid.UUID) ([]*Membership, error)
	FindAgentRelationship(ctx context.Context, agentUserID, senderOrgID uuid.UUID) (*AgentRelationship, error)
	PersistCurrentOrg(ctx context.Context, profileID, orgID uuid.UUID) error
}

// DirectoryManager exposes the directory repositories plus transactions.
type DirectoryManager interface {
	Directory
	repository.Validator
	repository.TransactionManager
	Profiles() repository.Repository[*Profile]
	Orgs() repository.Repository[*Organization]
	Memberships() repository.Repository[*Membership]
	AgentRelationships() repository.Repository[*AgentRelationship]
}

func NewProfilesRepository(db *bun.DB) repository.Repository[*Profile] {
	handlers := repository.ModelHandlers[*Profile]{
		NewRecord: func() *Profile { return &Profile{} },
		GetID: func(record *Profile) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *Profile, id uuid.UUID) {
			if record != nil {
				record.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	}
	return repository.NewRepository(db, handlers)
}

func NewOrgsRepository(db *bun.DB) repository.Repository[*Organization] {
	handlers := repository.ModelHandlers[*Organization]{
		NewRecord: func() *Organization { return &Organization{} },
		GetID: func(record *Organization) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *Organization, id uuid.UUID) {
			if record != nil {
				record.ID = id
			}
		},
		GetIdentifier: func() string {
			return "slug"
		},
	}
	return repository.NewRepository(db, handlers)
}

func NewMembershipsRepository(db *bun.DB) repository.Repository[*Membership] {
	handlers := repository.ModelHandlers[*Membership]{
		NewRecord: func() *Membership { return &Membership{} },
		GetID: func(record *Membership) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *Membership, id uuid.UUID) {
			if record != nil {
				record.ID = id
			}
		},
	}
	return repository.NewRepository(db, handlers)
}

func NewAgentRelationshipsRepository(db *bun.DB) repository.Repository[*AgentRelationship] {
	handlers := repository.ModelHandlers[*AgentRelationship]{
		NewRecord: func() *AgentRelationship { return &AgentRelationship{} },
		GetID: func(record *AgentRelationship) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *AgentRelationship, id uuid.UUID) {
			if record != nil {
				record.ID = id
			}
		},
	}
	return repository.NewRepository(db, handlers)
}

type dirmngr struct {
	db                 *bun.DB
	profiles           repository.Repository[*Profile]
	orgs               repository.Repository[*Organization]
	memberships        repository.Repository[*Membership]
	agentRelationships repository.Repository[*AgentRelationship]
}

var _ DirectoryManager = (*dirmngr)(nil)

func NewDirectoryManager(db *bun.DB) DirectoryManager {
	return &dirmngr{
		db:                 db,
		profiles:           NewProfilesRepository(db),
		orgs:               NewOrgsRepository(db),
		memberships:        NewMembershipsRepository(db),
		agentRelationships: NewAgentRelationshipsRepository(db),
	}
}

func (m dirmngr) Validate() error {
	if m.profiles == nil {
		return errors.New("repository profiles should be initialized")
	}

	if m.orgs == nil {
		return errors.New("repository orgs should be initialized")
	}

	if m.memberships == nil {
		return errors.New("repository memberships should be initialized")
	}

	if m.agentRelationships == nil {
		return errors.New("repository agentRelationships should be initialized")
	}

	return nil
}

func (m dirmngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m dirmngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m dirmngr) Profiles() repository.Repository[*Profile] {
	return m.profiles
}

func (m dirmngr) Orgs() repository.Repository[*Organization] {
	return m.orgs
}

func (m dirmngr) Memberships() repository.Repository[*Membership] {
	return m.memberships
}

func (m dirmngr) AgentRelationships() repository.Repository[*AgentRelationship] {
	return m.agentRelationships
}

func (m dirmngr) FindProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	record := &Profile{}
	err := m.db.NewSelect().
		Model(record).
		Where("prf.id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "profile lookup failed")
	}
	return record, nil
}

// FindActiveMemberships returns the caller's active memberships in active
// orgs, ordered by creation ascending so "first membership" is deterministic.
func (m dirmngr) FindActiveMemberships(ctx context.Context, profileID uuid.UUID) ([]*Membership, error) {
	var records []*Membership
	err := m.db.NewSelect().
		Model(&records).
		Relation("Org").
		Where("mbr.profile_id = ?", profileID).
		Where("mbr.status = ?", MembershipStatusActive).
		Where("org.lifecycle_state = ?", OrgStateActive).
		Order("mbr.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "membership lookup failed")
	}
	return records, nil
}

func (m dirmngr) FindAgentRelationship(ctx context.Context, agentUserID, senderOrgID uuid.UUID) (*AgentRelationship, error) {
	record := &AgentRelationship{}
	err := m.db.NewSelect().
		Model(record).
		Relation("SenderOrg").
		Where("agr.agent_user_id = ?", agentUserID).
		Where("agr.sender_org_id = ?", senderOrgID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDelegationNotFound.WithMetadata(map[string]any{
				"agent_user_id": agentUserID.String(),
				"sender_org_id": senderOrgID.String(),
			})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "agent relationship lookup failed")
	}
	return record, nil
}

// PersistCurrentOrg writes the server-side "current org" setting. Callers
// treat failures as best-effort and only log them.
func (m dirmngr) PersistCurrentOrg(ctx context.Context, profileID, orgID uuid.UUID) error {
	now := time.Now()
	_, err := m.db.NewUpdate().
		Model((*Profile)(nil)).
		Set("current_org_id = ?", orgID).
		Set("updated_at = ?", now).
		Where("id = ?", profileID).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "persist current org failed")
	}
	return nil
}
