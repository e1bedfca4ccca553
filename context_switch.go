package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OperatingContextState is the persisted shape of the caller's mode choice,
// restored on the next bootstrap so context survives reloads.
type OperatingContextState struct {
	Mode        OperatingMode `json:"mode"`
	SenderOrgID *uuid.UUID    `json:"sender_org_id,omitempty"`
}

// ContextSwitcher toggles between the org's own portal and a delegated agent
// portal. Switching never fails: a missing delegation relationship is a
// logged no-op that leaves the caller's context unchanged.
type ContextSwitcher struct {
	directory Directory
	state     KeyValueStore
	timeout   time.Duration
	logger    Logger
	now       func() time.Time
}

func NewContextSwitcher(directory Directory, cfg Config) *ContextSwitcher {
	timeout := DefaultCallTimeout
	if cfg != nil {
		timeout = cfg.GetCallTimeout()
	}

	return &ContextSwitcher{
		directory: directory,
		state:     NewMemoryStateStore(),
		timeout:   timeout,
		logger:    defLogger{},
		now:       time.Now,
	}
}

func (s *ContextSwitcher) WithLogger(logger Logger) *ContextSwitcher {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithStateStore wires the persisted local state for the mode choice.
func (s *ContextSwitcher) WithStateStore(store KeyValueStore) *ContextSwitcher {
	if store != nil {
		s.state = store
	}
	return s
}

// WithClock injects a custom clock (useful for tests).
func (s *ContextSwitcher) WithClock(clock func() time.Time) *ContextSwitcher {
	if clock != nil {
		s.now = clock
	}
	return s
}

// SwitchToBusiness clears any agent context and persists business mode.
func (s *ContextSwitcher) SwitchToBusiness(ctx context.Context, resolved *ResolvedIdentity) *ResolvedIdentity {
	s.persistMode(ctx, OperatingContextState{Mode: ModeBusiness})
	return resolved.WithBusinessMode()
}

// SwitchToAgent looks up the caller's delegation to senderOrgID and, when one
// exists, persists agent mode and returns the updated identity. Without a
// relationship the caller's context is unchanged.
func (s *ContextSwitcher) SwitchToAgent(ctx context.Context, resolved *ResolvedIdentity, senderOrgID uuid.UUID) *ResolvedIdentity {
	if resolved == nil || resolved.Org == nil {
		s.logger.Info("agent switch ignored, caller has no org context", "sender_org", senderOrgID)
		return resolved
	}

	relationship, err := WithDeadline(ctx, s.timeout, func(ctx context.Context) (*AgentRelationship, error) {
		return s.directory.FindAgentRelationship(ctx, resolved.ID, senderOrgID)
	})
	if err != nil {
		if IsDelegationNotFound(err) {
			s.logger.Info("agent switch ignored, no delegation relationship", "sender_org", senderOrgID, "user", resolved.ID)
		} else {
			s.logger.Warn("agent switch failed, keeping current context", "sender_org", senderOrgID, "error", err)
		}
		return resolved
	}

	s.persistMode(ctx, OperatingContextState{Mode: ModeAgent, SenderOrgID: &senderOrgID})

	return resolved.WithAgentMode(AgentContext{
		SenderOrgID:    relationship.SenderOrgID,
		SenderOrgName:  relationship.SenderOrgName(),
		RelationshipID: relationship.ID,
		CanManage:      relationship.CanManage,
	})
}

// Restore replays the persisted mode choice onto a freshly resolved identity.
// A persisted agent mode whose relationship no longer exists falls back to
// business mode.
func (s *ContextSwitcher) Restore(ctx context.Context, resolved *ResolvedIdentity) *ResolvedIdentity {
	if resolved == nil || resolved.Org == nil {
		return resolved
	}

	persisted, ok := ReadValue[OperatingContextState](ctx, s.state, KeyOperatingContext, s.now())
	if !ok || persisted.Mode != ModeAgent || persisted.SenderOrgID == nil {
		return resolved
	}

	return s.SwitchToAgent(ctx, resolved, *persisted.SenderOrgID)
}

func (s *ContextSwitcher) persistMode(ctx context.Context, state OperatingContextState) {
	if err := WriteValue(ctx, s.state, KeyOperatingContext, state, 0, s.now()); err != nil {
		s.logger.Debug("operating context write failed", "error", err)
	}
}
