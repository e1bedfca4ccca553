package identity

import (
	"context"
	"time"
)

// AssuranceChecker reads the current session's assurance level from the
// identity backend. SessionSource satisfies it.
type AssuranceChecker interface {
	AssuranceLevel(ctx context.Context) (AssuranceLevel, error)
}

// MfaGate decides whether a resolved identity still owes a second factor.
// The rule is fail-secure: for privileged accounts, any error, timeout, or
// non-maximal level counts as an unsatisfied gate. Uncertainty about the
// second factor is treated the same as its explicit absence.
type MfaGate struct {
	checker AssuranceChecker
	timeout time.Duration
	logger  Logger
}

func NewMfaGate(checker AssuranceChecker, cfg Config) *MfaGate {
	timeout := DefaultCallTimeout
	if cfg != nil {
		timeout = cfg.GetCallTimeout()
	}

	return &MfaGate{
		checker: checker,
		timeout: timeout,
		logger:  defLogger{},
	}
}

func (g *MfaGate) WithLogger(logger Logger) *MfaGate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Evaluate returns true when the identity must complete an MFA challenge
// before touching protected surfaces. Non-admin identities never do; the
// gate is meaningful only for platform operators.
func (g *MfaGate) Evaluate(ctx context.Context, resolved *ResolvedIdentity) bool {
	if !resolved.IsPlatformAdmin() {
		return false
	}

	if g.checker == nil {
		g.logger.Warn("no assurance checker wired, gating admin by default")
		return true
	}

	level, err := WithDeadline(ctx, g.timeout, func(ctx context.Context) (AssuranceLevel, error) {
		return g.checker.AssuranceLevel(ctx)
	})
	if err != nil {
		g.logger.Warn("assurance check failed, gating admin", "error", err)
		return true
	}

	if level != MaxAssuranceLevel {
		g.logger.Info("admin below max assurance level, gating", "level", level)
		return true
	}

	return false
}
