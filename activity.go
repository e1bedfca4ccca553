package identity

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventStateChanged    ActivityEventType = "identity.state.changed"
	ActivityEventSignInSuccess   ActivityEventType = "identity.signin.success"
	ActivityEventSignInFailure   ActivityEventType = "identity.signin.failure"
	ActivityEventSignOut         ActivityEventType = "identity.signout"
	ActivityEventDegradedFall    ActivityEventType = "identity.degraded.fallback"
	ActivityEventReconnected     ActivityEventType = "identity.reconnected"
	ActivityEventMfaGateRaised   ActivityEventType = "identity.mfa.gate_raised"
	ActivityEventContextSwitched ActivityEventType = "identity.context.switched"
	ActivityEventFailClosed      ActivityEventType = "identity.fail_closed"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	UserID     string
	FromState  ControllerState
	ToState    ControllerState
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}
