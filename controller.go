package identity

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// ControllerState is a lifecycle controller state.
type ControllerState string

const (
	// StateInitializing is the boot state before the first resolution lands.
	StateInitializing ControllerState = "initializing"
	// StateConnected means a live session resolved against the backend.
	StateConnected ControllerState = "connected"
	// StateDegradedCached means the backend was unreachable and the identity
	// was restored from the local snapshot.
	StateDegradedCached ControllerState = "degraded_cached"
	// StateRetrying is a user-triggered re-resolution in flight.
	StateRetrying ControllerState = "retrying"
	// StateUnauthenticated means no usable session exists on this device.
	StateUnauthenticated ControllerState = "unauthenticated"
)

// Snapshot is the consumer-facing view of the controller.
type Snapshot struct {
	State            ControllerState
	Identity         *ResolvedIdentity
	Session          *Session
	Loading          bool
	ConnectionError  bool
	Retrying         bool
	RequiresAdminMfa bool
}

// Controller orchestrates session bootstrap, cached fallback, reconnection,
// and sign-in/out into one state machine. All resolver-level errors stop at
// this boundary and become state transitions; nothing bubbles to consumers
// except the direct return values of SignIn/SignUp.
type Controller struct {
	source    SessionSource
	resolver  *Resolver
	cache     *SnapshotCache
	gate      *MfaGate
	switcher  *ContextSwitcher
	validator SnapshotValidator
	timeout   time.Duration
	logger    Logger
	sink      ActivitySink

	mu          sync.Mutex
	started     bool
	state       ControllerState
	identity    *ResolvedIdentity
	session     *Session
	loading     bool
	connErr     bool
	retrying    bool
	requiresMfa bool
	lastErr     error
	nextSeq     uint64
	applied     uint64
	subscribers map[int]func(Snapshot)
	nextSubID   int
	unsubscribe func()

	transitions map[ControllerState]map[ControllerState]struct{}
}

func NewController(source SessionSource, resolver *Resolver, cfg Config) *Controller {
	timeout := DefaultCallTimeout
	if cfg != nil {
		timeout = cfg.GetCallTimeout()
	}

	return &Controller{
		source:      source,
		resolver:    resolver,
		cache:       NewSnapshotCache(NewMemoryStateStore()),
		gate:        NewMfaGate(source, cfg),
		timeout:     timeout,
		logger:      defLogger{},
		sink:        noopActivitySink{},
		state:       StateInitializing,
		loading:     true,
		subscribers: map[int]func(Snapshot){},
		transitions: map[ControllerState]map[ControllerState]struct{}{
			StateInitializing: {
				StateConnected:       {},
				StateDegradedCached:  {},
				StateUnauthenticated: {},
			},
			StateConnected: {
				StateConnected:       {},
				StateDegradedCached:  {},
				StateRetrying:        {},
				StateUnauthenticated: {},
			},
			StateDegradedCached: {
				StateConnected:       {},
				StateDegradedCached:  {},
				StateRetrying:        {},
				StateUnauthenticated: {},
			},
			StateRetrying: {
				StateConnected:       {},
				StateDegradedCached:  {},
				StateUnauthenticated: {},
			},
			StateUnauthenticated: {
				StateConnected:       {},
				StateDegradedCached:  {},
				StateRetrying:        {},
				StateUnauthenticated: {},
			},
		},
	}
}

func (c *Controller) WithLogger(logger Logger) *Controller {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithSnapshotCache overrides the default in-memory backed cache.
func (c *Controller) WithSnapshotCache(cache *SnapshotCache) *Controller {
	if cache != nil {
		c.cache = cache
	}
	return c
}

// WithMfaGate overrides the default gate built from the session source.
func (c *Controller) WithMfaGate(gate *MfaGate) *Controller {
	if gate != nil {
		c.gate = gate
	}
	return c
}

// WithContextSwitcher wires business/agent mode switching and restore.
func (c *Controller) WithContextSwitcher(switcher *ContextSwitcher) *Controller {
	c.switcher = switcher
	return c
}

// WithSnapshotValidator wires signature verification for restored snapshots.
func (c *Controller) WithSnapshotValidator(validator SnapshotValidator) *Controller {
	c.validator = validator
	return c
}

// WithActivitySink configures an ActivitySink for lifecycle events.
func (c *Controller) WithActivitySink(sink ActivitySink) *Controller {
	c.sink = normalizeActivitySink(sink)
	return c
}

// Start boots the controller: subscribe to session changes, fetch the
// session under the deadline harness, and run the first resolution. Remote
// failures on this path fall back to the cached snapshot; Start itself only
// errors on misconfiguration.
func (c *Controller) Start(ctx context.Context) error {
	if c.source == nil || c.resolver == nil {
		return goerrors.New("controller requires a session source and resolver", goerrors.CategoryBadInput)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.unsubscribe = c.source.OnSessionChanged(func(session *Session) {
		c.handleSessionChanged(context.Background(), session)
	})

	seq := c.allocateSeq()

	session, err := WithDeadline(ctx, c.timeout, func(ctx context.Context) (*Session, error) {
		return c.source.GetSession(ctx)
	})
	if err != nil {
		c.logger.Warn("session fetch failed on boot", "error", err)
		c.fallbackToCache(ctx, seq, true)
		return nil
	}

	if session == nil {
		c.apply(ctx, seq, func() {
			c.setStateLocked(StateUnauthenticated)
			c.session = nil
			c.identity = nil
			c.connErr = false
			c.loading = false
		})
		return nil
	}

	c.resolveAndApply(ctx, seq, session, true)
	return nil
}

// Stop detaches the session-changed subscription.
func (c *Controller) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Snapshot returns the current consumer view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LastError exposes the terminal error that forced the current state, if
// any. The route guard uses it to pick the login-page error marker.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe registers a snapshot observer and returns an unsubscribe func.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// RetryConnection re-enters the resolution path. A retry requested while one
// is already in flight is ignored; that latch is the only mutual exclusion
// manual retries carry.
func (c *Controller) RetryConnection(ctx context.Context) {
	c.mu.Lock()
	if c.retrying {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case StateConnected, StateDegradedCached:
	case StateUnauthenticated:
		if !c.connErr {
			c.mu.Unlock()
			return
		}
	default:
		c.mu.Unlock()
		return
	}

	c.retrying = true
	c.setStateLocked(StateRetrying)
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
		c.notify()
	}()

	seq := c.allocateSeq()

	session, err := WithDeadline(ctx, c.timeout, func(ctx context.Context) (*Session, error) {
		return c.source.GetSession(ctx)
	})
	if err != nil {
		c.logger.Warn("manual retry session fetch failed", "error", err)
		c.fallbackToCache(ctx, seq, false)
		return
	}

	if session == nil {
		c.apply(ctx, seq, func() {
			c.setStateLocked(StateUnauthenticated)
			c.session = nil
			c.identity = nil
			c.connErr = false
			c.loading = false
		})
		return
	}

	c.resolveAndApply(ctx, seq, session, false)
}

// RefreshAdminMfaRequirement recomputes the gate for the current identity.
func (c *Controller) RefreshAdminMfaRequirement(ctx context.Context) {
	c.mu.Lock()
	resolved := c.identity
	c.mu.Unlock()

	if !resolved.IsPlatformAdmin() {
		return
	}

	required := c.gate.Evaluate(ctx, resolved)

	c.mu.Lock()
	changed := c.requiresMfa != required
	c.requiresMfa = required
	c.mu.Unlock()

	if changed {
		c.notify()
	}
	if required {
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventMfaGateRaised,
			UserID:    resolved.ID.String(),
		})
	}
}

// SignIn authenticates with the backend and resolves the new session.
func (c *Controller) SignIn(ctx context.Context, payload SignInPayload) error {
	if err := payload.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid sign in payload")
	}

	session, err := WithDeadline(ctx, c.timeout, func(ctx context.Context) (*Session, error) {
		return c.source.SignInWithPassword(ctx, payload.Email, payload.Password)
	})
	if err != nil {
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventSignInFailure,
			Metadata:  map[string]any{"email": payload.Email, "error": err.Error()},
		})
		return err
	}

	seq := c.allocateSeq()
	if err := c.applyFreshSession(ctx, seq, session); err != nil {
		return err
	}

	c.record(ctx, ActivityEvent{
		EventType: ActivityEventSignInSuccess,
		UserID:    session.GetUserID(),
	})
	return nil
}

// SignUp registers with the backend and resolves the new session. First
// resolution typically walks the provisioning-sync path.
func (c *Controller) SignUp(ctx context.Context, payload SignUpPayload) error {
	if err := payload.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid sign up payload")
	}

	session, err := WithDeadline(ctx, c.timeout, func(ctx context.Context) (*Session, error) {
		return c.source.SignUp(ctx, payload.Email, payload.Password)
	})
	if err != nil {
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventSignInFailure,
			Metadata:  map[string]any{"email": payload.Email, "error": err.Error()},
		})
		return err
	}

	seq := c.allocateSeq()
	if err := c.applyFreshSession(ctx, seq, session); err != nil {
		return err
	}

	c.record(ctx, ActivityEvent{
		EventType: ActivityEventSignInSuccess,
		UserID:    session.GetUserID(),
	})
	return nil
}

// SignOut wipes local state immediately and then attempts a bounded global
// sign-out. The remote outcome never changes the local result: by the time
// this returns, session and identity are nil regardless.
func (c *Controller) SignOut(ctx context.Context) {
	seq := c.allocateSeq()

	var userID string
	c.apply(ctx, seq, func() {
		if c.identity != nil {
			userID = c.identity.ID.String()
		}
		c.setStateLocked(StateUnauthenticated)
		c.session = nil
		c.identity = nil
		c.requiresMfa = false
		c.connErr = false
		c.loading = false
		c.lastErr = nil
	})

	c.cache.Clear(ctx)

	c.record(ctx, ActivityEvent{
		EventType: ActivityEventSignOut,
		UserID:    userID,
	})

	_, err := WithDeadline(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.source.SignOut(ctx, SignOutGlobal)
	})
	if err != nil {
		c.logger.Warn("global sign out failed, local session already cleared", "error", err)
	}
}

// SwitchToBusinessMode returns the caller to their own org portal.
func (c *Controller) SwitchToBusinessMode(ctx context.Context) {
	if c.switcher == nil {
		c.logger.Warn("context switch requested without a switcher wired")
		return
	}

	c.mu.Lock()
	resolved := c.identity
	c.mu.Unlock()

	updated := c.switcher.SwitchToBusiness(ctx, resolved)

	c.mu.Lock()
	c.identity = updated
	c.mu.Unlock()
	c.notify()

	c.record(ctx, ActivityEvent{
		EventType: ActivityEventContextSwitched,
		Metadata:  map[string]any{"mode": string(ModeBusiness)},
	})
}

// SwitchToAgentMode enters the delegated portal for senderOrgID. A missing
// delegation relationship leaves the context unchanged and never errors.
func (c *Controller) SwitchToAgentMode(ctx context.Context, senderOrgID uuid.UUID) {
	if c.switcher == nil {
		c.logger.Warn("context switch requested without a switcher wired")
		return
	}

	c.mu.Lock()
	resolved := c.identity
	c.mu.Unlock()

	updated := c.switcher.SwitchToAgent(ctx, resolved, senderOrgID)

	c.mu.Lock()
	changed := updated != c.identity
	c.identity = updated
	c.mu.Unlock()

	if !changed {
		return
	}
	c.notify()

	c.record(ctx, ActivityEvent{
		EventType: ActivityEventContextSwitched,
		Metadata: map[string]any{
			"mode":       string(ModeAgent),
			"sender_org": senderOrgID.String(),
		},
	})
}

// handleSessionChanged reacts to sign-ins elsewhere and token refreshes. It
// always re-runs the resolver directly; only a resolution timeout takes the
// cache-fallback branch.
func (c *Controller) handleSessionChanged(ctx context.Context, session *Session) {
	seq := c.allocateSeq()

	if session == nil {
		c.cache.Clear(ctx)
		c.apply(ctx, seq, func() {
			c.setStateLocked(StateUnauthenticated)
			c.session = nil
			c.identity = nil
			c.requiresMfa = false
			c.connErr = false
			c.loading = false
		})
		return
	}

	resolved, requiresMfa, err := c.resolveIdentity(ctx, session)
	if err != nil {
		switch {
		case IsTerminalError(err):
			c.failTerminal(ctx, seq, err)
		case IsTimeoutError(err):
			c.fallbackToCache(ctx, seq, false)
		default:
			c.logger.Error("session change resolution failed", "error", err)
			c.mu.Lock()
			c.connErr = true
			c.mu.Unlock()
			c.notify()
		}
		return
	}

	c.applyConnected(ctx, seq, session, resolved, requiresMfa)
}

// resolveAndApply runs a full resolution for session and lands the outcome:
// connected on success, cache fallback on transient failure, terminal wipe
// on fail-closed or unprovisioned. The returned error mirrors terminal and
// transient failures for callers (sign-in) that surface them.
func (c *Controller) resolveAndApply(ctx context.Context, seq uint64, session *Session, spawnReconnect bool) error {
	resolved, requiresMfa, err := c.resolveIdentity(ctx, session)
	if err != nil {
		if IsTerminalError(err) {
			c.failTerminal(ctx, seq, err)
			return err
		}
		c.logger.Warn("resolution failed, attempting cache fallback", "error", err)
		c.fallbackToCache(ctx, seq, spawnReconnect)
		return err
	}

	c.applyConnected(ctx, seq, session, resolved, requiresMfa)
	return nil
}

// applyFreshSession resolves a just-minted session from sign-in or sign-up.
// Transient failures return to the caller instead of falling back to the
// cache, which may still hold the previous identity's snapshot.
func (c *Controller) applyFreshSession(ctx context.Context, seq uint64, session *Session) error {
	resolved, requiresMfa, err := c.resolveIdentity(ctx, session)
	if err != nil {
		if IsTerminalError(err) {
			c.failTerminal(ctx, seq, err)
			return err
		}
		c.logger.Error("fresh session resolution failed", "error", err)
		return err
	}

	c.applyConnected(ctx, seq, session, resolved, requiresMfa)
	return nil
}

// resolveIdentity is the shared resolution pipeline: resolver, persisted
// operating context restore, MFA gate, cache write.
func (c *Controller) resolveIdentity(ctx context.Context, session *Session) (*ResolvedIdentity, bool, error) {
	resolved, err := c.resolver.Resolve(ctx, session)
	if err != nil {
		return nil, false, err
	}

	if c.switcher != nil {
		resolved = c.switcher.Restore(ctx, resolved)
	}

	requiresMfa := false
	if resolved.IsPlatformAdmin() {
		requiresMfa = c.gate.Evaluate(ctx, resolved)
		if requiresMfa {
			c.record(ctx, ActivityEvent{
				EventType: ActivityEventMfaGateRaised,
				UserID:    resolved.ID.String(),
			})
		}
	}

	c.cache.Write(ctx, session, resolved)

	return resolved, requiresMfa, nil
}

func (c *Controller) applyConnected(ctx context.Context, seq uint64, session *Session, resolved *ResolvedIdentity, requiresMfa bool) {
	reconnected := false
	c.apply(ctx, seq, func() {
		reconnected = c.state == StateDegradedCached
		c.setStateLocked(StateConnected)
		c.session = session
		c.identity = resolved
		c.requiresMfa = requiresMfa
		c.connErr = false
		c.loading = false
		c.lastErr = nil
	})

	if reconnected {
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventReconnected,
			UserID:    session.GetUserID(),
		})
	}
}

// fallbackToCache restores the last good snapshot when the backend is
// unreachable. A hit lands in DEGRADED_CACHED with connectionError set; a
// miss lands in UNAUTHENTICATED with connectionError set. spawnReconnect is
// true only on the boot path, which fires exactly one background reconnect.
func (c *Controller) fallbackToCache(ctx context.Context, seq uint64, spawnReconnect bool) {
	snapshot := c.cache.Read(ctx)

	if snapshot != nil && c.validator != nil {
		if err := c.validator.Validate(ctx, snapshot); err != nil {
			c.logger.Warn("cached snapshot failed validation, discarding", "error", err)
			c.cache.Clear(ctx)
			snapshot = nil
		}
	}

	if snapshot == nil {
		c.apply(ctx, seq, func() {
			c.setStateLocked(StateUnauthenticated)
			c.session = nil
			c.identity = nil
			c.connErr = true
			c.loading = false
		})
		return
	}

	degraded := c.apply(ctx, seq, func() {
		c.setStateLocked(StateDegradedCached)
		c.session = snapshot.Session
		c.identity = snapshot.Identity
		c.connErr = true
		c.loading = false
	})

	if !degraded {
		return
	}

	c.record(ctx, ActivityEvent{
		EventType: ActivityEventDegradedFall,
		UserID:    snapshot.Session.GetUserID(),
		Metadata:  map[string]any{"snapshot_age": snapshot.Age(time.Now()).String()},
	})

	if spawnReconnect {
		go c.backgroundReconnect(context.Background())
	}
}

// backgroundReconnect silently repeats resolution from DEGRADED_CACHED.
// Success promotes to CONNECTED; failure stays degraded with no user-facing
// error. It never reschedules itself; further recovery is user-triggered.
func (c *Controller) backgroundReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateDegradedCached {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	seq := c.allocateSeq()

	session, err := WithDeadline(ctx, c.timeout, func(ctx context.Context) (*Session, error) {
		return c.source.GetSession(ctx)
	})
	if err != nil || session == nil {
		c.logger.Debug("background reconnect failed, staying degraded", "error", err)
		return
	}

	resolved, requiresMfa, err := c.resolveIdentity(ctx, session)
	if err != nil {
		if IsTerminalError(err) {
			c.failTerminal(ctx, seq, err)
			return
		}
		c.logger.Debug("background reconnect resolution failed, staying degraded", "error", err)
		return
	}

	c.applyConnected(ctx, seq, session, resolved, requiresMfa)
}

// failTerminal handles fail-closed and unprovisioned outcomes: wipe the
// cache, drop the session, and require a fresh login.
func (c *Controller) failTerminal(ctx context.Context, seq uint64, cause error) {
	if IsPermissionDenied(cause) {
		c.cache.Clear(ctx)
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventFailClosed,
			Metadata:  map[string]any{"error": cause.Error()},
		})
	}

	c.apply(ctx, seq, func() {
		c.setStateLocked(StateUnauthenticated)
		c.session = nil
		c.identity = nil
		c.requiresMfa = false
		c.connErr = false
		c.loading = false
		c.lastErr = cause
	})
}

// apply lands a resolution outcome under the sequence guard: any completion
// older than the latest applied one is discarded, so a stale background
// reconnect can never overwrite a newer foreground resolution.
func (c *Controller) apply(ctx context.Context, seq uint64, fn func()) bool {
	c.mu.Lock()
	if seq < c.applied {
		stale := c.applied
		c.mu.Unlock()
		c.logger.Debug("discarding stale resolution", "seq", seq, "applied", stale)
		return false
	}
	c.applied = seq

	from := c.state
	fn()
	to := c.state
	c.mu.Unlock()

	c.notify()

	if from != to {
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventStateChanged,
			FromState: from,
			ToState:   to,
		})
	}
	return true
}

func (c *Controller) allocateSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

func (c *Controller) setStateLocked(to ControllerState) {
	if c.state == to {
		return
	}
	if allowed, ok := c.transitions[c.state]; ok {
		if _, ok := allowed[to]; !ok {
			c.logger.Warn("unexpected state transition", "from", c.state, "to", to)
		}
	}
	c.state = to
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:            c.state,
		Identity:         c.identity,
		Session:          c.session,
		Loading:          c.loading,
		ConnectionError:  c.connErr,
		Retrying:         c.retrying,
		RequiresAdminMfa: c.requiresMfa,
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

func (c *Controller) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	sink := normalizeActivitySink(c.sink)
	if err := sink.Record(ctx, event); err != nil {
		c.logger.Warn("activity sink record error: %v", err)
	}
}
