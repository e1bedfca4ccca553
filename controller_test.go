package identity_test

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testCfg = identity.SimpleConfig{CallTimeout: 40 * time.Millisecond}

// connectedDirectory resolves userID into an advisor membership of orgID.
func connectedDirectory(userID, orgID uuid.UUID) *MockDirectory {
	dir := &MockDirectory{}
	dir.On("FindProfile", mock.Anything, userID).
		Return(&identity.Profile{ID: userID, Email: "user@example.com"}, nil)
	dir.On("FindActiveMemberships", mock.Anything, userID).
		Return([]*identity.Membership{membershipFor(userID, orgID, identity.RoleAdvisor, "Acme")}, nil)
	dir.On("PersistCurrentOrg", mock.Anything, userID, orgID).Return(nil)
	return dir
}

func TestControllerStartRequiresWiring(t *testing.T) {
	err := identity.NewController(nil, nil, testCfg).Start(context.Background())
	assert.Error(t, err)
}

func TestControllerStartConnected(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	session := sessionFor(userID)

	source := &fakeSource{results: []sessionResult{{session: session}}, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})
	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateConnected, snapshot.State)
	assert.False(t, snapshot.Loading)
	assert.False(t, snapshot.ConnectionError)
	assert.False(t, snapshot.RequiresAdminMfa)
	require.NotNil(t, snapshot.Identity)
	assert.Equal(t, identity.KindOrgMember, snapshot.Identity.Kind)
	assert.Equal(t, session.UserID, snapshot.Session.UserID)

	// a successful resolution refreshes the fallback snapshot
	cached := cache.Read(context.Background())
	require.NotNil(t, cached)
	assert.Equal(t, session.UserID, cached.Session.UserID)

	assert.Equal(t, 1, sink.count(identity.ActivityEventStateChanged))
}

func TestControllerStartIsIdempotent(t *testing.T) {
	userID := uuid.New()
	source := &fakeSource{results: []sessionResult{{session: sessionFor(userID)}}, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(connectedDirectory(userID, uuid.New()), testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	require.NoError(t, controller.Start(context.Background()))

	assert.Equal(t, 1, source.calls())
}

func TestControllerStartWithoutSession(t *testing.T) {
	source := &fakeSource{}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.False(t, snapshot.ConnectionError)
	assert.Nil(t, snapshot.Identity)
	assert.False(t, snapshot.Loading)
}

func TestControllerBootTimeoutFallsBackToCachedSnapshot(t *testing.T) {
	userID := uuid.New()
	session := sessionFor(userID)

	clock := newTestClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	cache := identity.NewSnapshotCache(
		identity.NewMemoryStateStore(),
		identity.WithSnapshotCacheClock(clock.Now),
		identity.WithSnapshotCacheLogger(testLogger{}),
	)
	cache.Write(context.Background(), session, memberIdentity(identity.RoleAdvisor))
	clock.Advance(2 * time.Hour)

	source := &fakeSource{results: []sessionResult{
		{delay: 300 * time.Millisecond},
		{err: goerrors.New("still unreachable", goerrors.CategoryOperation)},
	}}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateDegradedCached, snapshot.State)
	assert.True(t, snapshot.ConnectionError)
	assert.False(t, snapshot.Loading)
	require.NotNil(t, snapshot.Identity)
	role, ok := snapshot.Identity.Role()
	require.True(t, ok)
	assert.Equal(t, identity.RoleAdvisor, role)
	assert.Equal(t, session.UserID, snapshot.Session.UserID)
	assert.Equal(t, 1, sink.count(identity.ActivityEventDegradedFall))

	// exactly one silent background reconnect fires, and it never reschedules
	require.Eventually(t, func() bool { return source.calls() >= 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, source.calls())
	assert.Equal(t, identity.StateDegradedCached, controller.Snapshot().State)
}

func TestControllerBootTimeoutWithEmptyCache(t *testing.T) {
	source := &fakeSource{results: []sessionResult{{delay: 300 * time.Millisecond}}}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.True(t, snapshot.ConnectionError)
	assert.Nil(t, snapshot.Identity)

	// no cached snapshot means no background reconnect either
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, source.calls())
}

func TestControllerBackgroundReconnectPromotesToConnected(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	session := sessionFor(userID)

	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())
	cache.Write(context.Background(), session, memberIdentity(identity.RoleAdvisor))

	source := &fakeSource{
		results: []sessionResult{
			{delay: 300 * time.Millisecond},
			{session: session},
		},
		assurance: identity.AssuranceLevel2,
	}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	assert.Equal(t, identity.StateDegradedCached, controller.Snapshot().State)

	require.Eventually(t, func() bool {
		return controller.Snapshot().State == identity.StateConnected
	}, time.Second, 10*time.Millisecond)

	snapshot := controller.Snapshot()
	assert.False(t, snapshot.ConnectionError)
	assert.Equal(t, identity.KindOrgMember, snapshot.Identity.Kind)
	assert.Equal(t, 1, sink.count(identity.ActivityEventReconnected))
}

func TestControllerManualRetryRecoversFromDegraded(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	session := sessionFor(userID)

	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())
	cache.Write(context.Background(), session, memberIdentity(identity.RoleAdvisor))

	source := &fakeSource{
		results: []sessionResult{
			{delay: 300 * time.Millisecond},
			{err: goerrors.New("still unreachable", goerrors.CategoryOperation)},
			{session: session},
		},
		assurance: identity.AssuranceLevel2,
	}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	require.Eventually(t, func() bool { return source.calls() >= 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, identity.StateDegradedCached, controller.Snapshot().State)

	controller.RetryConnection(context.Background())

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateConnected, snapshot.State)
	assert.False(t, snapshot.Retrying)
	assert.False(t, snapshot.ConnectionError)
}

func TestControllerRetryIgnoredBeforeBoot(t *testing.T) {
	source := &fakeSource{}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})

	// still initializing, nothing to retry
	controller.RetryConnection(context.Background())
	assert.Equal(t, 0, source.calls())
	assert.Equal(t, identity.StateInitializing, controller.Snapshot().State)
}

func TestControllerSignInResolvesNewSession(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	session := sessionFor(userID)

	source := &fakeSource{signInResult: session, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithActivitySink(sink)

	err := controller.SignIn(context.Background(), identity.SignInPayload{
		Email:    "user@example.com",
		Password: "secret",
	})
	require.NoError(t, err)

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateConnected, snapshot.State)
	assert.Equal(t, session.UserID, snapshot.Session.UserID)
	assert.Equal(t, 1, sink.count(identity.ActivityEventSignInSuccess))
}

func TestControllerSignInRejectsInvalidPayload(t *testing.T) {
	source := &fakeSource{}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})
	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})

	err := controller.SignIn(context.Background(), identity.SignInPayload{Email: "nope"})
	assert.Error(t, err)
	assert.Equal(t, identity.StateInitializing, controller.Snapshot().State)
}

func TestControllerSignInBackendFailure(t *testing.T) {
	source := &fakeSource{signInErr: goerrors.New("invalid credentials", goerrors.CategoryAuth)}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithActivitySink(sink)

	err := controller.SignIn(context.Background(), identity.SignInPayload{
		Email:    "user@example.com",
		Password: "secret",
	})
	require.Error(t, err)
	assert.Equal(t, 1, sink.count(identity.ActivityEventSignInFailure))
	assert.Nil(t, controller.Snapshot().Identity)
}

func TestControllerSignOutClearsLocallyRegardlessOfRemote(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	source := &fakeSource{
		results:    []sessionResult{{session: sessionFor(userID)}},
		assurance:  identity.AssuranceLevel2,
		signOutErr: goerrors.New("revocation endpoint down", goerrors.CategoryOperation),
		signOutLag: 300 * time.Millisecond,
	}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})
	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	require.Equal(t, identity.StateConnected, controller.Snapshot().State)

	controller.SignOut(context.Background())

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.Nil(t, snapshot.Identity)
	assert.Nil(t, snapshot.Session)
	assert.False(t, snapshot.RequiresAdminMfa)
	assert.Nil(t, cache.Read(context.Background()))
	assert.Equal(t, 1, sink.count(identity.ActivityEventSignOut))
	assert.Equal(t, 1, source.signOuts())
}

func TestControllerSessionRevokedElsewhere(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	source := &fakeSource{results: []sessionResult{{session: sessionFor(userID)}}, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})
	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	require.Equal(t, identity.StateConnected, controller.Snapshot().State)

	source.emitSessionChanged(nil)

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.Nil(t, snapshot.Identity)
	assert.Nil(t, cache.Read(context.Background()))
}

func TestControllerSessionChangedSignsIn(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	source := &fakeSource{assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	require.Equal(t, identity.StateUnauthenticated, controller.Snapshot().State)

	source.emitSessionChanged(sessionFor(userID))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateConnected, snapshot.State)
	require.NotNil(t, snapshot.Identity)
	assert.Equal(t, identity.KindOrgMember, snapshot.Identity.Kind)
}

func TestControllerPermissionDeniedFailsClosed(t *testing.T) {
	userID := uuid.New()
	session := sessionFor(userID)

	dir := &MockDirectory{}
	dir.On("FindProfile", mock.Anything, userID).Return(nil, identity.ErrPermissionDenied)

	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())
	cache.Write(context.Background(), session, memberIdentity(identity.RoleAdvisor))

	source := &fakeSource{results: []sessionResult{{session: session}}}
	resolver := identity.NewResolver(dir, testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.Nil(t, snapshot.Identity)
	assert.Nil(t, cache.Read(context.Background()))
	assert.True(t, identity.IsPermissionDenied(controller.LastError()))
	assert.Equal(t, 1, sink.count(identity.ActivityEventFailClosed))
}

func TestControllerUnprovisionedUserIsTerminal(t *testing.T) {
	userID := uuid.New()

	dir := &MockDirectory{}
	dir.On("FindProfile", mock.Anything, userID).Return(nil, nil)

	source := &fakeSource{results: []sessionResult{{session: sessionFor(userID)}}}
	resolver := identity.NewResolver(dir, testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.True(t, identity.IsNotProvisioned(controller.LastError()))
}

func TestControllerGatesAdminBelowMaxAssurance(t *testing.T) {
	userID := uuid.New()

	dir := &MockDirectory{}
	dir.On("FindProfile", mock.Anything, userID).
		Return(&identity.Profile{ID: userID, Email: "ops@example.com", IsPlatformAdmin: true}, nil)

	source := &fakeSource{
		results:   []sessionResult{{session: sessionFor(userID)}},
		assurance: identity.AssuranceLevel1,
	}
	resolver := identity.NewResolver(dir, testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateConnected, snapshot.State)
	assert.True(t, snapshot.RequiresAdminMfa)
	assert.Equal(t, 1, sink.count(identity.ActivityEventMfaGateRaised))
}

func TestControllerRefreshAdminMfaAfterChallenge(t *testing.T) {
	userID := uuid.New()

	dir := &MockDirectory{}
	dir.On("FindProfile", mock.Anything, userID).
		Return(&identity.Profile{ID: userID, Email: "ops@example.com", IsPlatformAdmin: true}, nil)

	source := &fakeSource{
		results:   []sessionResult{{session: sessionFor(userID)}},
		assurance: identity.AssuranceLevel1,
	}
	resolver := identity.NewResolver(dir, testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	require.True(t, controller.Snapshot().RequiresAdminMfa)

	// second factor verified out of band
	source.mu.Lock()
	source.assurance = identity.AssuranceLevel2
	source.mu.Unlock()

	controller.RefreshAdminMfaRequirement(context.Background())
	assert.False(t, controller.Snapshot().RequiresAdminMfa)
}

func TestControllerSwitchesOperatingModes(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	senderOrg := uuid.New()

	dir := connectedDirectory(userID, orgID)
	dir.On("FindAgentRelationship", mock.Anything, userID, senderOrg).
		Return(&identity.AgentRelationship{
			ID:          uuid.New(),
			SenderOrgID: senderOrg,
			AgentUserID: userID,
			CanManage:   true,
		}, nil)

	source := &fakeSource{results: []sessionResult{{session: sessionFor(userID)}}, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(dir, testCfg).WithLogger(testLogger{})
	switcher := identity.NewContextSwitcher(dir, testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithContextSwitcher(switcher).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	controller.SwitchToAgentMode(context.Background(), senderOrg)

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.ModeAgent, snapshot.Identity.OperatingMode())
	agent, ok := snapshot.Identity.AgentContext()
	require.True(t, ok)
	assert.True(t, agent.CanManage)

	controller.SwitchToBusinessMode(context.Background())
	assert.Equal(t, identity.ModeBusiness, controller.Snapshot().Identity.OperatingMode())
	assert.Equal(t, 2, sink.count(identity.ActivityEventContextSwitched))
}

func TestControllerAgentSwitchWithoutGrantKeepsContext(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	senderOrg := uuid.New()

	dir := connectedDirectory(userID, orgID)
	dir.On("FindAgentRelationship", mock.Anything, userID, senderOrg).
		Return(nil, identity.ErrDelegationNotFound)

	source := &fakeSource{results: []sessionResult{{session: sessionFor(userID)}}, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(dir, testCfg).WithLogger(testLogger{})
	switcher := identity.NewContextSwitcher(dir, testCfg).WithLogger(testLogger{})
	sink := &captureSink{}

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithContextSwitcher(switcher).
		WithActivitySink(sink)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))
	before := controller.Snapshot().Identity

	controller.SwitchToAgentMode(context.Background(), senderOrg)

	assert.Equal(t, before, controller.Snapshot().Identity)
	assert.Equal(t, identity.ModeBusiness, controller.Snapshot().Identity.OperatingMode())
	assert.Equal(t, 0, sink.count(identity.ActivityEventContextSwitched))
}

func TestControllerRejectsInvalidCachedSnapshot(t *testing.T) {
	userID := uuid.New()
	session := sessionFor(userID)

	cache := identity.NewSnapshotCache(identity.NewMemoryStateStore())
	cache.Write(context.Background(), session, memberIdentity(identity.RoleAdvisor))

	source := &fakeSource{results: []sessionResult{{delay: 300 * time.Millisecond}}}
	resolver := identity.NewResolver(&MockDirectory{}, testCfg).WithLogger(testLogger{})

	validator := identity.SnapshotValidatorFunc(func(ctx context.Context, snapshot *identity.CachedIdentitySnapshot) error {
		return goerrors.New("token signature mismatch", goerrors.CategoryAuth)
	})

	controller := identity.NewController(source, resolver, testCfg).
		WithLogger(testLogger{}).
		WithSnapshotCache(cache).
		WithSnapshotValidator(validator)
	defer controller.Stop()

	require.NoError(t, controller.Start(context.Background()))

	snapshot := controller.Snapshot()
	assert.Equal(t, identity.StateUnauthenticated, snapshot.State)
	assert.True(t, snapshot.ConnectionError)
	assert.Nil(t, cache.Read(context.Background()))
}

func TestControllerSubscribeReceivesSnapshots(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	source := &fakeSource{results: []sessionResult{{session: sessionFor(userID)}}, assurance: identity.AssuranceLevel2}
	resolver := identity.NewResolver(connectedDirectory(userID, orgID), testCfg).WithLogger(testLogger{})

	controller := identity.NewController(source, resolver, testCfg).WithLogger(testLogger{})
	defer controller.Stop()

	var seen []identity.Snapshot
	unsubscribe := controller.Subscribe(func(s identity.Snapshot) {
		seen = append(seen, s)
	})

	require.NoError(t, controller.Start(context.Background()))
	require.NotEmpty(t, seen)
	assert.Equal(t, identity.StateConnected, seen[len(seen)-1].State)

	unsubscribe()
	count := len(seen)
	controller.SignOut(context.Background())
	assert.Equal(t, count, len(seen))
}
