package identity_test

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockDirectory implements identity.Directory
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) FindProfile(ctx context.Context, userID uuid.UUID) (*identity.Profile, error) {
	args := m.Called(ctx, userID)
	profile, _ := args.Get(0).(*identity.Profile)
	return profile, args.Error(1)
}

func (m *MockDirectory) FindActiveMemberships(ctx context.Context, profileID uuid.UUID) ([]*identity.Membership, error) {
	args := m.Called(ctx, profileID)
	memberships, _ := args.Get(0).([]*identity.Membership)
	return memberships, args.Error(1)
}

func (m *MockDirectory) FindAgentRelationship(ctx context.Context, agentUserID, senderOrgID uuid.UUID) (*identity.AgentRelationship, error) {
	args := m.Called(ctx, agentUserID, senderOrgID)
	relationship, _ := args.Get(0).(*identity.AgentRelationship)
	return relationship, args.Error(1)
}

func (m *MockDirectory) PersistCurrentOrg(ctx context.Context, profileID, orgID uuid.UUID) error {
	args := m.Called(ctx, profileID, orgID)
	return args.Error(0)
}

// MockProvisioningSync implements identity.ProvisioningSync
type MockProvisioningSync struct {
	mock.Mock
}

func (m *MockProvisioningSync) SyncProfile(ctx context.Context, session *identity.Session) (*identity.Profile, error) {
	args := m.Called(ctx, session)
	profile, _ := args.Get(0).(*identity.Profile)
	return profile, args.Error(1)
}

// MockOrgProvisioner implements identity.OrgProvisioner
type MockOrgProvisioner struct {
	mock.Mock
}

func (m *MockOrgProvisioner) CreateDefaultOrg(ctx context.Context, profile *identity.Profile) (*identity.ProvisionedOrg, error) {
	args := m.Called(ctx, profile)
	provisioned, _ := args.Get(0).(*identity.ProvisionedOrg)
	return provisioned, args.Error(1)
}

// sessionResult scripts one GetSession outcome for the fake source.
type sessionResult struct {
	session *identity.Session
	err     error
	delay   time.Duration
}

// fakeSource is a scriptable SessionSource. Each GetSession call consumes
// the next scripted result; the last one repeats once the script runs out.
type fakeSource struct {
	mu           sync.Mutex
	results      []sessionResult
	getCalls     int
	assurance    identity.AssuranceLevel
	assuranceErr error
	assuranceLag time.Duration
	signInResult *identity.Session
	signInErr    error
	signOutErr   error
	signOutLag   time.Duration
	signOutCalls int
	changed      func(*identity.Session)
}

func (f *fakeSource) GetSession(ctx context.Context) (*identity.Session, error) {
	f.mu.Lock()
	f.getCalls++
	var result sessionResult
	if len(f.results) > 0 {
		result = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	f.mu.Unlock()

	if result.delay > 0 {
		select {
		case <-time.After(result.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result.session, result.err
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeSource) signOuts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOutCalls
}

func (f *fakeSource) OnSessionChanged(cb func(*identity.Session)) func() {
	f.mu.Lock()
	f.changed = cb
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSource) emitSessionChanged(session *identity.Session) {
	f.mu.Lock()
	cb := f.changed
	f.mu.Unlock()
	if cb != nil {
		cb(session)
	}
}

func (f *fakeSource) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	return f.signInResult, f.signInErr
}

func (f *fakeSource) SignUp(ctx context.Context, email, password string) (*identity.Session, error) {
	return f.signInResult, f.signInErr
}

func (f *fakeSource) SignOut(ctx context.Context, scope identity.SignOutScope) error {
	f.mu.Lock()
	f.signOutCalls++
	f.mu.Unlock()
	if f.signOutLag > 0 {
		select {
		case <-time.After(f.signOutLag):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.signOutErr
}

func (f *fakeSource) AssuranceLevel(ctx context.Context) (identity.AssuranceLevel, error) {
	if f.assuranceLag > 0 {
		select {
		case <-time.After(f.assuranceLag):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.assurance, f.assuranceErr
}

// testClock is a mutable clock for cache and store tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureSink records activity events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []identity.ActivityEvent
}

func (s *captureSink) Record(_ context.Context, event identity.ActivityEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) count(eventType identity.ActivityEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}
