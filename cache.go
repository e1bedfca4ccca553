package identity

import (
	"context"
	"time"
)

// CachedIdentitySnapshot is the single-slot record of the last successful
// resolution, kept so a degraded network still yields a usable identity.
type CachedIdentitySnapshot struct {
	Session   *Session          `json:"session"`
	Identity  *ResolvedIdentity `json:"identity"`
	Timestamp time.Time         `json:"timestamp"`
}

// Age returns how long ago the snapshot was written.
func (s *CachedIdentitySnapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.Timestamp)
}

// SnapshotCache stores at most one identity snapshot with a TTL. The slot is
// unpartitioned: a write from any identity replaces the previous entry, which
// is fine because only one identity is active per device at a time. Storage
// failures surface as cache misses, never as errors.
type SnapshotCache struct {
	store  KeyValueStore
	ttl    time.Duration
	now    func() time.Time
	logger Logger
}

type SnapshotCacheOption func(*SnapshotCache)

// WithSnapshotCacheClock injects a custom clock (useful for tests).
func WithSnapshotCacheClock(clock func() time.Time) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithSnapshotCacheTTL overrides the default 24h snapshot lifetime.
func WithSnapshotCacheTTL(ttl time.Duration) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSnapshotCacheLogger overrides the cache logger.
func WithSnapshotCacheLogger(logger Logger) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewSnapshotCache(store KeyValueStore, opts ...SnapshotCacheOption) *SnapshotCache {
	cache := &SnapshotCache{
		store:  store,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}

	return cache
}

// Write persists the snapshot, replacing whatever the slot held before.
func (c *SnapshotCache) Write(ctx context.Context, session *Session, resolved *ResolvedIdentity) {
	if session == nil || resolved == nil {
		return
	}

	snapshot := CachedIdentitySnapshot{
		Session:   session,
		Identity:  resolved,
		Timestamp: c.now(),
	}

	if err := WriteValue(ctx, c.store, KeyLastGoodSession, snapshot, c.ttl, snapshot.Timestamp); err != nil {
		c.logger.Debug("snapshot write failed, continuing without cache", "error", err)
	}
}

// Read returns the snapshot when it is younger than the TTL. Stale entries
// self-purge and read as a miss; a second immediate read is also a miss.
func (c *SnapshotCache) Read(ctx context.Context) *CachedIdentitySnapshot {
	snapshot, ok := ReadValue[CachedIdentitySnapshot](ctx, c.store, KeyLastGoodSession, c.now())
	if !ok {
		return nil
	}

	if snapshot.Session == nil || snapshot.Identity == nil {
		_ = c.store.Clear(ctx, KeyLastGoodSession)
		return nil
	}

	return &snapshot
}

// Clear removes the slot. Called on sign-out and on fail-closed errors.
func (c *SnapshotCache) Clear(ctx context.Context) {
	if err := c.store.Clear(ctx, KeyLastGoodSession); err != nil {
		c.logger.Debug("snapshot clear failed", "error", err)
	}
}
