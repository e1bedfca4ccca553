package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

// Keys for the persisted local state slots.
const (
	KeyLastGoodSession  = "identity.last_good_session"
	KeyCurrentOrgID     = "identity.current_org_id"
	KeyOperatingContext = "identity.operating_context"
)

// KeyValueStore is the minimal byte-level contract the local state layer
// needs. TTL handling lives above it in ReadValue/WriteValue so the storage
// technology is swappable and expiry logic is tested once.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
	Clear(ctx context.Context, key string) error
}

type storedEnvelope struct {
	Value     json.RawMessage `json:"value"`
	SavedAt   time.Time       `json:"saved_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// WriteValue marshals value into a TTL envelope and stores it under key.
// A zero ttl stores the value without expiry.
func WriteValue[T any](ctx context.Context, store KeyValueStore, key string, value T, ttl time.Duration, now time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	envelope := storedEnvelope{Value: raw, SavedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		envelope.ExpiresAt = &expires
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	return store.Set(ctx, key, data)
}

// ReadValue returns the stored value when present and unexpired. Expired
// entries are purged on read. Decode failures and storage failures both
// report a miss, never an error.
func ReadValue[T any](ctx context.Context, store KeyValueStore, key string, now time.Time) (T, bool) {
	var zero T

	data, ok := store.Get(ctx, key)
	if !ok {
		return zero, false
	}

	var envelope storedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		_ = store.Clear(ctx, key)
		return zero, false
	}

	if envelope.ExpiresAt != nil && !now.Before(*envelope.ExpiresAt) {
		_ = store.Clear(ctx, key)
		return zero, false
	}

	var value T
	if err := json.Unmarshal(envelope.Value, &value); err != nil {
		_ = store.Clear(ctx, key)
		return zero, false
	}

	return value, true
}

// SavedAt reports when the value under key was written, if it is readable.
func SavedAt(ctx context.Context, store KeyValueStore, key string) (time.Time, bool) {
	data, ok := store.Get(ctx, key)
	if !ok {
		return time.Time{}, false
	}

	var envelope storedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return time.Time{}, false
	}

	return envelope.SavedAt, true
}

// BunStateStore persists local state rows through bun. Every failure is
// swallowed into a miss; degraded storage must never break resolution.
type BunStateStore struct {
	db     *bun.DB
	logger Logger
}

var _ KeyValueStore = (*BunStateStore)(nil)

func NewBunStateStore(db *bun.DB) *BunStateStore {
	return &BunStateStore{db: db, logger: defLogger{}}
}

func (s *BunStateStore) WithLogger(logger Logger) *BunStateStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *BunStateStore) Get(ctx context.Context, key string) ([]byte, bool) {
	record := &LocalState{}
	err := s.db.NewSelect().
		Model(record).
		Where("key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("local state read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	return record.Value, true
}

func (s *BunStateStore) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	record := &LocalState{Key: key, Value: value, UpdatedAt: &now}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		s.logger.Debug("local state write failed", "key", key, "error", err)
	}
	return err
}

func (s *BunStateStore) Clear(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*LocalState)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		s.logger.Debug("local state clear failed", "key", key, "error", err)
	}
	return err
}

// MemoryStateStore is an in-process KeyValueStore used in tests and as the
// default when no database is wired.
type MemoryStateStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ KeyValueStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{values: map[string][]byte{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

func (s *MemoryStateStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

func (s *MemoryStateStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
