package keys

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/llm"
)

// Store persists provider keys. Lookups return (nil, nil) when nothing matches.
type Store interface {
	ListKeys(ctx context.Context, userID uuid.UUID) ([]*StoredKey, error)
	GetKey(ctx context.Context, id uuid.UUID) (*StoredKey, error)
	FindKey(ctx context.Context, userID uuid.UUID, provider llm.Provider, displayName string) (*StoredKey, error)
	CreateKey(ctx context.Context, key *StoredKey) error
	// ReplaceKeySecret overwrites the secret of an existing key and refreshes its validation stamp.
	ReplaceKeySecret(ctx context.Context, id uuid.UUID, secret, hint string, validatedAt time.Time) error
	UpdateKeyValidation(ctx context.Context, id uuid.UUID, valid bool, validatedAt time.Time) error
	// SetKeyActive, SetKeyLimits and DeleteKey are owner-scoped and report whether a row matched.
	SetKeyActive(ctx context.Context, id, userID uuid.UUID, active bool) (bool, error)
	SetKeyLimits(ctx context.Context, id, userID uuid.UUID, monthlyLimit *int64, ratePerMinute int) (bool, error)
	DeleteKey(ctx context.Context, id, userID uuid.UUID) (bool, error)
	// IncrementKeyUsage atomically adds one call and tokens to the key's counters.
	IncrementKeyUsage(ctx context.Context, id uuid.UUID, tokens int64, usedAt time.Time) error
	ResetMonthlyUsage(ctx context.Context) (int64, error)
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[uuid.UUID]*StoredKey
	// order preserves insertion order for deterministic listing.
	order []uuid.UUID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[uuid.UUID]*StoredKey)}
}

func cloneKey(k *StoredKey) *StoredKey {
	c := *k
	if k.MonthlyLimit != nil {
		limit := *k.MonthlyLimit
		c.MonthlyLimit = &limit
	}
	return &c
}

// ListKeys returns copies of the user's keys in creation order.
func (s *MemoryStore) ListKeys(_ context.Context, userID uuid.UUID) ([]*StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StoredKey
	for _, id := range s.order {
		if k := s.keys[id]; k.UserID == userID {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

// GetKey returns a copy of the key or nil.
func (s *MemoryStore) GetKey(_ context.Context, id uuid.UUID) (*StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		return cloneKey(k), nil
	}
	return nil, nil
}

// FindKey returns the key matching the (user, provider, display name) tuple or nil.
func (s *MemoryStore) FindKey(_ context.Context, userID uuid.UUID, provider llm.Provider, displayName string) (*StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		k := s.keys[id]
		if k.UserID == userID && k.Provider == provider && k.DisplayName == displayName {
			return cloneKey(k), nil
		}
	}
	return nil, nil
}

// CreateKey stores a copy of key, assigning an ID and timestamps when unset.
func (s *MemoryStore) CreateKey(_ context.Context, key *StoredKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	now := time.Now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	s.keys[key.ID] = cloneKey(key)
	s.order = append(s.order, key.ID)
	return nil
}

// ReplaceKeySecret overwrites the secret and marks the key validated.
func (s *MemoryStore) ReplaceKeySecret(_ context.Context, id uuid.UUID, secret, hint string, validatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Secret = secret
	k.Hint = hint
	k.IsValidated = true
	k.LastValidatedAt = &validatedAt
	k.UpdatedAt = validatedAt
	return nil
}

// UpdateKeyValidation records a validation outcome.
func (s *MemoryStore) UpdateKeyValidation(_ context.Context, id uuid.UUID, valid bool, validatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.IsValidated = valid
	k.LastValidatedAt = &validatedAt
	k.UpdatedAt = validatedAt
	return nil
}

// SetKeyActive flips the soft-delete flag when the key belongs to userID.
func (s *MemoryStore) SetKeyActive(_ context.Context, id, userID uuid.UUID, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return false, nil
	}
	k.IsActive = active
	k.UpdatedAt = time.Now()
	return true, nil
}

// SetKeyLimits updates the key's caps when it belongs to userID.
func (s *MemoryStore) SetKeyLimits(_ context.Context, id, userID uuid.UUID, monthlyLimit *int64, ratePerMinute int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return false, nil
	}
	if monthlyLimit != nil {
		limit := *monthlyLimit
		k.MonthlyLimit = &limit
	} else {
		k.MonthlyLimit = nil
	}
	k.RateLimitPerMinute = ratePerMinute
	k.UpdatedAt = time.Now()
	return true, nil
}

// DeleteKey removes the key when it belongs to userID.
func (s *MemoryStore) DeleteKey(_ context.Context, id, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return false, nil
	}
	delete(s.keys, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// IncrementKeyUsage adds one call and tokens under the store lock.
func (s *MemoryStore) IncrementKeyUsage(_ context.Context, id uuid.UUID, tokens int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.UsageCount++
	k.CurrentMonthUsage += tokens
	k.LastUsedAt = &usedAt
	return nil
}

// ResetMonthlyUsage zeroes every key's monthly counter and returns how many keys changed.
func (s *MemoryStore) ResetMonthlyUsage(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range s.keys {
		if k.CurrentMonthUsage != 0 {
			k.CurrentMonthUsage = 0
			n++
		}
	}
	return n, nil
}
