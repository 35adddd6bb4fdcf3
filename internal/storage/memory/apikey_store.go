package memory

import (
	"context"
	"sync"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// APIKeyStore is an in-memory implementation of storage.APIKeyStore.
type APIKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]*domain.APIKey
	nextID int64
}

// NewAPIKeyStore creates a new in-memory api key store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{
		byHash: make(map[string]*domain.APIKey),
	}
}

// Insert adds a new key. Returns ErrDuplicateKey if key_hash exists.
func (s *APIKeyStore) Insert(_ context.Context, k *domain.APIKey) error {
	if k == nil || k.KeyHash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[k.KeyHash]; exists {
		return storage.ErrDuplicateKey
	}

	k.ApplyDefaults()
	s.nextID++
	keyCopy := *k
	keyCopy.ID = s.nextID
	if keyCopy.CreatedAt.IsZero() {
		keyCopy.CreatedAt = time.Now().UTC()
	}
	s.byHash[k.KeyHash] = &keyCopy
	k.ID = keyCopy.ID
	return nil
}

// GetByHash retrieves an active key by hash. Returns ErrNotFound if not exists.
func (s *APIKeyStore) GetByHash(_ context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, exists := s.byHash[keyHash]
	if !exists || !k.IsActive {
		return nil, storage.ErrNotFound
	}
	keyCopy := *k
	return &keyCopy, nil
}

// Touch records one use of a key.
func (s *APIKeyStore) Touch(_ context.Context, keyHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, exists := s.byHash[keyHash]
	if !exists {
		return storage.ErrNotFound
	}
	used := at.UTC()
	k.LastUsedAt = &used
	k.UsageCount++
	return nil
}

var _ storage.APIKeyStore = (*APIKeyStore)(nil)
