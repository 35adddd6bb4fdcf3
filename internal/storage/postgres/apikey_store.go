package postgres

import (
	"context"
	"fmt"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// APIKeyStore implements storage.APIKeyStore using PostgreSQL.
type APIKeyStore struct {
	pool *Pool
}

// NewAPIKeyStore creates a new APIKeyStore.
func NewAPIKeyStore(pool *Pool) *APIKeyStore {
	return &APIKeyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.APIKeyStore = (*APIKeyStore)(nil)

// Insert adds a new key. Returns ErrDuplicateKey if key_hash exists.
func (s *APIKeyStore) Insert(ctx context.Context, k *domain.APIKey) error {
	if k == nil || k.KeyHash == "" {
		return storage.ErrInvalidInput
	}
	k.ApplyDefaults()

	query := `
		INSERT INTO api_keys (
			key_hash, name, tier, rate_limit_per_minute, rate_limit_per_month, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, NOW()))
		RETURNING id, created_at
	`

	var createdAt *time.Time
	if !k.CreatedAt.IsZero() {
		createdAt = &k.CreatedAt
	}

	err := s.pool.QueryRow(ctx, query,
		k.KeyHash,
		k.Name,
		k.Tier,
		k.RateLimitPerMinute,
		k.RateLimitPerMonth,
		k.IsActive,
		createdAt,
	).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return nil
}

// GetByHash retrieves an active key by hash. Returns ErrNotFound if not exists.
func (s *APIKeyStore) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `
		SELECT id, key_hash, name, tier, rate_limit_per_minute, rate_limit_per_month,
		       is_active, created_at, last_used_at, usage_count
		FROM api_keys
		WHERE key_hash = $1 AND is_active
	`

	var k domain.APIKey
	err := s.pool.QueryRow(ctx, query, keyHash).Scan(
		&k.ID,
		&k.KeyHash,
		&k.Name,
		&k.Tier,
		&k.RateLimitPerMinute,
		&k.RateLimitPerMonth,
		&k.IsActive,
		&k.CreatedAt,
		&k.LastUsedAt,
		&k.UsageCount,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	k.CreatedAt = k.CreatedAt.UTC()
	if k.LastUsedAt != nil {
		t := k.LastUsedAt.UTC()
		k.LastUsedAt = &t
	}
	return &k, nil
}

// Touch records one use of a key.
func (s *APIKeyStore) Touch(ctx context.Context, keyHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET last_used_at = $2, usage_count = usage_count + 1
		WHERE key_hash = $1
	`, keyHash, at.UTC())
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
