package memory

import (
	"context"
	"sort"
	"strings"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// GetByID retrieves an asset by internal ID. Returns ErrNotFound if not exists.
func (s *MetricStore) GetByID(_ context.Context, id int64) (*domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	assetCopy := *asset
	return &assetCopy, nil
}

// GetByExternalID retrieves an asset by provider ID. Returns ErrNotFound if not exists.
func (s *MetricStore) GetByExternalID(_ context.Context, externalID int64) (*domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	assetCopy := *s.assets[id]
	return &assetCopy, nil
}

// FindBySymbol matches symbol case-insensitively; lowest ID wins.
func (s *MetricStore) FindBySymbol(_ context.Context, symbol string) (*domain.Asset, error) {
	return s.findFirst(func(a *domain.Asset) bool {
		return strings.EqualFold(a.Symbol, symbol)
	})
}

// FindBySlug matches slug case-insensitively; lowest ID wins.
func (s *MetricStore) FindBySlug(_ context.Context, slug string) (*domain.Asset, error) {
	return s.findFirst(func(a *domain.Asset) bool {
		return strings.EqualFold(a.Slug, slug)
	})
}

func (s *MetricStore) findFirst(match func(*domain.Asset) bool) (*domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Asset
	for _, a := range s.assets {
		if match(a) && (found == nil || a.ID < found.ID) {
			found = a
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	assetCopy := *found
	return &assetCopy, nil
}

// ListActive retrieves all active assets, ordered by ID ASC.
func (s *MetricStore) ListActive(_ context.Context) ([]*domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectActiveLocked(func(*domain.Asset) bool { return true }, 0), nil
}

// Search retrieves active assets whose name, symbol or slug contains query.
func (s *MetricStore) Search(_ context.Context, query string, limit int) ([]*domain.Asset, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectActiveLocked(func(a *domain.Asset) bool {
		return containsFold(a.Name, query) || containsFold(a.Symbol, query) || containsFold(a.Slug, query)
	}, limit), nil
}

// CountActive returns the number of active assets.
func (s *MetricStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.assets {
		if a.IsActive {
			count++
		}
	}
	return count, nil
}

// collectActiveLocked returns copies of matching active assets ordered by ID.
// limit <= 0 means no limit. Caller holds s.mu.
func (s *MetricStore) collectActiveLocked(match func(*domain.Asset) bool, limit int) []*domain.Asset {
	var result []*domain.Asset
	for _, a := range s.assets {
		if a.IsActive && match(a) {
			assetCopy := *a
			result = append(result, &assetCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
