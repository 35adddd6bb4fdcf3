package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// MetricStore is an in-memory implementation of storage.MetricStore.
// A single RWMutex covers assets and snapshots, so a committed cycle is
// observed entirely or not at all by readers.
type MetricStore struct {
	mu         sync.RWMutex
	assets     map[int64]*domain.Asset            // keyed by internal id
	byExternal map[int64]int64                    // external id -> internal id
	snapshots  map[int64][]*domain.MetricSnapshot // keyed by asset id, insertion order
	nextID     int64
	nextSeq    int64
	now        func() time.Time
}

// NewMetricStore creates a new in-memory metric store.
func NewMetricStore() *MetricStore {
	return &MetricStore{
		assets:     make(map[int64]*domain.Asset),
		byExternal: make(map[int64]int64),
		snapshots:  make(map[int64][]*domain.MetricSnapshot),
		now:        time.Now,
	}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *MetricStore) WithClock(now func() time.Time) *MetricStore {
	s.now = now
	return s
}

// CommitCycle upserts assets and appends snapshots atomically.
func (s *MetricStore) CommitCycle(_ context.Context, batch *domain.CycleBatch) (*domain.CommittedCycle, error) {
	if batch == nil {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate without mutating state
	batchExternal := make(map[int64]struct{}, len(batch.Assets))
	for _, a := range batch.Assets {
		if a.ExternalID <= 0 || a.Symbol == "" || a.Slug == "" {
			return nil, storage.ErrInvalidInput
		}
		batchExternal[a.ExternalID] = struct{}{}
	}
	for _, p := range batch.Snapshots {
		if _, ok := batchExternal[p.ExternalID]; ok {
			continue
		}
		if _, ok := s.byExternal[p.ExternalID]; !ok {
			return nil, storage.ErrInvalidInput
		}
	}

	// Second pass: apply
	now := s.now().UTC()
	result := &domain.CommittedCycle{
		Assets:    make([]*domain.Asset, 0, len(batch.Assets)),
		Snapshots: make([]*domain.MetricSnapshot, 0, len(batch.Snapshots)),
	}

	for _, u := range batch.Assets {
		asset := s.upsertLocked(u, now)
		assetCopy := *asset
		result.Assets = append(result.Assets, &assetCopy)
	}

	for _, p := range batch.Snapshots {
		s.nextSeq++
		snap := p.Snapshot
		snap.Seq = s.nextSeq
		snap.AssetID = s.byExternal[p.ExternalID]
		snap.CreatedAt = now
		s.snapshots[snap.AssetID] = append(s.snapshots[snap.AssetID], &snap)

		snapCopy := snap
		result.Snapshots = append(result.Snapshots, &snapCopy)
	}

	return result, nil
}

// upsertLocked inserts or updates an asset by external id. Caller holds s.mu.
func (s *MetricStore) upsertLocked(u domain.AssetUpsert, now time.Time) *domain.Asset {
	if id, ok := s.byExternal[u.ExternalID]; ok {
		asset := s.assets[id]
		asset.Name = u.Name
		asset.Symbol = u.Symbol
		asset.Slug = u.Slug
		asset.IsActive = true
		asset.UpdatedAt = now
		return asset
	}

	s.nextID++
	asset := &domain.Asset{
		ID:         s.nextID,
		ExternalID: u.ExternalID,
		Name:       u.Name,
		Symbol:     u.Symbol,
		Slug:       u.Slug,
		DateAdded:  u.DateAdded,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.assets[asset.ID] = asset
	s.byExternal[asset.ExternalID] = asset.ID
	return asset
}

// Deactivate soft-deletes an asset. Its snapshots are retained.
func (s *MetricStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[id]
	if !ok {
		return storage.ErrNotFound
	}
	asset.IsActive = false
	asset.UpdatedAt = s.now().UTC()
	return nil
}

// sortSnapshots orders snapshots by timestamp ASC, seq ASC.
func sortSnapshots(snaps []*domain.MetricSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].Timestamp.Equal(snaps[j].Timestamp) {
			return snaps[i].Timestamp.Before(snaps[j].Timestamp)
		}
		return snaps[i].Seq < snaps[j].Seq
	})
}

// containsFold reports whether substr is within s, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

var _ storage.MetricStore = (*MetricStore)(nil)
