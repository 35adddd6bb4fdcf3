package memory

import (
	"context"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// Latest retrieves the most recent snapshot of an asset.
func (s *MetricStore) Latest(_ context.Context, assetID int64) (*domain.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := latestOf(s.snapshots[assetID])
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	snapCopy := *latest
	return &snapCopy, nil
}

// LatestByAssets retrieves the most recent snapshot for each given asset.
func (s *MetricStore) LatestByAssets(_ context.Context, assetIDs []int64) (map[int64]*domain.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]*domain.MetricSnapshot, len(assetIDs))
	for _, id := range assetIDs {
		if latest := latestOf(s.snapshots[id]); latest != nil {
			snapCopy := *latest
			result[id] = &snapCopy
		}
	}
	return result, nil
}

// GetSince retrieves snapshots of an asset with timestamp >= since.
func (s *MetricStore) GetSince(_ context.Context, assetID int64, since time.Time) ([]*domain.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MetricSnapshot
	for _, snap := range s.snapshots[assetID] {
		if !snap.Timestamp.Before(since) {
			snapCopy := *snap
			result = append(result, &snapCopy)
		}
	}

	sortSnapshots(result)
	return result, nil
}

// RecentWithVelocity retrieves at most limit snapshots with a velocity, newest first.
func (s *MetricStore) RecentWithVelocity(_ context.Context, assetID int64, since time.Time, limit int) ([]*domain.MetricSnapshot, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MetricSnapshot
	for _, snap := range s.snapshots[assetID] {
		if snap.Velocity != nil && !snap.Timestamp.Before(since) {
			snapCopy := *snap
			result = append(result, &snapCopy)
		}
	}

	sortSnapshots(result)
	reverse(result)

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetByTimeRange retrieves snapshots of all assets within [start, end].
func (s *MetricStore) GetByTimeRange(_ context.Context, start, end time.Time) ([]*domain.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MetricSnapshot
	for _, snaps := range s.snapshots {
		for _, snap := range snaps {
			if !snap.Timestamp.Before(start) && !snap.Timestamp.After(end) {
				snapCopy := *snap
				result = append(result, &snapCopy)
			}
		}
	}

	sortSnapshots(result)
	return result, nil
}

// latestOf returns the newest snapshot by (timestamp, seq), or nil.
func latestOf(snaps []*domain.MetricSnapshot) *domain.MetricSnapshot {
	var latest *domain.MetricSnapshot
	for _, snap := range snaps {
		if latest == nil ||
			snap.Timestamp.After(latest.Timestamp) ||
			(snap.Timestamp.Equal(latest.Timestamp) && snap.Seq > latest.Seq) {
			latest = snap
		}
	}
	return latest
}

func reverse(snaps []*domain.MetricSnapshot) {
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
}
