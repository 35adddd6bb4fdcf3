package query

import (
	"context"
	"fmt"
	"time"

	"token-velocity/internal/domain"
)

// History range limits.
const (
	DefaultHistorySpan = 24 * time.Hour
	MaxHistorySpan     = 90 * 24 * time.Hour
)

// History sources reported in AssetHistory.Source.
const (
	SourceArchive = "archive"
	SourceStore   = "store"
)

// Archive is the long-term snapshot history, read by range.
type Archive interface {
	GetByTimeRange(ctx context.Context, assetID int64, start, end time.Time) ([]*domain.MetricSnapshot, error)
}

// HistoryParams are the getAssetHistory inputs. A nil End means now; a nil
// Start means End minus DefaultHistorySpan.
type HistoryParams struct {
	Start *time.Time
	End   *time.Time
}

// AssetHistory is the snapshot series of one asset within [Start, End].
type AssetHistory struct {
	TokenID int64          `json:"token_id"`
	Symbol  string         `json:"symbol"`
	Start   time.Time      `json:"start"`
	End     time.Time      `json:"end"`
	Source  string         `json:"source"`
	Points  []HistoryPoint `json:"points"`
}

// GetAssetHistory returns the asset's snapshots within the requested range,
// oldest first. The archive answers when configured; if it fails the metric
// store is read instead.
func (s *Service) GetAssetHistory(ctx context.Context, key string, p HistoryParams) (*AssetHistory, error) {
	end := s.now().UTC()
	if p.End != nil {
		end = p.End.UTC()
	}
	start := end.Add(-DefaultHistorySpan)
	if p.Start != nil {
		start = p.Start.UTC()
	}
	if !start.Before(end) {
		return nil, invalid("start", "must be before end")
	}
	if end.Sub(start) > MaxHistorySpan {
		return nil, invalid("start", "range exceeds %s", MaxHistorySpan)
	}

	asset, err := s.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	snaps, source, err := s.history(ctx, asset.ID, start, end)
	if err != nil {
		return nil, err
	}

	out := &AssetHistory{
		TokenID: asset.ID,
		Symbol:  asset.Symbol,
		Start:   start,
		End:     end,
		Source:  source,
		Points:  make([]HistoryPoint, 0, len(snaps)),
	}
	for _, snap := range snaps {
		out.Points = append(out.Points, newHistoryPoint(snap))
	}
	return out, nil
}

func (s *Service) history(ctx context.Context, assetID int64, start, end time.Time) ([]*domain.MetricSnapshot, string, error) {
	if s.archive != nil {
		snaps, err := s.archive.GetByTimeRange(ctx, assetID, start, end)
		if err == nil {
			return snaps, SourceArchive, nil
		}
		s.logger.Printf("Archive read for asset %d failed, using store: %v", assetID, err)
	}

	snaps, err := s.store.GetSince(ctx, assetID, start)
	if err != nil {
		return nil, "", fmt.Errorf("history for asset %d: %w", assetID, err)
	}
	n := len(snaps)
	for n > 0 && snaps[n-1].Timestamp.After(end) {
		n--
	}
	return snaps[:n], SourceStore, nil
}

func newHistoryPoint(snap *domain.MetricSnapshot) HistoryPoint {
	return HistoryPoint{
		Timestamp: snap.Timestamp,
		Price:     snap.PriceUSD,
		MarketCap: snap.MarketCapUSD,
		Volume24h: snap.Volume24hUSD,
		Velocity:  snap.Velocity,
	}
}
