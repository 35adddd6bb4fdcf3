package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
	"token-velocity/internal/velocity"
)

// Skip reasons, used as metric labels.
const (
	skipInvalid   = "invalid"
	skipDuplicate = "duplicate"
	skipError     = "error"
)

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	StartedAt   time.Time
	Fetched     int // listings returned by the provider
	Processed   int // snapshots built
	Skipped     int // listings dropped before commit
	Committed   int // snapshots written
	Deactivated int // assets retired after dropping out of the listings
	Duration    time.Duration
}

// validListing reports whether a listing carries a usable identity.
func validListing(l *domain.Listing) bool {
	return l != nil && l.ExternalID > 0 && l.Symbol != "" && l.Slug != ""
}

// buildSnapshot derives the asset upsert and pending snapshot for one listing.
// Windowed velocities are read from history committed before this cycle, so the
// new snapshot never averages itself in.
func (r *Runner) buildSnapshot(ctx context.Context, l *domain.Listing, ts time.Time) (domain.AssetUpsert, domain.PendingSnapshot, error) {
	upsert := domain.AssetUpsert{
		ExternalID: l.ExternalID,
		Name:       l.Name,
		Symbol:     l.Symbol,
		Slug:       l.Slug,
		DateAdded:  l.DateAdded,
	}

	snap := domain.MetricSnapshot{
		Timestamp:         ts,
		PriceUSD:          l.Price,
		MarketCapUSD:      l.MarketCap,
		Volume24hUSD:      l.Volume24h,
		CirculatingSupply: l.CirculatingSupply,
		TotalSupply:       l.TotalSupply,
		MaxSupply:         l.MaxSupply,
		PercentChange1h:   l.PercentChange1h,
		PercentChange24h:  l.PercentChange24h,
		PercentChange7d:   l.PercentChange7d,
		DataQualityScore:  domain.DefaultQualityScore,
	}

	// Zero velocity is stored as absent.
	if v := velocity.InstantaneousVelocity(l.Volume24h, l.MarketCap); v != 0 {
		snap.Velocity = &v
	}

	existing, err := r.store.GetByExternalID(ctx, l.ExternalID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// First sighting: no history, windows stay absent.
	case err != nil:
		return upsert, domain.PendingSnapshot{}, fmt.Errorf("lookup asset %d: %w", l.ExternalID, err)
	default:
		windows, err := r.engine.WindowedVelocities(ctx, existing.ID)
		if err != nil {
			return upsert, domain.PendingSnapshot{}, fmt.Errorf("windowed velocity for asset %d: %w", existing.ID, err)
		}
		snap.Velocity1h = windows[domain.Window1h]
		snap.Velocity4h = windows[domain.Window4h]
		snap.Velocity12h = windows[domain.Window12h]
		snap.Velocity7d = windows[domain.Window7d]
	}

	return upsert, domain.PendingSnapshot{ExternalID: l.ExternalID, Snapshot: snap}, nil
}
