package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// Digest defaults.
const (
	DefaultDigestSize   = 20
	DefaultDigestWindow = 5 * time.Minute
)

// TokenQuote is the quote block of a token update.
type TokenQuote struct {
	Price     *float64 `json:"price"`
	Volume24h *float64 `json:"volume_24h"`
	MarketCap *float64 `json:"market_cap"`
	Velocity  *float64 `json:"velocity"`
	Change24h *float64 `json:"change_24h"`
}

// TokenUpdate is the payload of a token_update event.
type TokenUpdate struct {
	TokenID   int64      `json:"token_id"`
	Symbol    string     `json:"symbol"`
	Timestamp time.Time  `json:"timestamp"`
	Data      TokenQuote `json:"data"`
}

// NewTokenUpdate builds a token update from an asset and its snapshot.
func NewTokenUpdate(asset *domain.Asset, snap *domain.MetricSnapshot) *TokenUpdate {
	return &TokenUpdate{
		TokenID:   asset.ID,
		Symbol:    asset.Symbol,
		Timestamp: snap.Timestamp,
		Data: TokenQuote{
			Price:     snap.PriceUSD,
			Volume24h: snap.Volume24hUSD,
			MarketCap: snap.MarketCapUSD,
			Velocity:  snap.Velocity,
			Change24h: snap.PercentChange24h,
		},
	}
}

// DigestEntry is one asset in a market digest.
type DigestEntry struct {
	ID        int64    `json:"id"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	Velocity  *float64 `json:"velocity"`
	Change24h *float64 `json:"change_24h"`
}

// MarketDigest is the payload of a market_update event published after a cycle.
type MarketDigest struct {
	Timestamp time.Time     `json:"timestamp"`
	Tokens    []DigestEntry `json:"tokens"`
}

// DigestBuilder selects the top assets by market cap among recent snapshots.
type DigestBuilder struct {
	store  storage.MetricStore
	size   int
	window time.Duration
	now    func() time.Time
}

// NewDigestBuilder creates a builder. Non-positive size or window use the defaults.
func NewDigestBuilder(store storage.MetricStore, size int, window time.Duration) *DigestBuilder {
	if size <= 0 {
		size = DefaultDigestSize
	}
	if window <= 0 {
		window = DefaultDigestWindow
	}
	return &DigestBuilder{store: store, size: size, window: window, now: time.Now}
}

// WithClock overrides the builder clock.
func (d *DigestBuilder) WithClock(now func() time.Time) *DigestBuilder {
	d.now = now
	return d
}

// Build returns the newest snapshot per asset within the window, ordered by
// market cap descending (absent caps last), at most size entries.
func (d *DigestBuilder) Build(ctx context.Context) (*MarketDigest, error) {
	now := d.now()
	snaps, err := d.store.GetByTimeRange(ctx, now.Add(-d.window), now)
	if err != nil {
		return nil, fmt.Errorf("get recent snapshots: %w", err)
	}

	// Ascending order: later entries overwrite earlier ones.
	latest := make(map[int64]*domain.MetricSnapshot, len(snaps))
	for _, s := range snaps {
		latest[s.AssetID] = s
	}

	ordered := make([]*domain.MetricSnapshot, 0, len(latest))
	for _, s := range latest {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].MarketCapUSD, ordered[j].MarketCapUSD
		switch {
		case a == nil && b == nil:
			return ordered[i].AssetID < ordered[j].AssetID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a > *b
		default:
			return ordered[i].AssetID < ordered[j].AssetID
		}
	})

	digest := &MarketDigest{Timestamp: now, Tokens: make([]DigestEntry, 0, d.size)}
	for _, s := range ordered {
		if len(digest.Tokens) == d.size {
			break
		}
		asset, err := d.store.GetByID(ctx, s.AssetID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get asset %d: %w", s.AssetID, err)
		}
		digest.Tokens = append(digest.Tokens, DigestEntry{
			ID:        asset.ID,
			Symbol:    asset.Symbol,
			Price:     s.PriceUSD,
			Velocity:  s.Velocity,
			Change24h: s.PercentChange24h,
		})
	}
	return digest, nil
}
