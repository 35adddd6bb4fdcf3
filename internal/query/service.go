// Package query answers read-side requests against the metric store.
//
// Every call reads the latest committed state at call time. A single request
// that performs several reads may observe different ingestion cycles.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
	"token-velocity/internal/velocity"
)

// Limits and defaults.
const (
	DefaultListLimit   = 100
	MaxListLimit       = 1000
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
	DefaultConvert     = "USD"
	DefaultTimeframe   = "24h"

	HistoryWindow         = 24 * time.Hour
	DefaultOverviewWindow = 5 * time.Minute
)

// Reader is the read-only view of the metric store used by the service.
type Reader interface {
	storage.AssetStore
	storage.SnapshotStore
}

// Options configures a Service.
type Options struct {
	Store          Reader
	Engine         *velocity.Engine // Default: engine over Store using Now
	Archive        Archive          // Optional: serves GetAssetHistory when set
	OverviewWindow time.Duration    // Default: 5m
	Now            func() time.Time
	Logger         *log.Logger
}

// Service is the query service.
type Service struct {
	store          Reader
	engine         *velocity.Engine
	archive        Archive
	overviewWindow time.Duration
	now            func() time.Time
	logger         *log.Logger
}

// NewService creates a query service.
func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	engine := opts.Engine
	if engine == nil {
		engine = velocity.NewEngine(opts.Store).WithClock(now)
	}
	window := opts.OverviewWindow
	if window <= 0 {
		window = DefaultOverviewWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:          opts.Store,
		engine:         engine,
		archive:        opts.Archive,
		overviewWindow: window,
		now:            now,
		logger:         logger,
	}
}

// ListParams are the listAssets inputs. Zero values take the defaults.
type ListParams struct {
	Start        int // 1-based
	Limit        int
	Sort         string
	SortDir      string
	Convert      string
	MinMarketCap *float64
	MaxMarketCap *float64
}

// ListAssets returns one page of active assets with their latest quote and trend.
func (s *Service) ListAssets(ctx context.Context, p ListParams) (*AssetPage, error) {
	convert, err := normalizeConvert(p.Convert)
	if err != nil {
		return nil, err
	}

	start := p.Start
	if start == 0 {
		start = 1
	}
	if start < 1 {
		return nil, invalid("start", "must be >= 1, got %d", start)
	}

	limit := p.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	limit = clamp(limit, 1, MaxListLimit)

	key, err := parseSortField(p.Sort)
	if err != nil {
		return nil, err
	}
	desc, err := parseSortDir(p.SortDir)
	if err != nil {
		return nil, err
	}

	if p.MinMarketCap != nil && p.MaxMarketCap != nil && *p.MinMarketCap > *p.MaxMarketCap {
		return nil, invalid("min_market_cap", "greater than max_market_cap")
	}

	assets, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active assets: %w", err)
	}

	ids := make([]int64, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	latest, err := s.store.LatestByAssets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}

	rows := make([]row, 0, len(assets))
	for _, a := range assets {
		r := row{asset: a, snap: latest[a.ID]}
		if !inCapRange(r.snap, p.MinMarketCap, p.MaxMarketCap) {
			continue
		}
		rows = append(rows, r)
	}

	sortRows(rows, key, desc)

	total := len(rows)
	from := start - 1
	if from > total {
		from = total
	}
	to := from + limit
	if to > total {
		to = total
	}

	page := &AssetPage{
		Assets: make([]*AssetView, 0, to-from),
		Pagination: Pagination{
			TotalCount: total,
			Page:       (start + limit - 1) / limit,
			PerPage:    limit,
			TotalPages: (total + limit - 1) / limit,
		},
	}

	for _, r := range rows[from:to] {
		view := newAssetView(r.asset)
		if r.snap == nil {
			view.Quote = map[string]any{convert: struct{}{}}
			page.Assets = append(page.Assets, view)
			continue
		}
		trend, err := s.engine.Trend(ctx, r.asset.ID)
		if err != nil {
			return nil, fmt.Errorf("trend for asset %d: %w", r.asset.ID, err)
		}
		q := newListQuote(r.snap, trend)
		view.Quote = map[string]any{convert: q}
		ts := r.snap.Timestamp
		view.LastUpdated = &ts
		page.Assets = append(page.Assets, view)
	}

	return page, nil
}

// DetailParams are the getAssetDetail inputs.
type DetailParams struct {
	Convert        string
	IncludeHistory bool
}

// GetAssetDetail returns one asset with its extended latest quote.
func (s *Service) GetAssetDetail(ctx context.Context, key string, p DetailParams) (*AssetView, error) {
	convert, err := normalizeConvert(p.Convert)
	if err != nil {
		return nil, err
	}

	asset, err := s.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	view := newAssetView(asset)
	snap, err := s.latest(ctx, asset.ID)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		view.Quote = map[string]any{convert: struct{}{}}
	} else {
		trend, err := s.engine.Trend(ctx, asset.ID)
		if err != nil {
			return nil, fmt.Errorf("trend for asset %d: %w", asset.ID, err)
		}
		view.Quote = map[string]any{convert: DetailQuote{
			ListQuote:         newListQuote(snap, trend),
			CirculatingSupply: snap.CirculatingSupply,
			TotalSupply:       snap.TotalSupply,
			MaxSupply:         snap.MaxSupply,
			Velocity1h:        snap.Velocity1h,
			Velocity4h:        snap.Velocity4h,
			Velocity12h:       snap.Velocity12h,
			Velocity7d:        snap.Velocity7d,
		}}
		ts := snap.Timestamp
		view.LastUpdated = &ts
	}

	if p.IncludeHistory {
		history, err := s.store.GetSince(ctx, asset.ID, s.now().Add(-HistoryWindow))
		if err != nil {
			return nil, fmt.Errorf("history for asset %d: %w", asset.ID, err)
		}
		view.History = make([]HistoryPoint, 0, len(history))
		for _, h := range history {
			view.History = append(view.History, newHistoryPoint(h))
		}
	}

	return view, nil
}

// VelocityParams are the getVelocityDetail inputs.
type VelocityParams struct {
	Timeframe    string
	IncludeTrend bool
}

// GetVelocityDetail returns the velocity breakdown of the asset's latest snapshot.
func (s *Service) GetVelocityDetail(ctx context.Context, key string, p VelocityParams) (*VelocityDetail, error) {
	timeframe, err := normalizeTimeframe(p.Timeframe)
	if err != nil {
		return nil, err
	}

	asset, err := s.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	snap, err := s.latest(ctx, asset.ID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &NotFoundError{Resource: "velocity metrics", Key: key}
	}

	detail := &VelocityDetail{
		TokenID:   asset.ID,
		Symbol:    asset.Symbol,
		Timeframe: timeframe,
		VelocityMetrics: VelocityMetrics{
			Current:     snap.Velocity,
			Velocity1h:  snap.Velocity1h,
			Velocity4h:  snap.Velocity4h,
			Velocity12h: snap.Velocity12h,
			Velocity24h: snap.Velocity,
			Velocity7d:  snap.Velocity7d,
		},
		CalculationDetails: CalculationDetails{
			Volume24h:        snap.Volume24hUSD,
			MarketCap:        snap.MarketCapUSD,
			CalculationTime:  snap.Timestamp,
			DataQualityScore: snap.DataQualityScore,
		},
	}

	if p.IncludeTrend {
		trend, err := s.engine.Trend(ctx, asset.ID)
		if err != nil {
			return nil, fmt.Errorf("trend for asset %d: %w", asset.ID, err)
		}
		detail.TrendAnalysis = &TrendAnalysis{
			Trend24h:          trend,
			VolatilityScore:   PlaceholderVolatilityScore,
			MomentumIndicator: PlaceholderMomentumIndicator,
		}
	}

	return detail, nil
}

// SearchAssets matches active assets by name, symbol or slug substring.
// Results carry a minimal quote and no trend.
func (s *Service) SearchAssets(ctx context.Context, q string, limit int) ([]*AssetView, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, &ValidationError{Field: "q", Message: `query parameter "q" is required`}
	}

	if limit == 0 {
		limit = DefaultSearchLimit
	}
	limit = clamp(limit, 1, MaxSearchLimit)

	assets, err := s.store.Search(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("search assets: %w", err)
	}

	ids := make([]int64, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	latest, err := s.store.LatestByAssets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}

	results := make([]*AssetView, 0, len(assets))
	for _, a := range assets {
		view := newAssetView(a)
		if snap, ok := latest[a.ID]; ok {
			view.Quote = map[string]any{DefaultConvert: SearchQuote{
				Price:     snap.PriceUSD,
				MarketCap: snap.MarketCapUSD,
				Velocity:  snap.Velocity,
			}}
			ts := snap.Timestamp
			view.LastUpdated = &ts
		} else {
			view.Quote = map[string]any{DefaultConvert: struct{}{}}
		}
		results = append(results, view)
	}
	return results, nil
}

// MarketOverview aggregates the newest snapshot of every asset observed
// within the overview window.
func (s *Service) MarketOverview(ctx context.Context) (*MarketOverview, error) {
	now := s.now()
	snaps, err := s.store.GetByTimeRange(ctx, now.Add(-s.overviewWindow), now)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}

	latest := make(map[int64]*domain.MetricSnapshot, len(snaps))
	for _, snap := range snaps {
		latest[snap.AssetID] = snap
	}

	overview := &MarketOverview{Timestamp: now}
	velocitySum, velocityCount := 0.0, 0
	for _, snap := range latest {
		if snap.MarketCapUSD != nil {
			overview.TotalMarketCap += *snap.MarketCapUSD
		}
		if snap.Volume24hUSD != nil {
			overview.TotalVolume24h += *snap.Volume24hUSD
		}
		if snap.Velocity != nil {
			velocitySum += *snap.Velocity
			velocityCount++
		}
	}
	if velocityCount > 0 {
		overview.AverageVelocity = velocitySum / float64(velocityCount)
	}

	overview.ActiveTokens, err = s.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active assets: %w", err)
	}
	return overview, nil
}

// Resolve finds an asset by external id (numeric keys only), then symbol,
// then slug. The first match wins.
func (s *Service) Resolve(ctx context.Context, key string) (*domain.Asset, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &ValidationError{Field: "id", Message: "asset identifier is required"}
	}

	if id, err := strconv.ParseInt(key, 10, 64); err == nil && id > 0 {
		asset, err := s.store.GetByExternalID(ctx, id)
		if err == nil {
			return asset, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get asset by external id: %w", err)
		}
	}

	asset, err := s.store.FindBySymbol(ctx, key)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("find asset by symbol: %w", err)
	}

	asset, err = s.store.FindBySlug(ctx, key)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("find asset by slug: %w", err)
	}

	return nil, &NotFoundError{Resource: "token", Key: key}
}

// LatestSnapshot returns the newest snapshot of an asset, or nil when it
// has none yet.
func (s *Service) LatestSnapshot(ctx context.Context, assetID int64) (*domain.MetricSnapshot, error) {
	return s.latest(ctx, assetID)
}

func (s *Service) latest(ctx context.Context, assetID int64) (*domain.MetricSnapshot, error) {
	snap, err := s.store.Latest(ctx, assetID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for asset %d: %w", assetID, err)
	}
	return snap, nil
}

func inCapRange(snap *domain.MetricSnapshot, lo, hi *float64) bool {
	if lo == nil && hi == nil {
		return true
	}
	if snap == nil || snap.MarketCapUSD == nil {
		return false
	}
	mc := *snap.MarketCapUSD
	if lo != nil && mc < *lo {
		return false
	}
	if hi != nil && mc > *hi {
		return false
	}
	return true
}

func normalizeConvert(convert string) (string, error) {
	if convert == "" {
		return DefaultConvert, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(convert))
	if upper != DefaultConvert {
		return "", invalid("convert", "unsupported currency %q, only USD is available", convert)
	}
	return upper, nil
}

func normalizeTimeframe(timeframe string) (string, error) {
	if timeframe == "" {
		return DefaultTimeframe, nil
	}
	w, err := domain.ParseWindow(timeframe)
	if err != nil {
		return "", invalid("timeframe", "must be one of 1h, 4h, 12h, 24h, 7d")
	}
	return string(w), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
