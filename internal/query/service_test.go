package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage/memory"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

type seedAsset struct {
	ext    int64
	name   string
	symbol string
	slug   string
	cap    *float64
	vel    *float64
}

func seedStore(t *testing.T, assets ...seedAsset) *memory.MetricStore {
	t.Helper()
	store := memory.NewMetricStore().WithClock(func() time.Time { return now })

	batch := &domain.CycleBatch{}
	for _, a := range assets {
		batch.Assets = append(batch.Assets, domain.AssetUpsert{ExternalID: a.ext, Name: a.name, Symbol: a.symbol, Slug: a.slug})
		if a.cap == nil && a.vel == nil {
			continue
		}
		batch.Snapshots = append(batch.Snapshots, domain.PendingSnapshot{
			ExternalID: a.ext,
			Snapshot: domain.MetricSnapshot{
				Timestamp:        now.Add(-time.Minute),
				PriceUSD:         f(1),
				MarketCapUSD:     a.cap,
				Volume24hUSD:     f(10),
				Velocity:         a.vel,
				DataQualityScore: domain.DefaultQualityScore,
			},
		})
	}
	_, err := store.CommitCycle(context.Background(), batch)
	require.NoError(t, err)
	return store
}

func newService(store Reader) *Service {
	return NewService(Options{Store: store, Now: func() time.Time { return now }})
}

func symbols(views []*AssetView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Symbol
	}
	return out
}

func TestSearchAssets_SubstringAcrossFields(t *testing.T) {
	store := seedStore(t,
		seedAsset{ext: 1, name: "Bitcoin", symbol: "BTC", slug: "bitcoin", cap: f(1000), vel: f(0.1)},
		seedAsset{ext: 3717, name: "Wrapped Bitcoin", symbol: "WBTC", slug: "wrapped-bitcoin", cap: f(100)},
		seedAsset{ext: 1027, name: "Ethereum", symbol: "ETH", slug: "ethereum", cap: f(500)},
	)
	svc := newService(store)

	results, err := svc.SearchAssets(context.Background(), "BTC", 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTC", "WBTC"}, symbols(results))

	quote, ok := results[0].Quote[DefaultConvert].(SearchQuote)
	require.True(t, ok)
	assert.Equal(t, 1000.0, *quote.MarketCap)
}

func TestSearchAssets_Validation(t *testing.T) {
	svc := newService(seedStore(t))

	_, err := svc.SearchAssets(context.Background(), "   ", 10)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "q", verr.Field)
}

func TestSearchAssets_LimitClamped(t *testing.T) {
	var assets []seedAsset
	for i := int64(1); i <= 120; i++ {
		assets = append(assets, seedAsset{ext: i, name: "Coin", symbol: fmt.Sprintf("C%d", i), slug: fmt.Sprintf("coin-%d", i)})
	}
	svc := newService(seedStore(t, assets...))

	results, err := svc.SearchAssets(context.Background(), "coin", 1000)
	require.NoError(t, err)
	assert.Len(t, results, MaxSearchLimit)

	results, err = svc.SearchAssets(context.Background(), "coin", 0)
	require.NoError(t, err)
	assert.Len(t, results, DefaultSearchLimit)

	results, err = svc.SearchAssets(context.Background(), "coin", -3)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestResolve_ExternalIDTakesPriority(t *testing.T) {
	store := seedStore(t,
		seedAsset{ext: 99, name: "Seven X", symbol: "7X", slug: "seven-x"},
		seedAsset{ext: 7, name: "Asset Seven", symbol: "SVN", slug: "asset-seven"},
		seedAsset{ext: 50, name: "Numeric Symbol", symbol: "8", slug: "numeric"},
	)
	svc := newService(store)

	asset, err := svc.Resolve(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), asset.ExternalID)

	asset, err = svc.Resolve(context.Background(), "7x")
	require.NoError(t, err)
	assert.Equal(t, "7X", asset.Symbol, "symbol match is case-insensitive")

	asset, err = svc.Resolve(context.Background(), "ASSET-SEVEN")
	require.NoError(t, err)
	assert.Equal(t, int64(7), asset.ExternalID, "slug match is case-insensitive")

	// Numeric key with no external id match falls through to symbol.
	asset, err = svc.Resolve(context.Background(), "8")
	require.NoError(t, err)
	assert.Equal(t, int64(50), asset.ExternalID)

	_, err = svc.Resolve(context.Background(), "nope")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListAssets_MarketCapFilterAndPagination(t *testing.T) {
	store := seedStore(t,
		seedAsset{ext: 1, name: "A", symbol: "A", slug: "a", cap: f(50)},
		seedAsset{ext: 2, name: "B", symbol: "B", slug: "b", cap: f(150)},
		seedAsset{ext: 3, name: "C", symbol: "C", slug: "c", cap: f(250)},
		seedAsset{ext: 4, name: "D", symbol: "D", slug: "d", cap: f(350)},
		seedAsset{ext: 5, name: "E", symbol: "E", slug: "e"}, // no snapshot
	)
	svc := newService(store)

	page, err := svc.ListAssets(context.Background(), ListParams{
		MinMarketCap: f(100),
		MaxMarketCap: f(300),
		Limit:        1,
		Start:        2,
	})
	require.NoError(t, err)

	assert.Equal(t, Pagination{TotalCount: 2, Page: 2, PerPage: 1, TotalPages: 2}, page.Pagination)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, "B", page.Assets[0].Symbol, "default sort market_cap desc: C then B")
}

func TestListAssets_AbsentMetricsSortLast(t *testing.T) {
	store := seedStore(t,
		seedAsset{ext: 1, name: "A", symbol: "A", slug: "a", cap: f(50), vel: f(0.3)},
		seedAsset{ext: 2, name: "B", symbol: "B", slug: "b", cap: f(150)},
		seedAsset{ext: 3, name: "C", symbol: "C", slug: "c", cap: f(250), vel: f(0.1)},
		seedAsset{ext: 4, name: "D", symbol: "D", slug: "d"},
	)
	svc := newService(store)

	page, err := svc.ListAssets(context.Background(), ListParams{Sort: "velocity", SortDir: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B", "D"}, symbols(page.Assets))

	page, err = svc.ListAssets(context.Background(), ListParams{Sort: "velocity", SortDir: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B", "D"}, symbols(page.Assets))

	page, err = svc.ListAssets(context.Background(), ListParams{Sort: "symbol", SortDir: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "C", "B", "A"}, symbols(page.Assets))

	// Asset without snapshot carries an empty quote.
	noSnap := page.Assets[0]
	assert.Nil(t, noSnap.LastUpdated)
	assert.Equal(t, struct{}{}, noSnap.Quote["USD"])
}

func TestListAssets_Validation(t *testing.T) {
	svc := newService(seedStore(t))
	ctx := context.Background()

	tests := []struct {
		name   string
		params ListParams
		field  string
	}{
		{"unknown sort", ListParams{Sort: "__class__"}, "sort"},
		{"bad direction", ListParams{SortDir: "sideways"}, "sort_dir"},
		{"bad convert", ListParams{Convert: "EUR"}, "convert"},
		{"negative start", ListParams{Start: -1}, "start"},
		{"inverted cap range", ListParams{MinMarketCap: f(10), MaxMarketCap: f(1)}, "min_market_cap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ListAssets(ctx, tt.params)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestListAssets_LimitClampAndConvertCase(t *testing.T) {
	svc := newService(seedStore(t, seedAsset{ext: 1, name: "A", symbol: "A", slug: "a", cap: f(50)}))

	page, err := svc.ListAssets(context.Background(), ListParams{Limit: 5000, Convert: "usd"})
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, page.Pagination.PerPage)
	assert.Equal(t, 1, page.Pagination.TotalPages)

	quote, ok := page.Assets[0].Quote["USD"].(ListQuote)
	require.True(t, ok)
	assert.Equal(t, domain.TrendInsufficientData, quote.VelocityTrend)
}

func TestGetAssetDetail_WithHistory(t *testing.T) {
	store := memory.NewMetricStore()
	batch := &domain.CycleBatch{
		Assets: []domain.AssetUpsert{{ExternalID: 1, Name: "Bitcoin", Symbol: "BTC", Slug: "bitcoin"}},
		Snapshots: []domain.PendingSnapshot{
			{ExternalID: 1, Snapshot: domain.MetricSnapshot{Timestamp: now.Add(-48 * time.Hour), Velocity: f(0.9)}},
			{ExternalID: 1, Snapshot: domain.MetricSnapshot{Timestamp: now.Add(-2 * time.Hour), Velocity: f(0.2)}},
			{ExternalID: 1, Snapshot: domain.MetricSnapshot{
				Timestamp:    now.Add(-time.Minute),
				Velocity:     f(0.1),
				Velocity1h:   f(0.15),
				Velocity7d:   f(0.4),
				MaxSupply:    f(21e6),
				MarketCapUSD: f(1e12),
			}},
		},
	}
	_, err := store.CommitCycle(context.Background(), batch)
	require.NoError(t, err)
	svc := newService(store)

	view, err := svc.GetAssetDetail(context.Background(), "btc", DetailParams{IncludeHistory: true})
	require.NoError(t, err)

	quote, ok := view.Quote["USD"].(DetailQuote)
	require.True(t, ok)
	assert.Equal(t, 0.15, *quote.Velocity1h)
	assert.Equal(t, 0.4, *quote.Velocity7d)
	assert.Nil(t, quote.Velocity4h)
	assert.Equal(t, 21e6, *quote.MaxSupply)
	require.NotNil(t, view.LastUpdated)
	assert.Equal(t, now.Add(-time.Minute), *view.LastUpdated)

	require.Len(t, view.History, 2, "only the last 24h")
	assert.True(t, view.History[0].Timestamp.Before(view.History[1].Timestamp), "oldest first")
}

func TestGetVelocityDetail(t *testing.T) {
	store := seedStore(t, seedAsset{ext: 1, name: "Bitcoin", symbol: "BTC", slug: "bitcoin", cap: f(1000), vel: f(0.01)})
	svc := newService(store)
	ctx := context.Background()

	detail, err := svc.GetVelocityDetail(ctx, "1", VelocityParams{IncludeTrend: true})
	require.NoError(t, err)
	assert.Equal(t, "24h", detail.Timeframe)
	assert.Equal(t, 0.01, *detail.VelocityMetrics.Current)
	assert.Equal(t, 0.01, *detail.VelocityMetrics.Velocity24h)
	assert.Equal(t, 1000.0, *detail.CalculationDetails.MarketCap)
	assert.Equal(t, domain.DefaultQualityScore, detail.CalculationDetails.DataQualityScore)
	require.NotNil(t, detail.TrendAnalysis)
	assert.Equal(t, domain.TrendInsufficientData, detail.TrendAnalysis.Trend24h)
	assert.Equal(t, PlaceholderVolatilityScore, detail.TrendAnalysis.VolatilityScore)
	assert.Equal(t, PlaceholderMomentumIndicator, detail.TrendAnalysis.MomentumIndicator)

	detail, err = svc.GetVelocityDetail(ctx, "bitcoin", VelocityParams{Timeframe: "7d"})
	require.NoError(t, err)
	assert.Nil(t, detail.TrendAnalysis)

	detail, err = svc.GetVelocityDetail(ctx, "bitcoin", VelocityParams{Timeframe: "12H"})
	require.NoError(t, err)
	assert.Equal(t, "12h", detail.Timeframe)

	_, err = svc.GetVelocityDetail(ctx, "bitcoin", VelocityParams{Timeframe: "2h"})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGetVelocityDetail_NoSnapshot(t *testing.T) {
	svc := newService(seedStore(t, seedAsset{ext: 1, name: "New", symbol: "NEW", slug: "new"}))

	_, err := svc.GetVelocityDetail(context.Background(), "NEW", VelocityParams{})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestMarketOverview(t *testing.T) {
	store := memory.NewMetricStore()
	batch := &domain.CycleBatch{
		Assets: []domain.AssetUpsert{
			{ExternalID: 1, Name: "Bitcoin", Symbol: "BTC", Slug: "bitcoin"},
			{ExternalID: 2, Name: "Ethereum", Symbol: "ETH", Slug: "ethereum"},
			{ExternalID: 3, Name: "Stale", Symbol: "OLD", Slug: "stale"},
		},
		Snapshots: []domain.PendingSnapshot{
			{ExternalID: 1, Snapshot: domain.MetricSnapshot{Timestamp: now.Add(-4 * time.Minute), MarketCapUSD: f(1), Volume24hUSD: f(1), Velocity: f(1)}},
			{ExternalID: 1, Snapshot: domain.MetricSnapshot{Timestamp: now.Add(-1 * time.Minute), MarketCapUSD: f(1000), Volume24hUSD: f(100), Velocity: f(0.1)}},
			{ExternalID: 2, Snapshot: domain.MetricSnapshot{Timestamp: now.Add(-2 * time.Minute), MarketCapUSD: f(500), Volume24hUSD: f(150), Velocity: f(0.3)}},
			{ExternalID: 3, Snapshot: domain.MetricSnapshot{Timestamp: now.Add(-time.Hour), MarketCapUSD: f(9999)}},
		},
	}
	_, err := store.CommitCycle(context.Background(), batch)
	require.NoError(t, err)

	overview, err := newService(store).MarketOverview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500.0, overview.TotalMarketCap)
	assert.Equal(t, 250.0, overview.TotalVolume24h)
	assert.InDelta(t, 0.2, overview.AverageVelocity, 1e-12)
	assert.Equal(t, 3, overview.ActiveTokens)
}
