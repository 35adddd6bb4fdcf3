package query

import (
	"time"

	"token-velocity/internal/domain"
)

// AssetView is an asset with its latest quote keyed by currency.
type AssetView struct {
	ID          int64          `json:"id"`
	ExternalID  int64          `json:"external_id"`
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	Slug        string         `json:"slug"`
	DateAdded   *time.Time     `json:"date_added"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Quote       map[string]any `json:"quote"`
	LastUpdated *time.Time     `json:"last_updated"`

	History []HistoryPoint `json:"history,omitempty"`
}

// ListQuote is the quote attached to list results.
type ListQuote struct {
	Price            *float64     `json:"price"`
	Volume24h        *float64     `json:"volume_24h"`
	MarketCap        *float64     `json:"market_cap"`
	PercentChange1h  *float64     `json:"percent_change_1h"`
	PercentChange24h *float64     `json:"percent_change_24h"`
	PercentChange7d  *float64     `json:"percent_change_7d"`
	Velocity         *float64     `json:"velocity"`
	VelocityTrend    domain.Trend `json:"velocity_trend"`
}

// DetailQuote extends ListQuote with supply figures and windowed velocities.
type DetailQuote struct {
	ListQuote
	CirculatingSupply *float64 `json:"circulating_supply"`
	TotalSupply       *float64 `json:"total_supply"`
	MaxSupply         *float64 `json:"max_supply"`
	Velocity1h        *float64 `json:"velocity_1h"`
	Velocity4h        *float64 `json:"velocity_4h"`
	Velocity12h       *float64 `json:"velocity_12h"`
	Velocity7d        *float64 `json:"velocity_7d"`
}

// SearchQuote is the minimal quote attached to search results.
type SearchQuote struct {
	Price     *float64 `json:"price"`
	MarketCap *float64 `json:"market_cap"`
	Velocity  *float64 `json:"velocity"`
}

// HistoryPoint is one historical snapshot in an asset detail.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     *float64  `json:"price"`
	MarketCap *float64  `json:"market_cap"`
	Volume24h *float64  `json:"volume_24h"`
	Velocity  *float64  `json:"velocity"`
}

// Pagination describes one page of a list.
type Pagination struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// AssetPage is one page of listAssets.
type AssetPage struct {
	Assets     []*AssetView
	Pagination Pagination
}

// VelocityDetail is the velocity breakdown of one asset.
type VelocityDetail struct {
	TokenID            int64              `json:"token_id"`
	Symbol             string             `json:"symbol"`
	Timeframe          string             `json:"timeframe"`
	VelocityMetrics    VelocityMetrics    `json:"velocity_metrics"`
	CalculationDetails CalculationDetails `json:"calculation_details"`
	TrendAnalysis      *TrendAnalysis     `json:"trend_analysis,omitempty"`
}

// VelocityMetrics holds current and windowed velocities.
type VelocityMetrics struct {
	Current     *float64 `json:"current_velocity"`
	Velocity1h  *float64 `json:"velocity_1h"`
	Velocity4h  *float64 `json:"velocity_4h"`
	Velocity12h *float64 `json:"velocity_12h"`
	Velocity24h *float64 `json:"velocity_24h"`
	Velocity7d  *float64 `json:"velocity_7d"`
}

// CalculationDetails are the inputs of the current velocity.
type CalculationDetails struct {
	Volume24h        *float64  `json:"volume_24h"`
	MarketCap        *float64  `json:"market_cap"`
	CalculationTime  time.Time `json:"calculation_time"`
	DataQualityScore float64   `json:"data_quality_score"`
}

// TrendAnalysis carries the trend. VolatilityScore and MomentumIndicator are
// fixed placeholders; no model computes them yet.
type TrendAnalysis struct {
	Trend24h          domain.Trend `json:"trend_24h"`
	VolatilityScore   float64      `json:"volatility_score"`
	MomentumIndicator string       `json:"momentum_indicator"`
}

// Placeholder trend analysis values.
const (
	PlaceholderVolatilityScore   = 0.15
	PlaceholderMomentumIndicator = "neutral"
)

// MarketOverview summarizes the market over the recent window.
type MarketOverview struct {
	Timestamp       time.Time `json:"timestamp"`
	TotalMarketCap  float64   `json:"total_market_cap"`
	TotalVolume24h  float64   `json:"total_volume_24h"`
	AverageVelocity float64   `json:"average_velocity"`
	ActiveTokens    int       `json:"active_tokens"`
}

func newAssetView(a *domain.Asset) *AssetView {
	return &AssetView{
		ID:         a.ID,
		ExternalID: a.ExternalID,
		Name:       a.Name,
		Symbol:     a.Symbol,
		Slug:       a.Slug,
		DateAdded:  a.DateAdded,
		IsActive:   a.IsActive,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func newListQuote(s *domain.MetricSnapshot, trend domain.Trend) ListQuote {
	return ListQuote{
		Price:            s.PriceUSD,
		Volume24h:        s.Volume24hUSD,
		MarketCap:        s.MarketCapUSD,
		PercentChange1h:  s.PercentChange1h,
		PercentChange24h: s.PercentChange24h,
		PercentChange7d:  s.PercentChange7d,
		Velocity:         s.Velocity,
		VelocityTrend:    trend,
	}
}
