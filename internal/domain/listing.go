package domain

import "time"

// Listing is one normalized entry of an upstream listings page.
type Listing struct {
	ExternalID        int64
	Name              string
	Symbol            string
	Slug              string
	DateAdded         *time.Time
	CirculatingSupply *float64
	TotalSupply       *float64
	MaxSupply         *float64

	// USD quote
	Price            *float64
	MarketCap        *float64
	Volume24h        *float64
	PercentChange1h  *float64
	PercentChange24h *float64
	PercentChange7d  *float64
}
