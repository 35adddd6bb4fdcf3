package provider

import (
	"time"

	"token-velocity/internal/domain"
)

// listingsResponse is the upstream listings payload.
type listingsResponse struct {
	Status responseStatus   `json:"status"`
	Data   []listingPayload `json:"data"`
}

type responseStatus struct {
	ErrorCode    int     `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type listingPayload struct {
	ID                int64                   `json:"id"`
	Name              string                  `json:"name"`
	Symbol            string                  `json:"symbol"`
	Slug              string                  `json:"slug"`
	DateAdded         *string                 `json:"date_added"`
	CirculatingSupply *float64                `json:"circulating_supply"`
	TotalSupply       *float64                `json:"total_supply"`
	MaxSupply         *float64                `json:"max_supply"`
	Quote             map[string]quotePayload `json:"quote"`
}

type quotePayload struct {
	Price            *float64 `json:"price"`
	MarketCap        *float64 `json:"market_cap"`
	Volume24h        *float64 `json:"volume_24h"`
	PercentChange1h  *float64 `json:"percent_change_1h"`
	PercentChange24h *float64 `json:"percent_change_24h"`
	PercentChange7d  *float64 `json:"percent_change_7d"`
}

// toListing normalizes a payload entry. An unparseable date_added is dropped.
func (p *listingPayload) toListing() *domain.Listing {
	l := &domain.Listing{
		ExternalID:        p.ID,
		Name:              p.Name,
		Symbol:            p.Symbol,
		Slug:              p.Slug,
		CirculatingSupply: p.CirculatingSupply,
		TotalSupply:       p.TotalSupply,
		MaxSupply:         p.MaxSupply,
	}

	if p.DateAdded != nil {
		if t, err := time.Parse(time.RFC3339, *p.DateAdded); err == nil {
			t = t.UTC()
			l.DateAdded = &t
		}
	}

	if q, ok := p.Quote[QuoteCurrency]; ok {
		l.Price = q.Price
		l.MarketCap = q.MarketCap
		l.Volume24h = q.Volume24h
		l.PercentChange1h = q.PercentChange1h
		l.PercentChange24h = q.PercentChange24h
		l.PercentChange7d = q.PercentChange7d
	}

	return l
}
