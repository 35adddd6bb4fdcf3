// Package stub provides a deterministic in-memory Provider for local runs and tests.
package stub

import (
	"context"
	"sync"

	"token-velocity/internal/domain"
	"token-velocity/internal/provider"
)

// Provider implements provider.Provider from fixed listings.
type Provider struct {
	mu       sync.Mutex
	listings []*domain.Listing
	err      error
	calls    int
}

// NewProvider creates a stub provider returning the given listings.
func NewProvider(listings ...*domain.Listing) *Provider {
	return &Provider{listings: listings}
}

// Listings returns the configured page, or the configured error.
func (p *Provider) Listings(ctx context.Context, start, limit int) ([]*domain.Listing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}

	if start < 1 {
		start = 1
	}
	from := start - 1
	if from >= len(p.listings) {
		return []*domain.Listing{}, nil
	}
	to := from + limit
	if to > len(p.listings) {
		to = len(p.listings)
	}

	out := make([]*domain.Listing, 0, to-from)
	for _, l := range p.listings[from:to] {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

// SetListings replaces the returned page.
func (p *Provider) SetListings(listings ...*domain.Listing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listings = listings
}

// SetError makes every following call fail with err. nil clears it.
func (p *Provider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns the number of Listings calls made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Sample returns a small fixed market for local runs.
func Sample() []*domain.Listing {
	return []*domain.Listing{
		listing(1, "Bitcoin", "BTC", "bitcoin", 65000, 1.28e12, 3.1e10),
		listing(1027, "Ethereum", "ETH", "ethereum", 3400, 4.1e11, 1.5e10),
		listing(3717, "Wrapped Bitcoin", "WBTC", "wrapped-bitcoin", 64950, 1.0e10, 2.5e8),
		listing(5426, "Solana", "SOL", "solana", 150, 7.0e10, 3.2e9),
	}
}

func listing(id int64, name, symbol, slug string, price, marketCap, volume float64) *domain.Listing {
	return &domain.Listing{
		ExternalID: id,
		Name:       name,
		Symbol:     symbol,
		Slug:       slug,
		Price:      &price,
		MarketCap:  &marketCap,
		Volume24h:  &volume,
	}
}

var _ provider.Provider = (*Provider)(nil)
