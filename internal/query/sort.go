package query

import (
	"sort"
	"strings"
	"time"

	"token-velocity/internal/domain"
)

// row is one list candidate: an asset and its latest snapshot (may be nil).
type row struct {
	asset *domain.Asset
	snap  *domain.MetricSnapshot
}

// sortField orders rows. Metric fields extract an optional value from the
// snapshot; identity fields compare assets directly.
type sortField struct {
	metric func(*domain.MetricSnapshot) *float64
	less   func(a, b *domain.Asset) bool
}

// Accepted sort keys. Anything else is rejected.
var sortFields = map[string]sortField{
	"market_cap":  {metric: func(s *domain.MetricSnapshot) *float64 { return s.MarketCapUSD }},
	"volume_24h":  {metric: func(s *domain.MetricSnapshot) *float64 { return s.Volume24hUSD }},
	"velocity":    {metric: func(s *domain.MetricSnapshot) *float64 { return s.Velocity }},
	"price":       {metric: func(s *domain.MetricSnapshot) *float64 { return s.PriceUSD }},
	"id":          {less: func(a, b *domain.Asset) bool { return a.ID < b.ID }},
	"external_id": {less: func(a, b *domain.Asset) bool { return a.ExternalID < b.ExternalID }},
	"name":        {less: func(a, b *domain.Asset) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) }},
	"symbol":      {less: func(a, b *domain.Asset) bool { return strings.ToLower(a.Symbol) < strings.ToLower(b.Symbol) }},
	"slug":        {less: func(a, b *domain.Asset) bool { return a.Slug < b.Slug }},
	"date_added":  {less: func(a, b *domain.Asset) bool { return timeOrZero(a.DateAdded).Before(timeOrZero(b.DateAdded)) }},
}

const defaultSort = "market_cap"

func parseSortField(name string) (sortField, error) {
	if name == "" {
		name = defaultSort
	}
	f, ok := sortFields[strings.ToLower(name)]
	if !ok {
		return sortField{}, invalid("sort", "unknown sort field %q", name)
	}
	return f, nil
}

// parseSortDir returns true for descending.
func parseSortDir(dir string) (bool, error) {
	switch strings.ToLower(dir) {
	case "", "desc":
		return true, nil
	case "asc":
		return false, nil
	default:
		return false, invalid("sort_dir", "must be asc or desc")
	}
}

// sortRows orders rows by field. Absent metric values sort last in either
// direction; ties fall back to asset id ascending.
func sortRows(rows []row, f sortField, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]

		if f.metric != nil {
			va, vb := metricOf(a, f), metricOf(b, f)
			switch {
			case va == nil && vb == nil:
				return a.asset.ID < b.asset.ID
			case va == nil:
				return false
			case vb == nil:
				return true
			case *va != *vb:
				if desc {
					return *va > *vb
				}
				return *va < *vb
			default:
				return a.asset.ID < b.asset.ID
			}
		}

		switch {
		case f.less(a.asset, b.asset):
			return !desc
		case f.less(b.asset, a.asset):
			return desc
		default:
			return a.asset.ID < b.asset.ID
		}
	})
}

func metricOf(r row, f sortField) *float64 {
	if r.snap == nil {
		return nil
	}
	return f.metric(r.snap)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
