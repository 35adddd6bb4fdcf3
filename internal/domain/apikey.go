package domain

import "time"

// Rate-limit tiers for API keys.
const (
	TierBasic = "basic"
	TierPro   = "pro"
)

// Rate limits applied when a key is created without explicit values.
const (
	DefaultRateLimitPerMinute = 60
	DefaultRateLimitPerMonth  = 1000
)

// APIKey is a stored credential record. Only the hash of the key is persisted.
// Corresponds to api_keys table in PostgreSQL.
type APIKey struct {
	ID                 int64
	KeyHash            string
	Name               *string
	Tier               string
	RateLimitPerMinute int
	RateLimitPerMonth  int
	IsActive           bool
	CreatedAt          time.Time
	LastUsedAt         *time.Time
	UsageCount         int64
}

// ApplyDefaults fills zero-valued tier and rate-limit fields.
func (k *APIKey) ApplyDefaults() {
	if k.Tier == "" {
		k.Tier = TierBasic
	}
	if k.RateLimitPerMinute == 0 {
		k.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if k.RateLimitPerMonth == 0 {
		k.RateLimitPerMonth = DefaultRateLimitPerMonth
	}
}
