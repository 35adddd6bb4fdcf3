// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MaxListingLimit bounds one provider page.
const MaxListingLimit = 5000

// Config is the complete runtime configuration.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	ClickHouseDSN string `envconfig:"CLICKHOUSE_DSN"`
	UseMemory     bool   `envconfig:"USE_MEMORY" default:"false"`

	ProviderBaseURL       string        `envconfig:"PROVIDER_BASE_URL" default:"https://sandbox-api.coinmarketcap.com/v1"`
	ProviderAPIKey        string        `envconfig:"PROVIDER_API_KEY"`
	ProviderTimeout       time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`
	ProviderRatePerMinute int           `envconfig:"PROVIDER_RATE_PER_MINUTE" default:"30"`
	UseStubProvider       bool          `envconfig:"USE_STUB_PROVIDER" default:"false"`

	ListingLimit   int           `envconfig:"LISTING_LIMIT" default:"100"`
	IngestInterval time.Duration `envconfig:"INGEST_INTERVAL" default:"60s"`
	DigestSize     int           `envconfig:"DIGEST_SIZE" default:"20"`
	DigestWindow   time.Duration `envconfig:"DIGEST_WINDOW" default:"5m"`

	// Cycles an asset may be missing from the listings before it is
	// deactivated. Zero keeps assets active forever.
	DeactivateAfter int `envconfig:"DEACTIVATE_AFTER" default:"1440"`

	MinAPIKeyLength int `envconfig:"MIN_API_KEY_LENGTH" default:"8"`
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over .env entries.
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if !c.UseMemory && c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required unless USE_MEMORY=true"))
	}
	if !c.UseStubProvider && c.ProviderBaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_BASE_URL is required unless USE_STUB_PROVIDER=true"))
	}
	if c.IngestInterval <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_INTERVAL must be positive, got %v", c.IngestInterval))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %v", c.ProviderTimeout))
	}
	if c.ListingLimit < 1 || c.ListingLimit > MaxListingLimit {
		errs = append(errs, fmt.Errorf("LISTING_LIMIT must be in [1, %d], got %d", MaxListingLimit, c.ListingLimit))
	}
	if c.DigestSize < 1 {
		errs = append(errs, fmt.Errorf("DIGEST_SIZE must be positive, got %d", c.DigestSize))
	}
	if c.DigestWindow <= 0 {
		errs = append(errs, fmt.Errorf("DIGEST_WINDOW must be positive, got %v", c.DigestWindow))
	}
	if c.DeactivateAfter < 0 {
		errs = append(errs, fmt.Errorf("DEACTIVATE_AFTER must not be negative, got %d", c.DeactivateAfter))
	}
	if c.MinAPIKeyLength < 1 {
		errs = append(errs, fmt.Errorf("MIN_API_KEY_LENGTH must be positive, got %d", c.MinAPIKeyLength))
	}

	return errors.Join(errs...)
}
