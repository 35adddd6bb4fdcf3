package domain

import "time"

// Asset is the identity record of a tracked asset.
// Corresponds to assets table in PostgreSQL.
type Asset struct {
	ID         int64      // internal identifier, assigned by the store
	ExternalID int64      // upstream provider id (unique)
	Name       string     // display name (mutable)
	Symbol     string     // ticker symbol (mutable)
	Slug       string     // url-safe name (mutable)
	DateAdded  *time.Time // upstream listing date (nullable)
	IsActive   bool       // soft-deactivation flag
	CreatedAt  time.Time  // first sighting
	UpdatedAt  time.Time  // last upsert
}

// AssetUpsert is the mutable identity of an asset as seen in one cycle.
// The store matches on ExternalID: insert if absent, else update the display fields.
type AssetUpsert struct {
	ExternalID int64
	Name       string
	Symbol     string
	Slug       string
	DateAdded  *time.Time
}
