package domain

import "time"

// DefaultQualityScore is assigned to every snapshot built from a provider listing.
const DefaultQualityScore = 0.95

// MetricSnapshot is one immutable observation of an asset's market metrics.
// Corresponds to metric_snapshots table in PostgreSQL (and ClickHouse archive).
// Nil pointers mean the value was absent upstream (or zero, for velocities).
type MetricSnapshot struct {
	Seq       int64     // insertion order, assigned by the store; breaks timestamp ties
	AssetID   int64     // FK to assets.id
	Timestamp time.Time // observation instant

	PriceUSD          *float64
	MarketCapUSD      *float64
	Volume24hUSD      *float64
	CirculatingSupply *float64
	TotalSupply       *float64
	MaxSupply         *float64
	PercentChange1h   *float64
	PercentChange24h  *float64
	PercentChange7d   *float64

	Velocity    *float64 // instantaneous
	Velocity1h  *float64 // windowed means over pre-existing history
	Velocity4h  *float64
	Velocity12h *float64
	Velocity7d  *float64

	DataQualityScore float64 // in [0, 1]
	CreatedAt        time.Time
}

// PendingSnapshot is a snapshot computed during a cycle but not yet committed.
// It references its asset by external id because new assets have no internal id yet.
type PendingSnapshot struct {
	ExternalID int64
	Snapshot   MetricSnapshot
}

// CycleBatch is everything one ingestion cycle writes. It commits atomically.
type CycleBatch struct {
	Assets    []AssetUpsert
	Snapshots []PendingSnapshot
}

// CommittedCycle is the result of a successful batch commit.
type CommittedCycle struct {
	Assets    []*Asset          // upserted assets, in batch order
	Snapshots []*MetricSnapshot // appended snapshots with Seq and AssetID assigned
}
