package storage

import (
	"context"
	"time"

	"token-velocity/internal/domain"
)

// AssetStore provides read access to assets storage.
// Assets are written only through CycleWriter.
type AssetStore interface {
	// GetByID retrieves an asset by internal ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id int64) (*domain.Asset, error)

	// GetByExternalID retrieves an asset by provider ID. Returns ErrNotFound if not exists.
	GetByExternalID(ctx context.Context, externalID int64) (*domain.Asset, error)

	// FindBySymbol matches symbol case-insensitively; lowest ID wins. Returns ErrNotFound if none.
	FindBySymbol(ctx context.Context, symbol string) (*domain.Asset, error)

	// FindBySlug matches slug case-insensitively; lowest ID wins. Returns ErrNotFound if none.
	FindBySlug(ctx context.Context, slug string) (*domain.Asset, error)

	// ListActive retrieves all active assets, ordered by ID ASC.
	ListActive(ctx context.Context) ([]*domain.Asset, error)

	// Search retrieves active assets whose name, symbol or slug contains query
	// (case-insensitive), ordered by ID ASC, at most limit rows.
	Search(ctx context.Context, query string, limit int) ([]*domain.Asset, error)

	// CountActive returns the number of active assets.
	CountActive(ctx context.Context) (int, error)
}

// SnapshotStore provides read access to metric_snapshots storage.
// Snapshots are append-only and written only through CycleWriter.
type SnapshotStore interface {
	// Latest retrieves the most recent snapshot of an asset (timestamp DESC, seq DESC).
	// Returns ErrNotFound if the asset has no snapshots.
	Latest(ctx context.Context, assetID int64) (*domain.MetricSnapshot, error)

	// LatestByAssets retrieves the most recent snapshot for each given asset.
	// Assets without snapshots are absent from the result.
	LatestByAssets(ctx context.Context, assetIDs []int64) (map[int64]*domain.MetricSnapshot, error)

	// GetSince retrieves snapshots of an asset with timestamp >= since,
	// ordered by timestamp ASC, seq ASC.
	GetSince(ctx context.Context, assetID int64, since time.Time) ([]*domain.MetricSnapshot, error)

	// RecentWithVelocity retrieves at most limit snapshots of an asset with
	// timestamp >= since and a non-nil Velocity, newest first.
	RecentWithVelocity(ctx context.Context, assetID int64, since time.Time, limit int) ([]*domain.MetricSnapshot, error)

	// GetByTimeRange retrieves snapshots of all assets within [start, end] (inclusive),
	// ordered by timestamp ASC, seq ASC.
	GetByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.MetricSnapshot, error)
}

// CycleWriter commits one ingestion cycle.
type CycleWriter interface {
	// CommitCycle upserts every asset (matched by external ID, reactivating it
	// if needed) and appends every snapshot in one atomic unit. On error nothing
	// is written.
	// Returns ErrInvalidInput if a snapshot references an external ID absent from
	// both the batch and the store.
	CommitCycle(ctx context.Context, batch *domain.CycleBatch) (*domain.CommittedCycle, error)
}

// AssetDeactivator soft-deletes assets. A later CycleWriter upsert of the
// same external ID reactivates the asset.
type AssetDeactivator interface {
	// Deactivate clears the asset's active flag. Snapshots are retained.
	// Returns ErrNotFound if the asset does not exist.
	Deactivate(ctx context.Context, id int64) error
}

// MetricStore is the complete asset + snapshot store.
type MetricStore interface {
	AssetStore
	SnapshotStore
	CycleWriter
	AssetDeactivator
}

// APIKeyStore provides access to api_keys storage.
type APIKeyStore interface {
	// Insert adds a new key. Returns ErrDuplicateKey if key_hash exists.
	Insert(ctx context.Context, k *domain.APIKey) error

	// GetByHash retrieves an active key by hash. Returns ErrNotFound if not exists.
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)

	// Touch records one use of a key at the given instant.
	Touch(ctx context.Context, keyHash string, at time.Time) error
}

// SnapshotArchive mirrors committed snapshots into long-term analytics storage.
type SnapshotArchive interface {
	// Append writes committed snapshots. Snapshots already archived (same seq) are skipped.
	Append(ctx context.Context, snapshots []*domain.MetricSnapshot) error

	// GetByTimeRange retrieves archived snapshots of an asset within [start, end].
	GetByTimeRange(ctx context.Context, assetID int64, start, end time.Time) ([]*domain.MetricSnapshot, error)
}
