package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// MetricStore implements storage.MetricStore using PostgreSQL.
type MetricStore struct {
	pool *Pool
	now  func() time.Time
}

// NewMetricStore creates a new MetricStore.
func NewMetricStore(pool *Pool) *MetricStore {
	return &MetricStore{pool: pool, now: time.Now}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *MetricStore) WithClock(now func() time.Time) *MetricStore {
	s.now = now
	return s
}

// Compile-time interface check.
var _ storage.MetricStore = (*MetricStore)(nil)

const assetColumns = `id, external_id, name, symbol, slug, date_added, is_active, created_at, updated_at`

const snapshotColumns = `
	seq, asset_id, timestamp,
	price_usd, market_cap_usd, volume_24h_usd,
	circulating_supply, total_supply, max_supply,
	percent_change_1h, percent_change_24h, percent_change_7d,
	velocity, velocity_1h, velocity_4h, velocity_12h, velocity_7d,
	data_quality_score, created_at`

// CommitCycle upserts every asset and appends every snapshot in one transaction.
func (s *MetricStore) CommitCycle(ctx context.Context, batch *domain.CycleBatch) (*domain.CommittedCycle, error) {
	if batch == nil {
		return nil, storage.ErrInvalidInput
	}
	for _, a := range batch.Assets {
		if a.ExternalID <= 0 || a.Symbol == "" || a.Slug == "" {
			return nil, storage.ErrInvalidInput
		}
	}

	now := s.now().UTC()
	result := &domain.CommittedCycle{
		Assets:    make([]*domain.Asset, 0, len(batch.Assets)),
		Snapshots: make([]*domain.MetricSnapshot, 0, len(batch.Snapshots)),
	}

	err := s.pool.inTx(ctx, func(tx pgx.Tx) error {
		idByExternal := make(map[int64]int64, len(batch.Assets))
		for _, u := range batch.Assets {
			asset, err := upsertAsset(ctx, tx, u, now)
			if err != nil {
				return err
			}
			idByExternal[asset.ExternalID] = asset.ID
			result.Assets = append(result.Assets, asset)
		}

		for _, p := range batch.Snapshots {
			assetID, ok := idByExternal[p.ExternalID]
			if !ok {
				err := tx.QueryRow(ctx, `SELECT id FROM assets WHERE external_id = $1`, p.ExternalID).Scan(&assetID)
				if isNotFoundError(err) {
					return storage.ErrInvalidInput
				}
				if err != nil {
					return fmt.Errorf("resolve asset %d: %w", p.ExternalID, err)
				}
				idByExternal[p.ExternalID] = assetID
			}

			snap, err := insertSnapshot(ctx, tx, assetID, p.Snapshot, now)
			if err != nil {
				return fmt.Errorf("insert snapshot for asset %d: %w", p.ExternalID, err)
			}
			result.Snapshots = append(result.Snapshots, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// upsertAsset inserts or refreshes one asset by external id. On conflict the
// asset is reactivated and DateAdded is left untouched.
func upsertAsset(ctx context.Context, tx pgx.Tx, u domain.AssetUpsert, now time.Time) (*domain.Asset, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO assets (external_id, name, symbol, slug, date_added, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			slug = EXCLUDED.slug,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+assetColumns,
		u.ExternalID, u.Name, u.Symbol, u.Slug, u.DateAdded, now)

	asset, err := scanAsset(row)
	if err != nil {
		return nil, fmt.Errorf("upsert asset %d: %w", u.ExternalID, err)
	}
	return asset, nil
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, assetID int64, snap domain.MetricSnapshot, now time.Time) (*domain.MetricSnapshot, error) {
	snap.AssetID = assetID
	snap.Timestamp = snap.Timestamp.UTC()
	snap.CreatedAt = now

	err := tx.QueryRow(ctx, `
		INSERT INTO metric_snapshots (
			asset_id, timestamp,
			price_usd, market_cap_usd, volume_24h_usd,
			circulating_supply, total_supply, max_supply,
			percent_change_1h, percent_change_24h, percent_change_7d,
			velocity, velocity_1h, velocity_4h, velocity_12h, velocity_7d,
			data_quality_score, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING seq`,
		snap.AssetID, snap.Timestamp,
		snap.PriceUSD, snap.MarketCapUSD, snap.Volume24hUSD,
		snap.CirculatingSupply, snap.TotalSupply, snap.MaxSupply,
		snap.PercentChange1h, snap.PercentChange24h, snap.PercentChange7d,
		snap.Velocity, snap.Velocity1h, snap.Velocity4h, snap.Velocity12h, snap.Velocity7d,
		snap.DataQualityScore, snap.CreatedAt,
	).Scan(&snap.Seq)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Deactivate soft-deletes an asset. Its snapshots are retained.
func (s *MetricStore) Deactivate(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET is_active = FALSE, updated_at = $2 WHERE id = $1`,
		id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves an asset by internal ID. Returns ErrNotFound if not exists.
func (s *MetricStore) GetByID(ctx context.Context, id int64) (*domain.Asset, error) {
	return s.getAsset(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
}

// GetByExternalID retrieves an asset by provider ID. Returns ErrNotFound if not exists.
func (s *MetricStore) GetByExternalID(ctx context.Context, externalID int64) (*domain.Asset, error) {
	return s.getAsset(ctx, `SELECT `+assetColumns+` FROM assets WHERE external_id = $1`, externalID)
}

// FindBySymbol matches symbol case-insensitively; lowest ID wins.
func (s *MetricStore) FindBySymbol(ctx context.Context, symbol string) (*domain.Asset, error) {
	return s.getAsset(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE LOWER(symbol) = LOWER($1)
		ORDER BY id ASC
		LIMIT 1`, symbol)
}

// FindBySlug matches slug case-insensitively; lowest ID wins.
func (s *MetricStore) FindBySlug(ctx context.Context, slug string) (*domain.Asset, error) {
	return s.getAsset(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE LOWER(slug) = LOWER($1)
		ORDER BY id ASC
		LIMIT 1`, slug)
}

func (s *MetricStore) getAsset(ctx context.Context, query string, arg any) (*domain.Asset, error) {
	asset, err := scanAsset(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// ListActive retrieves all active assets, ordered by ID ASC.
func (s *MetricStore) ListActive(ctx context.Context) ([]*domain.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE is_active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

// Search retrieves active assets whose name, symbol or slug contains query.
func (s *MetricStore) Search(ctx context.Context, query string, limit int) ([]*domain.Asset, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE is_active
		  AND (name ILIKE $1 ESCAPE '\' OR symbol ILIKE $1 ESCAPE '\' OR slug ILIKE $1 ESCAPE '\')
		ORDER BY id ASC
		LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

// CountActive returns the number of active assets.
func (s *MetricStore) CountActive(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assets WHERE is_active`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active assets: %w", err)
	}
	return count, nil
}

// Latest retrieves the most recent snapshot of an asset.
func (s *MetricStore) Latest(ctx context.Context, assetID int64) (*domain.MetricSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM metric_snapshots
		WHERE asset_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1`, assetID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// LatestByAssets retrieves the most recent snapshot for each given asset.
func (s *MetricStore) LatestByAssets(ctx context.Context, assetIDs []int64) (map[int64]*domain.MetricSnapshot, error) {
	result := make(map[int64]*domain.MetricSnapshot, len(assetIDs))
	if len(assetIDs) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (asset_id) `+snapshotColumns+` FROM metric_snapshots
		WHERE asset_id = ANY($1)
		ORDER BY asset_id, timestamp DESC, seq DESC`, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		result[snap.AssetID] = snap
	}
	return result, nil
}

// GetSince retrieves snapshots of an asset with timestamp >= since.
func (s *MetricStore) GetSince(ctx context.Context, assetID int64, since time.Time) ([]*domain.MetricSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM metric_snapshots
		WHERE asset_id = $1 AND timestamp >= $2
		ORDER BY timestamp ASC, seq ASC`, assetID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("snapshots since: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// RecentWithVelocity retrieves at most limit snapshots with a velocity, newest first.
func (s *MetricStore) RecentWithVelocity(ctx context.Context, assetID int64, since time.Time, limit int) ([]*domain.MetricSnapshot, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM metric_snapshots
		WHERE asset_id = $1 AND timestamp >= $2 AND velocity IS NOT NULL
		ORDER BY timestamp DESC, seq DESC
		LIMIT $3`, assetID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent velocities: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// GetByTimeRange retrieves snapshots of all assets within [start, end].
func (s *MetricStore) GetByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.MetricSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM metric_snapshots
		WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY timestamp ASC, seq ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("snapshots by time range: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// scanAsset scans a single row into Asset.
func scanAsset(row pgx.Row) (*domain.Asset, error) {
	var a domain.Asset
	err := row.Scan(
		&a.ID,
		&a.ExternalID,
		&a.Name,
		&a.Symbol,
		&a.Slug,
		&a.DateAdded,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.DateAdded != nil {
		t := a.DateAdded.UTC()
		a.DateAdded = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func scanAssets(rows pgx.Rows) ([]*domain.Asset, error) {
	var assets []*domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return assets, nil
}

// scanSnapshot scans a single row into MetricSnapshot.
func scanSnapshot(row pgx.Row) (*domain.MetricSnapshot, error) {
	var m domain.MetricSnapshot
	err := row.Scan(
		&m.Seq, &m.AssetID, &m.Timestamp,
		&m.PriceUSD, &m.MarketCapUSD, &m.Volume24hUSD,
		&m.CirculatingSupply, &m.TotalSupply, &m.MaxSupply,
		&m.PercentChange1h, &m.PercentChange24h, &m.PercentChange7d,
		&m.Velocity, &m.Velocity1h, &m.Velocity4h, &m.Velocity12h, &m.Velocity7d,
		&m.DataQualityScore, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func scanSnapshots(rows pgx.Rows) ([]*domain.MetricSnapshot, error) {
	var snaps []*domain.MetricSnapshot
	for rows.Next() {
		m, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
