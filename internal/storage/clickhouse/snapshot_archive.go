package clickhouse

import (
	"context"
	"fmt"
	"time"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// SnapshotArchive implements storage.SnapshotArchive using ClickHouse.
type SnapshotArchive struct {
	conn *Conn
}

// NewSnapshotArchive creates a new SnapshotArchive.
func NewSnapshotArchive(conn *Conn) *SnapshotArchive {
	return &SnapshotArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.SnapshotArchive = (*SnapshotArchive)(nil)

const archiveColumns = `
	seq, asset_id, timestamp,
	price_usd, market_cap_usd, volume_24h_usd,
	circulating_supply, total_supply, max_supply,
	percent_change_1h, percent_change_24h, percent_change_7d,
	velocity, velocity_1h, velocity_4h, velocity_12h, velocity_7d,
	data_quality_score, created_at`

// Append writes committed snapshots. Rows whose seq is already archived,
// or repeated within the call, are skipped.
func (s *SnapshotArchive) Append(ctx context.Context, snapshots []*domain.MetricSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	minSeq, maxSeq := snapshots[0].Seq, snapshots[0].Seq
	for _, snap := range snapshots {
		if snap.Seq <= 0 {
			return storage.ErrInvalidInput
		}
		minSeq = min(minSeq, snap.Seq)
		maxSeq = max(maxSeq, snap.Seq)
	}

	archived, err := s.archivedSeqs(ctx, minSeq, maxSeq)
	if err != nil {
		return fmt.Errorf("check archived: %w", err)
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO metric_snapshots (`+archiveColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	pending := 0
	for _, snap := range snapshots {
		if _, done := archived[snap.Seq]; done {
			continue
		}
		archived[snap.Seq] = struct{}{}

		err = batch.Append(
			snap.Seq, snap.AssetID, snap.Timestamp.UTC(),
			snap.PriceUSD, snap.MarketCapUSD, snap.Volume24hUSD,
			snap.CirculatingSupply, snap.TotalSupply, snap.MaxSupply,
			snap.PercentChange1h, snap.PercentChange24h, snap.PercentChange7d,
			snap.Velocity, snap.Velocity1h, snap.Velocity4h, snap.Velocity12h, snap.Velocity7d,
			snap.DataQualityScore, snap.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
		pending++
	}

	if pending == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves archived snapshots of an asset within [start, end],
// ordered by timestamp ASC, seq ASC.
func (s *SnapshotArchive) GetByTimeRange(ctx context.Context, assetID int64, start, end time.Time) ([]*domain.MetricSnapshot, error) {
	query := `
		SELECT ` + archiveColumns + `
		FROM metric_snapshots FINAL
		WHERE asset_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, seq ASC
	`

	rows, err := s.conn.Query(ctx, query, assetID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// archivedSeqs returns the seqs already stored within [minSeq, maxSeq].
func (s *SnapshotArchive) archivedSeqs(ctx context.Context, minSeq, maxSeq int64) (map[int64]struct{}, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT seq FROM metric_snapshots
		WHERE seq >= ? AND seq <= ?
	`, minSeq, maxSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seqs := make(map[int64]struct{})
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs[seq] = struct{}{}
	}
	return seqs, rows.Err()
}

// chRows is the subset of driver.Rows used for scanning.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSnapshots(rows chRows) ([]*domain.MetricSnapshot, error) {
	var snaps []*domain.MetricSnapshot

	for rows.Next() {
		var m domain.MetricSnapshot
		err := rows.Scan(
			&m.Seq, &m.AssetID, &m.Timestamp,
			&m.PriceUSD, &m.MarketCapUSD, &m.Volume24hUSD,
			&m.CirculatingSupply, &m.TotalSupply, &m.MaxSupply,
			&m.PercentChange1h, &m.PercentChange24h, &m.PercentChange7d,
			&m.Velocity, &m.Velocity1h, &m.Velocity4h, &m.Velocity12h, &m.Velocity7d,
			&m.DataQualityScore, &m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		m.CreatedAt = m.CreatedAt.UTC()
		snaps = append(snaps, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	return snaps, nil
}
