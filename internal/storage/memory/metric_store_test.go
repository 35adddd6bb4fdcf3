package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

var baseTime = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T {
	return &v
}

func btcUpsert() domain.AssetUpsert {
	return domain.AssetUpsert{ExternalID: 1, Name: "Bitcoin", Symbol: "BTC", Slug: "bitcoin"}
}

func snapshotAt(externalID int64, ts time.Time, velocity *float64) domain.PendingSnapshot {
	return domain.PendingSnapshot{
		ExternalID: externalID,
		Snapshot: domain.MetricSnapshot{
			Timestamp:        ts,
			MarketCapUSD:     ptr(1000.0),
			Velocity:         velocity,
			DataQualityScore: domain.DefaultQualityScore,
		},
	}
}

func TestMetricStore_CommitCycleUpsertsByExternalID(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	batch := &domain.CycleBatch{
		Assets:    []domain.AssetUpsert{btcUpsert()},
		Snapshots: []domain.PendingSnapshot{snapshotAt(1, baseTime, ptr(0.05))},
	}

	first, err := store.CommitCycle(ctx, batch)
	if err != nil {
		t.Fatalf("first CommitCycle failed: %v", err)
	}
	second, err := store.CommitCycle(ctx, batch)
	if err != nil {
		t.Fatalf("second CommitCycle failed: %v", err)
	}

	if first.Assets[0].ID != second.Assets[0].ID {
		t.Errorf("expected same asset id, got %d and %d", first.Assets[0].ID, second.Assets[0].ID)
	}

	count, _ := store.CountActive(ctx)
	if count != 1 {
		t.Errorf("expected 1 asset, got %d", count)
	}

	snaps, _ := store.GetSince(ctx, first.Assets[0].ID, time.Time{})
	if len(snaps) != 2 {
		t.Errorf("expected 2 snapshots (never deduplicated), got %d", len(snaps))
	}
}

func TestMetricStore_CommitCycleUpdatesDisplayFields(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	if _, err := store.CommitCycle(ctx, &domain.CycleBatch{Assets: []domain.AssetUpsert{btcUpsert()}}); err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	renamed := btcUpsert()
	renamed.Name = "Bitcoin Core"
	renamed.Symbol = "XBT"
	if _, err := store.CommitCycle(ctx, &domain.CycleBatch{Assets: []domain.AssetUpsert{renamed}}); err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	asset, err := store.GetByExternalID(ctx, 1)
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if asset.Name != "Bitcoin Core" || asset.Symbol != "XBT" {
		t.Errorf("expected updated display fields, got %s/%s", asset.Name, asset.Symbol)
	}
}

func TestMetricStore_CommitCycleIsAtomic(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	// Second snapshot references an unknown asset: the whole batch must be rejected
	batch := &domain.CycleBatch{
		Assets: []domain.AssetUpsert{btcUpsert()},
		Snapshots: []domain.PendingSnapshot{
			snapshotAt(1, baseTime, ptr(0.05)),
			snapshotAt(99, baseTime, ptr(0.05)),
		},
	}

	_, err := store.CommitCycle(ctx, batch)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	if _, err := store.GetByExternalID(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no asset after rejected batch, got %v", err)
	}
	snaps, _ := store.GetByTimeRange(ctx, baseTime.Add(-time.Hour), baseTime.Add(time.Hour))
	if len(snaps) != 0 {
		t.Errorf("expected 0 snapshots after rejected batch, got %d", len(snaps))
	}
}

func TestMetricStore_LatestBreaksTiesByInsertionOrder(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	batch := &domain.CycleBatch{
		Assets: []domain.AssetUpsert{btcUpsert()},
		Snapshots: []domain.PendingSnapshot{
			snapshotAt(1, baseTime, ptr(0.01)),
			snapshotAt(1, baseTime, ptr(0.02)),
			snapshotAt(1, baseTime.Add(-time.Minute), ptr(0.03)),
		},
	}
	committed, err := store.CommitCycle(ctx, batch)
	if err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	latest, err := store.Latest(ctx, committed.Assets[0].ID)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if *latest.Velocity != 0.02 {
		t.Errorf("expected later-inserted tie to win (0.02), got %v", *latest.Velocity)
	}
}

func TestMetricStore_LatestNotFound(t *testing.T) {
	store := NewMetricStore()

	_, err := store.Latest(context.Background(), 42)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMetricStore_RecentWithVelocity(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	batch := &domain.CycleBatch{Assets: []domain.AssetUpsert{btcUpsert()}}
	for i := 0; i < 5; i++ {
		var v *float64
		if i != 2 {
			v = ptr(float64(i) / 100)
		}
		batch.Snapshots = append(batch.Snapshots, snapshotAt(1, baseTime.Add(time.Duration(i)*time.Hour), v))
	}
	committed, err := store.CommitCycle(ctx, batch)
	if err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	recent, err := store.RecentWithVelocity(ctx, committed.Assets[0].ID, baseTime.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("RecentWithVelocity failed: %v", err)
	}

	// Hours 1, 3, 4 qualify (hour 0 is before since, hour 2 has no velocity); newest first
	if len(recent) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(recent))
	}
	if *recent[0].Velocity != 0.04 || *recent[2].Velocity != 0.01 {
		t.Errorf("expected newest-first ordering, got %v ... %v", *recent[0].Velocity, *recent[2].Velocity)
	}
}

func TestMetricStore_SearchAndDeactivate(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	batch := &domain.CycleBatch{Assets: []domain.AssetUpsert{
		btcUpsert(),
		{ExternalID: 3717, Name: "Wrapped Bitcoin", Symbol: "WBTC", Slug: "wrapped-bitcoin"},
		{ExternalID: 1027, Name: "Ethereum", Symbol: "ETH", Slug: "ethereum"},
	}}
	committed, err := store.CommitCycle(ctx, batch)
	if err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	found, _ := store.Search(ctx, "btc", 10)
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(found))
	}

	if err := store.Deactivate(ctx, committed.Assets[1].ID); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	found, _ = store.Search(ctx, "btc", 10)
	if len(found) != 1 || found[0].Symbol != "BTC" {
		t.Errorf("expected only BTC after deactivating WBTC, got %d results", len(found))
	}

	// Deactivated assets remain addressable by id
	if _, err := store.GetByID(ctx, committed.Assets[1].ID); err != nil {
		t.Errorf("expected deactivated asset to remain readable, got %v", err)
	}

	// Seen again by ingestion: reactivated under the same id
	again, err := store.CommitCycle(ctx, &domain.CycleBatch{Assets: []domain.AssetUpsert{batch.Assets[1]}})
	require.NoError(t, err)
	assert.Equal(t, committed.Assets[1].ID, again.Assets[0].ID)
	assert.True(t, again.Assets[0].IsActive)

	found, _ = store.Search(ctx, "btc", 10)
	assert.Len(t, found, 2)

	assert.ErrorIs(t, store.Deactivate(ctx, 424242), storage.ErrNotFound)
}

func TestMetricStore_FindBySymbolCaseInsensitive(t *testing.T) {
	store := NewMetricStore()
	ctx := context.Background()

	if _, err := store.CommitCycle(ctx, &domain.CycleBatch{Assets: []domain.AssetUpsert{btcUpsert()}}); err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	asset, err := store.FindBySymbol(ctx, "btc")
	if err != nil {
		t.Fatalf("FindBySymbol failed: %v", err)
	}
	if asset.ExternalID != 1 {
		t.Errorf("expected external id 1, got %d", asset.ExternalID)
	}

	if _, err := store.FindBySlug(ctx, "BITCOIN"); err != nil {
		t.Errorf("FindBySlug failed: %v", err)
	}
}
