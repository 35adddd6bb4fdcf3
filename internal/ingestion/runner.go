// Package ingestion runs the periodic fetch, derive and commit cycle.
package ingestion

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"token-velocity/internal/broadcast"
	"token-velocity/internal/domain"
	"token-velocity/internal/observability"
	"token-velocity/internal/provider"
	"token-velocity/internal/storage"
	"token-velocity/internal/velocity"
)

// Defaults.
const (
	DefaultInterval     = 60 * time.Second
	DefaultListingLimit = 100
)

// Runner executes ingestion cycles on a fixed interval.
type Runner struct {
	provider     provider.Provider
	store        storage.MetricStore
	engine       *velocity.Engine
	broadcaster  *broadcast.Broadcaster
	digest       *broadcast.DigestBuilder
	archive      storage.SnapshotArchive
	interval     time.Duration
	listingLimit int
	logger       *log.Logger
	now          func() time.Time

	// Consecutive missed cycles per active asset ID. Only touched by the
	// cycle holding running.
	deactivateAfter int
	misses          map[int64]int

	running atomic.Bool

	statsMu sync.RWMutex
	stats   Stats
}

// Options contains configuration for creating a Runner.
type Options struct {
	Provider     provider.Provider
	Store        storage.MetricStore
	Engine       *velocity.Engine         // Default: engine over Store using Now
	Broadcaster  *broadcast.Broadcaster   // Optional: no push when nil
	Digest       *broadcast.DigestBuilder // Optional: no market digest when nil
	Archive      storage.SnapshotArchive  // Optional: best-effort mirror
	Interval     time.Duration            // Default: 60s
	ListingLimit int                      // Default: 100
	// DeactivateAfter retires an active asset once it has been missing from
	// this many consecutive successful cycles. Zero disables it.
	DeactivateAfter int
	Logger          *log.Logger
	Now             func() time.Time
}

// Stats is a point-in-time view of runner health.
type Stats struct {
	Cycles      int64
	Failures    int64
	LastSuccess time.Time
	LastError   string
	LastResult  CycleResult
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts Options) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	limit := opts.ListingLimit
	if limit <= 0 {
		limit = DefaultListingLimit
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	engine := opts.Engine
	if engine == nil {
		engine = velocity.NewEngine(opts.Store).WithClock(now)
	}

	return &Runner{
		provider:     opts.Provider,
		store:        opts.Store,
		engine:       engine,
		broadcaster:  opts.Broadcaster,
		digest:       opts.Digest,
		archive:      opts.Archive,
		interval:     interval,
		listingLimit: limit,
		logger:       logger,
		now:          now,

		deactivateAfter: opts.DeactivateAfter,
		misses:          make(map[int64]int),
	}
}

// Run executes one cycle immediately, then one per interval, until ctx is cancelled.
// A tick that arrives while a cycle is still running is skipped.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Printf("Ingestion runner started, interval: %v, listing limit: %d", r.interval, r.listingLimit)

	var wg sync.WaitGroup
	defer wg.Wait()

	launch := func() {
		if r.running.Load() {
			r.logger.Println("Previous cycle still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Errors are logged and counted inside RunCycle.
			_, _ = r.RunCycle(ctx)
		}()
	}

	launch()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Println("Ingestion runner stopping...")
			return ctx.Err()
		case <-ticker.C:
			launch()
		}
	}
}

// RunCycle performs one fetch, derive and commit cycle. Upstream and commit
// failures abort the cycle and leave the store unchanged; a failure while
// building one asset's snapshot skips only that asset.
func (r *Runner) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer r.running.Store(false)

	started := r.now()
	result := &CycleResult{StartedAt: started}

	listings, err := r.provider.Listings(ctx, 1, r.listingLimit)
	if err != nil {
		return nil, r.fail(observability.CycleUpstreamError, result, fmt.Errorf("%w: %w", ErrUpstream, err))
	}
	result.Fetched = len(listings)

	ts := started.UTC()
	batch := &domain.CycleBatch{
		Assets:    make([]domain.AssetUpsert, 0, len(listings)),
		Snapshots: make([]domain.PendingSnapshot, 0, len(listings)),
	}
	seen := make(map[int64]struct{}, len(listings))

	for _, l := range listings {
		if !validListing(l) {
			r.skip(result, skipInvalid)
			continue
		}
		if _, dup := seen[l.ExternalID]; dup {
			r.skip(result, skipDuplicate)
			continue
		}
		seen[l.ExternalID] = struct{}{}

		upsert, pending, err := r.buildSnapshot(ctx, l, ts)
		if err != nil {
			r.logger.Printf("Skipping %s (id %d): %v", l.Symbol, l.ExternalID, err)
			r.skip(result, skipError)
			continue
		}
		batch.Assets = append(batch.Assets, upsert)
		batch.Snapshots = append(batch.Snapshots, pending)
		result.Processed++
	}

	committed, err := r.store.CommitCycle(ctx, batch)
	if err != nil {
		return nil, r.fail(observability.CyclePersistenceError, result, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	result.Committed = len(committed.Snapshots)
	result.Deactivated = r.retireMissing(ctx, seen)
	result.Duration = r.now().Sub(started)

	observability.RecordAssetsProcessed(result.Committed)
	observability.RecordCycle(observability.CycleSuccess, result.Duration.Seconds(), r.now().Unix())
	r.recordSuccess(result)

	r.logger.Printf("Cycle complete: fetched=%d processed=%d skipped=%d committed=%d deactivated=%d duration=%v",
		result.Fetched, result.Processed, result.Skipped, result.Committed, result.Deactivated, result.Duration)

	r.archiveSnapshots(ctx, committed.Snapshots)
	r.publish(ctx, committed)

	return result, nil
}

// Stats returns a copy of the runner's counters.
func (r *Runner) Stats() Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

func (r *Runner) skip(result *CycleResult, reason string) {
	result.Skipped++
	observability.RecordAssetSkipped(reason)
}

func (r *Runner) fail(status string, result *CycleResult, err error) error {
	result.Duration = r.now().Sub(result.StartedAt)
	observability.RecordCycle(status, result.Duration.Seconds(), r.now().Unix())

	r.statsMu.Lock()
	r.stats.Cycles++
	r.stats.Failures++
	r.stats.LastError = err.Error()
	r.statsMu.Unlock()

	r.logger.Printf("Cycle aborted (%s): %v", status, err)
	return err
}

func (r *Runner) recordSuccess(result *CycleResult) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.Cycles++
	r.stats.LastSuccess = result.StartedAt
	r.stats.LastError = ""
	r.stats.LastResult = *result
}

// retireMissing deactivates active assets absent from the listed external IDs
// for deactivateAfter consecutive cycles and returns how many it retired.
// A listing skipped for a per-asset error still counts as listed.
func (r *Runner) retireMissing(ctx context.Context, listed map[int64]struct{}) int {
	if r.deactivateAfter <= 0 {
		return 0
	}

	active, err := r.store.ListActive(ctx)
	if err != nil {
		r.logger.Printf("List active assets failed, deactivation skipped: %v", err)
		return 0
	}

	retired := 0
	misses := make(map[int64]int, len(r.misses))
	for _, a := range active {
		if _, ok := listed[a.ExternalID]; ok {
			continue
		}
		n := r.misses[a.ID] + 1
		if n < r.deactivateAfter {
			misses[a.ID] = n
			continue
		}
		if err := r.store.Deactivate(ctx, a.ID); err != nil {
			r.logger.Printf("Deactivate %s (id %d) failed: %v", a.Symbol, a.ID, err)
			misses[a.ID] = n
			continue
		}
		retired++
		observability.RecordAssetDeactivated()
		r.logger.Printf("Deactivated %s (id %d): missing from %d consecutive cycles", a.Symbol, a.ID, n)
	}
	r.misses = misses
	return retired
}

// archiveSnapshots mirrors committed snapshots. Failure never affects the committed cycle.
func (r *Runner) archiveSnapshots(ctx context.Context, snaps []*domain.MetricSnapshot) {
	if r.archive == nil || len(snaps) == 0 {
		return
	}
	if err := r.archive.Append(ctx, snaps); err != nil {
		observability.RecordArchiveError()
		r.logger.Printf("Archive append failed: %v", err)
	}
}

// publish pushes token updates to subscribed asset topics and the market digest.
func (r *Runner) publish(ctx context.Context, committed *domain.CommittedCycle) {
	if r.broadcaster == nil {
		return
	}

	assets := make(map[int64]*domain.Asset, len(committed.Assets))
	for _, a := range committed.Assets {
		assets[a.ID] = a
	}

	for _, snap := range committed.Snapshots {
		topic := broadcast.AssetTopic(snap.AssetID)
		if !r.broadcaster.HasSubscribers(topic) {
			continue
		}
		asset, ok := assets[snap.AssetID]
		if !ok {
			continue
		}
		r.broadcaster.Publish(topic, broadcast.Message{
			Event: broadcast.EventTokenUpdate,
			Data:  broadcast.NewTokenUpdate(asset, snap),
		})
	}

	if r.digest == nil || !r.broadcaster.HasSubscribers(broadcast.MarketTopic) {
		return
	}
	digest, err := r.digest.Build(ctx)
	if err != nil {
		r.logger.Printf("Market digest failed: %v", err)
		return
	}
	r.broadcaster.Publish(broadcast.MarketTopic, broadcast.Message{
		Event: broadcast.EventMarketUpdate,
		Data:  digest,
	})
}
