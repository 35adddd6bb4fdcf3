// Package velocity computes turnover velocity (24h volume / market cap) and
// its windowed averages and trend from snapshot history.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"token-velocity/internal/domain"
	"token-velocity/internal/storage"
)

// Engine parameters.
const (
	// MaxVelocity caps instantaneous velocity for illiquid or near-zero-cap assets.
	MaxVelocity = 100.0

	// Precision is the number of decimal places velocity is rounded to.
	Precision = 8

	// TrendLookback bounds the history considered for trend classification.
	TrendLookback = 24 * time.Hour

	// TrendSampleLimit is the maximum number of snapshots considered for trend.
	TrendSampleLimit = 10

	// TrendDeadband is the relative change below which a trend is stable.
	TrendDeadband = 0.05

	trendGroupSize = 3
)

// InstantaneousVelocity returns volume24h / marketCap, clamped to MaxVelocity
// and rounded to Precision decimal places. Absent or non-positive inputs yield 0.
func InstantaneousVelocity(volume24h, marketCap *float64) float64 {
	if volume24h == nil || marketCap == nil || *volume24h <= 0 || *marketCap <= 0 {
		return 0
	}

	v := *volume24h / *marketCap
	if v > MaxVelocity {
		return MaxVelocity
	}

	rounded, _ := decimal.NewFromFloat(v).Round(Precision).Float64()
	return rounded
}

// Engine computes history-dependent velocity figures. It only reads the store.
type Engine struct {
	snapshots storage.SnapshotStore
	now       func() time.Time
}

// NewEngine creates a velocity engine reading from the given snapshot store.
func NewEngine(snapshots storage.SnapshotStore) *Engine {
	return &Engine{
		snapshots: snapshots,
		now:       time.Now,
	}
}

// WithClock overrides the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WindowedVelocity returns the arithmetic mean of the velocity of every snapshot
// of the asset with timestamp >= now - window. Snapshots without a velocity are
// skipped. Returns nil when the window holds no usable values.
func (e *Engine) WindowedVelocity(ctx context.Context, assetID int64, window domain.Window) (*float64, error) {
	d := window.Duration()
	if d == 0 {
		return nil, fmt.Errorf("unknown velocity window %q", window)
	}

	snaps, err := e.snapshots.GetSince(ctx, assetID, e.now().Add(-d))
	if err != nil {
		return nil, fmt.Errorf("get snapshots for %s window: %w", window, err)
	}

	sum := 0.0
	n := 0
	for _, s := range snaps {
		if s.Velocity == nil {
			continue
		}
		sum += *s.Velocity
		n++
	}
	if n == 0 {
		return nil, nil
	}

	mean := sum / float64(n)
	return &mean, nil
}

// WindowedVelocities computes every window in domain.AllWindows.
func (e *Engine) WindowedVelocities(ctx context.Context, assetID int64) (map[domain.Window]*float64, error) {
	result := make(map[domain.Window]*float64, len(domain.AllWindows))
	for _, w := range domain.AllWindows {
		v, err := e.WindowedVelocity(ctx, assetID, w)
		if err != nil {
			return nil, err
		}
		result[w] = v
	}
	return result, nil
}

// Trend classifies recent velocity direction for the asset.
func (e *Engine) Trend(ctx context.Context, assetID int64) (domain.Trend, error) {
	recent, err := e.snapshots.RecentWithVelocity(ctx, assetID, e.now().Add(-TrendLookback), TrendSampleLimit)
	if err != nil {
		return "", fmt.Errorf("get recent snapshots: %w", err)
	}

	velocities := make([]float64, 0, len(recent))
	for _, s := range recent {
		velocities = append(velocities, *s.Velocity)
	}
	return ClassifyTrend(velocities), nil
}

// ClassifyTrend compares the mean of the three newest velocities against the
// mean of the next three. velocities must be ordered newest first.
func ClassifyTrend(velocities []float64) domain.Trend {
	if len(velocities) < trendGroupSize {
		return domain.TrendInsufficientData
	}

	recentAvg := mean(velocities[:trendGroupSize])
	olderAvg := recentAvg
	if len(velocities) >= 2*trendGroupSize {
		olderAvg = mean(velocities[trendGroupSize : 2*trendGroupSize])
	}

	if olderAvg == 0 {
		return domain.TrendStable
	}

	changeRatio := (recentAvg - olderAvg) / olderAvg
	switch {
	case changeRatio > TrendDeadband:
		return domain.TrendIncreasing
	case changeRatio < -TrendDeadband:
		return domain.TrendDecreasing
	default:
		return domain.TrendStable
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
