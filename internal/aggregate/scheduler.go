// Package aggregate materializes behavioral metrics into per-owner
// snapshots on a schedule. Snapshots are read models: each successful run
// replaces them wholesale, and a failed run leaves the previous snapshot
// authoritative.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhq/meridian-core/internal/cache"
	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/metrics"
	"github.com/meridianhq/meridian-core/internal/store"
)

// Periods the scheduler materializes on every run.
const (
	PeriodDaily  = "daily"
	PeriodWeekly = "weekly"
)

var periodWindows = map[string]time.Duration{
	PeriodDaily:  24 * time.Hour,
	PeriodWeekly: 7 * 24 * time.Hour,
}

// DefaultLockTimeout is how long a refresh may hold the lock before a
// later run treats it as crashed.
const DefaultLockTimeout = 10 * time.Minute

// SnapshotMetrics is the JSON body of one (owner, period) snapshot.
type SnapshotMetrics struct {
	// SampleCount is how many behavior samples fell inside the period.
	SampleCount int `json:"sample_count"`
	// AlignmentAvg is the mean alignment score across those samples.
	AlignmentAvg float64 `json:"alignment_avg"`
	// AlignmentTrend is the newer-half mean minus the older-half mean;
	// positive means alignment is improving within the period.
	AlignmentTrend float64 `json:"alignment_trend"`
	// TasksCompleted and ActiveMinutes are period totals.
	TasksCompleted int `json:"tasks_completed"`
	ActiveMinutes  int `json:"active_minutes"`
	// EntityCounts is the registry census by hierarchy level.
	EntityCounts map[string]int `json:"entity_counts"`
	// EmbeddingCount is how many current embedding records the owner has.
	EmbeddingCount int `json:"embedding_count"`
	// PerEntity holds per-pillar and per-area rollups keyed "type/id".
	PerEntity map[string]EntityAggregate `json:"per_entity,omitempty"`
}

// EntityAggregate is the rollup for a single pillar or area.
type EntityAggregate struct {
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	AlignmentAvg float64   `json:"alignment_avg"`
	SampleCount  int       `json:"sample_count"`
	LastSample   time.Time `json:"last_sample"`
}

// Result summarizes one refresh run.
type Result struct {
	Owners   int
	Failed   int
	Duration time.Duration
}

// Scheduler recomputes aggregate snapshots. Runs never overlap: an
// advisory file lock serializes them across processes, and a run that
// finds the lock held returns without touching any snapshot.
type Scheduler struct {
	db        *store.SQLiteStore
	log       *metrics.Log
	cache     *cache.Cache
	lock      *refreshLock
	retention time.Duration
	logger    *slog.Logger

	now func() time.Time

	// onLocked, when set, runs after the lock is acquired and before any
	// computation. Test seam for overlap behavior.
	onLocked func()
}

// Options tune the scheduler.
type Options struct {
	// LockDir holds the refresh lock file; usually the data directory.
	LockDir string
	// LockTimeout bounds how long a holder is trusted before being
	// treated as crashed. <= 0 selects the default.
	LockTimeout time.Duration
	// SnapshotRetention bounds how long superseded snapshots of removed
	// owners are kept before cleanup. <= 0 disables retention purging.
	SnapshotRetention time.Duration
}

// NewScheduler creates a scheduler over the shared database.
// The cache is optional; when present, owner caches are invalidated
// after their snapshots change.
func NewScheduler(db *store.SQLiteStore, log *metrics.Log, c *cache.Cache, opts Options, logger *slog.Logger) *Scheduler {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:        db,
		log:       log,
		cache:     c,
		lock:      newRefreshLock(opts.LockDir, opts.LockTimeout),
		retention: opts.SnapshotRetention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Refresh recomputes snapshots for every owner and every period. Exactly
// one refresh runs at a time; a concurrent call fails fast with a
// lock-held error and performs no writes. A per-owner failure is logged
// and skipped, leaving that owner's previous snapshot in place.
func (s *Scheduler) Refresh(ctx context.Context) (*Result, error) {
	acquired, err := s.lock.TryAcquire()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeInternal, err)
	}
	if !acquired {
		return nil, cerrors.New(cerrors.ErrCodeLockHeld,
			"aggregate refresh already running", nil)
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.logger.Warn("refresh lock release failed", slog.String("error", err.Error()))
		}
	}()

	if s.onLocked != nil {
		s.onLocked()
	}

	start := s.now()
	owners, err := s.db.Owners(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeSnapshotFailed, err)
	}

	res := &Result{Owners: len(owners)}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.refreshOwner(ctx, owner); err != nil {
			res.Failed++
			s.logger.Error("owner snapshot failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()))
		}
	}

	if s.retention > 0 {
		if n, err := s.db.PurgeSnapshots(ctx, s.now().Add(-s.retention)); err != nil {
			s.logger.Warn("snapshot retention purge failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("stale snapshots purged", slog.Int64("purged", n))
		}
	}

	res.Duration = s.now().Sub(start)
	s.logger.Info("aggregate refresh complete",
		slog.Int("owners", res.Owners),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// Run refreshes on a fixed interval until the context is cancelled.
// An immediate refresh happens on entry so a fresh process does not wait
// a full interval for its first snapshot.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return cerrors.ValidationError("refresh interval must be positive")
	}
	if _, err := s.Refresh(ctx); err != nil && !cerrors.HasCode(err, cerrors.ErrCodeLockHeld) {
		s.logger.Error("scheduled refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && !cerrors.HasCode(err, cerrors.ErrCodeLockHeld) {
				s.logger.Error("scheduled refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) refreshOwner(ctx context.Context, owner string) error {
	samples, err := s.log.OwnerSamples(ctx, owner)
	if err != nil {
		return err
	}
	entityCounts, err := s.db.CountEntities(ctx, owner)
	if err != nil {
		return err
	}
	embeddingCount, err := s.db.CountEmbeddings(ctx, owner)
	if err != nil {
		return err
	}

	now := s.now()
	changed := false
	for period, window := range periodWindows {
		sm := computeMetrics(samples, now.Add(-window))
		sm.EntityCounts = tagCounts(entityCounts)
		sm.EmbeddingCount = embeddingCount

		raw, err := json.Marshal(sm)
		if err != nil {
			return cerrors.Wrap(cerrors.ErrCodeSnapshotFailed, err)
		}
		if err := s.db.SaveSnapshot(ctx, &store.Snapshot{
			Owner:      owner,
			Period:     period,
			Metrics:    raw,
			ComputedAt: now,
		}); err != nil {
			return cerrors.Wrap(cerrors.ErrCodeSnapshotFailed, err)
		}
		changed = true
	}

	if changed && s.cache != nil {
		s.cache.InvalidateOwner(ctx, owner)
	}
	return nil
}

// computeMetrics aggregates the samples at or after cutoff. Samples
// arrive newest first.
func computeMetrics(samples []metrics.Sample, cutoff time.Time) *SnapshotMetrics {
	sm := &SnapshotMetrics{
		PerEntity: make(map[string]EntityAggregate),
	}

	var alignSum float64
	var aligns []float64
	for _, s := range samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		sm.SampleCount++
		sm.TasksCompleted += s.Payload.TasksCompleted
		sm.ActiveMinutes += s.Payload.ActiveMinutes
		alignSum += s.Payload.AlignmentScore
		aligns = append(aligns, s.Payload.AlignmentScore)

		key := fmt.Sprintf("%s/%s", s.EntityType, s.EntityID)
		agg, ok := sm.PerEntity[key]
		if !ok {
			agg = EntityAggregate{
				EntityType: string(s.EntityType),
				EntityID:   s.EntityID,
				LastSample: s.Timestamp,
			}
		}
		agg.AlignmentAvg = (agg.AlignmentAvg*float64(agg.SampleCount) + s.Payload.AlignmentScore) /
			float64(agg.SampleCount+1)
		agg.SampleCount++
		if s.Timestamp.After(agg.LastSample) {
			agg.LastSample = s.Timestamp
		}
		sm.PerEntity[key] = agg
	}

	if sm.SampleCount > 0 {
		sm.AlignmentAvg = alignSum / float64(sm.SampleCount)
	}
	sm.AlignmentTrend = trend(aligns)
	if len(sm.PerEntity) == 0 {
		sm.PerEntity = nil
	}
	return sm
}

// trend compares the newer half of the scores against the older half.
// Scores arrive newest first.
func trend(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	mid := len(scores) / 2
	newer, older := scores[:mid], scores[mid:]
	return mean(newer) - mean(older)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Snapshot returns the current snapshot for (owner, period), decoded.
// Returns nil when no snapshot has been computed yet.
func (s *Scheduler) Snapshot(ctx context.Context, owner, period string) (*SnapshotMetrics, time.Time, error) {
	if _, ok := periodWindows[period]; !ok {
		return nil, time.Time{}, cerrors.ValidationError(
			fmt.Sprintf("unknown snapshot period %q", period))
	}
	snap, err := s.db.GetSnapshot(ctx, owner, period)
	if err != nil {
		return nil, time.Time{}, err
	}
	if snap == nil {
		return nil, time.Time{}, nil
	}
	var sm SnapshotMetrics
	if err := json.Unmarshal(snap.Metrics, &sm); err != nil {
		return nil, time.Time{}, cerrors.Wrap(cerrors.ErrCodeInternal, err)
	}
	return &sm, snap.ComputedAt, nil
}

func tagCounts(counts map[store.DomainTag]int) map[string]int {
	out := make(map[string]int, len(counts))
	for tag, n := range counts {
		out[string(tag)] = n
	}
	return out
}
