package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/metrics"
	"github.com/meridianhq/meridian-core/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *metrics.Log, *store.SQLiteStore) {
	t.Helper()
	db, err := store.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.UpsertEntity(ctx, &store.Entity{
		Owner: "alice", EntityType: store.DomainPillar, EntityID: "pillar-1", Name: "Health",
	}))
	require.NoError(t, db.UpsertEntity(ctx, &store.Entity{
		Owner: "alice", EntityType: store.DomainArea, EntityID: "area-1", Name: "Fitness",
	}))

	log := metrics.NewLog(db, 0, nil)
	sched := NewScheduler(db, log, nil, Options{LockDir: t.TempDir()}, nil)
	return sched, log, db
}

func TestRefreshComputesSnapshot(t *testing.T) {
	sched, log, _ := newTestScheduler(t)
	ctx := context.Background()

	for _, score := range []float64{60, 70, 80} {
		require.NoError(t, log.Append(ctx, "alice", store.DomainPillar, "pillar-1",
			&metrics.Payload{AlignmentScore: score, TasksCompleted: 2, ActiveMinutes: 30}))
	}
	require.NoError(t, log.Append(ctx, "alice", store.DomainArea, "area-1",
		&metrics.Payload{AlignmentScore: 50, TasksCompleted: 1, ActiveMinutes: 15}))

	res, err := sched.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Owners)
	assert.Zero(t, res.Failed)

	sm, computedAt, err := sched.Snapshot(ctx, "alice", PeriodDaily)
	require.NoError(t, err)
	require.NotNil(t, sm)
	assert.False(t, computedAt.IsZero())

	assert.Equal(t, 4, sm.SampleCount)
	assert.InDelta(t, 65.0, sm.AlignmentAvg, 1e-9)
	assert.Equal(t, 7, sm.TasksCompleted)
	assert.Equal(t, 105, sm.ActiveMinutes)
	assert.Equal(t, 1, sm.EntityCounts["pillar"])
	assert.Equal(t, 1, sm.EntityCounts["area"])

	require.Contains(t, sm.PerEntity, "pillar/pillar-1")
	assert.InDelta(t, 70.0, sm.PerEntity["pillar/pillar-1"].AlignmentAvg, 1e-9)
	assert.Equal(t, 3, sm.PerEntity["pillar/pillar-1"].SampleCount)

	// Both periods materialize on one run.
	weekly, _, err := sched.Snapshot(ctx, "alice", PeriodWeekly)
	require.NoError(t, err)
	require.NotNil(t, weekly)
	assert.Equal(t, 4, weekly.SampleCount)
}

func TestSnapshotMissingIsNil(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	sm, _, err := sched.Snapshot(context.Background(), "nobody", PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, sm)
}

func TestSnapshotRejectsUnknownPeriod(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	_, _, err := sched.Snapshot(context.Background(), "alice", "hourly")
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeInvalidInput, cerrors.GetCode(err))
}

func TestConcurrentRefreshRunsOnce(t *testing.T) {
	sched, log, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, "alice", store.DomainPillar, "pillar-1",
		&metrics.Payload{AlignmentScore: 75}))

	locked := make(chan struct{})
	release := make(chan struct{})
	sched.onLocked = func() {
		close(locked)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := sched.Refresh(ctx)
		done <- err
	}()

	<-locked

	// Second trigger while the first holds the lock: no writes, fails fast.
	_, err := sched.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeLockHeld, cerrors.GetCode(err))

	sm, _, err := sched.Snapshot(ctx, "alice", PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, sm, "the losing trigger must not write a snapshot")

	close(release)
	require.NoError(t, <-done)

	sm, _, err = sched.Snapshot(ctx, "alice", PeriodDaily)
	require.NoError(t, err)
	require.NotNil(t, sm, "exactly one recomputation ran")
	assert.Equal(t, 1, sm.SampleCount)
}

func TestRefreshReplacesSnapshotWholesale(t *testing.T) {
	sched, log, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, "alice", store.DomainPillar, "pillar-1",
		&metrics.Payload{AlignmentScore: 40}))
	_, err := sched.Refresh(ctx)
	require.NoError(t, err)

	first, firstAt, err := sched.Snapshot(ctx, "alice", PeriodDaily)
	require.NoError(t, err)
	require.Equal(t, 1, first.SampleCount)

	require.NoError(t, log.Append(ctx, "alice", store.DomainPillar, "pillar-1",
		&metrics.Payload{AlignmentScore: 90}))

	sched.now = func() time.Time { return firstAt.Add(time.Minute) }
	_, err = sched.Refresh(ctx)
	require.NoError(t, err)

	second, secondAt, err := sched.Snapshot(ctx, "alice", PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, 2, second.SampleCount)
	assert.InDelta(t, 65.0, second.AlignmentAvg, 1e-9)
	assert.True(t, secondAt.After(firstAt))
}

func TestStaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()

	holder := newRefreshLock(dir, time.Hour)
	acquired, err := holder.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)

	// A fresh holder keeps a short-timeout contender out.
	contender := newRefreshLock(dir, 50*time.Millisecond)
	acquired, err = contender.TryAcquire()
	require.NoError(t, err)
	assert.False(t, acquired)

	// Once the stamp ages past the contender's timeout, the holder is
	// treated as crashed and the lock is taken over.
	time.Sleep(60 * time.Millisecond)
	acquired, err = contender.TryAcquire()
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, contender.Release())
	require.NoError(t, holder.Release())
}

func TestTrend(t *testing.T) {
	// Scores are newest first: recent 90s against older 50s.
	scores := []float64{90, 90, 50, 50}
	assert.InDelta(t, 40.0, trend(scores), 1e-9)

	assert.Zero(t, trend(nil))
	assert.Zero(t, trend([]float64{80}))
}

func TestComputeMetricsRespectsCutoff(t *testing.T) {
	now := time.Now().UTC()
	samples := []metrics.Sample{
		{EntityType: store.DomainPillar, EntityID: "p", Timestamp: now,
			Payload: metrics.Payload{AlignmentScore: 80, TasksCompleted: 1}},
		{EntityType: store.DomainPillar, EntityID: "p", Timestamp: now.Add(-48 * time.Hour),
			Payload: metrics.Payload{AlignmentScore: 20, TasksCompleted: 5}},
	}

	sm := computeMetrics(samples, now.Add(-24*time.Hour))
	assert.Equal(t, 1, sm.SampleCount)
	assert.InDelta(t, 80.0, sm.AlignmentAvg, 1e-9)
	assert.Equal(t, 1, sm.TasksCompleted)
}
