package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/store"
)

func newTestLog(t *testing.T, window int) (*Log, *store.SQLiteStore) {
	t.Helper()
	db, err := store.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.UpsertEntity(context.Background(), &store.Entity{
		Owner: "alice", EntityType: store.DomainPillar, EntityID: "pillar-1", Name: "Health",
	}))
	require.NoError(t, db.UpsertEntity(context.Background(), &store.Entity{
		Owner: "alice", EntityType: store.DomainArea, EntityID: "area-1", Name: "Fitness",
	}))

	return NewLog(db, window, nil), db
}

func validPayload() *Payload {
	return &Payload{AlignmentScore: 72.5, TasksCompleted: 3, ActiveMinutes: 45}
}

func TestAppendAndWindow(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	p := validPayload()
	p.Extra = map[string]float64{"journal_entries": 2}
	require.NoError(t, l.Append(ctx, "alice", store.DomainPillar, "pillar-1", p))

	samples, err := l.Window(ctx, "alice", "pillar-1")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 72.5, samples[0].Payload.AlignmentScore, 1e-9)
	assert.InDelta(t, 2, samples[0].Payload.Extra["journal_entries"], 1e-9)
	assert.False(t, samples[0].Timestamp.IsZero(), "timestamp is server-assigned")
}

func TestAppendRejectsUnknownEntityType(t *testing.T) {
	l, _ := newTestLog(t, 0)
	err := l.Append(context.Background(), "alice", store.DomainTask, "task-1", validPayload())
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeUnknownType, cerrors.GetCode(err))
}

func TestAppendRejectsForeignEntityWithoutSideEffect(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	err := l.Append(ctx, "bob", store.DomainPillar, "pillar-1", validPayload())
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeNotOwner, cerrors.GetCode(err))

	// No side effect: neither caller nor owner sees a new entry.
	samples, err := l.Window(ctx, "alice", "pillar-1")
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestAppendRejectsUnregisteredEntity(t *testing.T) {
	l, _ := newTestLog(t, 0)
	err := l.Append(context.Background(), "alice", store.DomainPillar, "ghost", validPayload())
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeNotOwner, cerrors.GetCode(err))
}

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"valid", Payload{AlignmentScore: 50, TasksCompleted: 1, ActiveMinutes: 10}, false},
		{"zero values", Payload{}, false},
		{"score too high", Payload{AlignmentScore: 101}, true},
		{"score negative", Payload{AlignmentScore: -1}, true},
		{"negative tasks", Payload{TasksCompleted: -1}, true},
		{"negative minutes", Payload{ActiveMinutes: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	l, _ := newTestLog(t, 90)
	ctx := context.Background()

	// Deterministic increasing timestamps.
	base := time.Now().UTC().Add(-time.Hour)
	i := 0
	l.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	for n := 0; n < 91; n++ {
		p := validPayload()
		p.TasksCompleted = n
		require.NoError(t, l.Append(ctx, "alice", store.DomainPillar, "pillar-1", p))
	}

	samples, err := l.Window(ctx, "alice", "pillar-1")
	require.NoError(t, err)
	require.Len(t, samples, 90, "log length invariant is always <= 90")

	// The first append (TasksCompleted=0) was evicted; newest first.
	assert.Equal(t, 90, samples[0].Payload.TasksCompleted)
	assert.Equal(t, 1, samples[len(samples)-1].Payload.TasksCompleted)
}

func TestConfigurableWindow(t *testing.T) {
	l, _ := newTestLog(t, 5)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	i := 0
	l.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	for n := 0; n < 8; n++ {
		require.NoError(t, l.Append(ctx, "alice", store.DomainArea, "area-1", validPayload()))
	}
	samples, err := l.Window(ctx, "alice", "area-1")
	require.NoError(t, err)
	assert.Len(t, samples, 5)
}

func TestOwnerSamplesSpanEntities(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "alice", store.DomainPillar, "pillar-1", validPayload()))
	require.NoError(t, l.Append(ctx, "alice", store.DomainArea, "area-1", validPayload()))

	samples, err := l.OwnerSamples(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}
