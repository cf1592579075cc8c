package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(owner, entityID, field, text string) *EmbeddingRecord {
	return &EmbeddingRecord{
		Owner:       owner,
		DomainTag:   DomainPillar,
		EntityID:    entityID,
		Field:       field,
		TextSnippet: text,
		Vector:      []float32{0.1, 0.2, 0.3, 0.4},
		ContentHash: "hash-" + text,
	}
}

func TestUpsertEmbeddingReplacesInPlace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("alice", "pillar-1", "description", "Daily fitness")
	require.NoError(t, db.UpsertEmbedding(ctx, rec))

	updated := testRecord("alice", "pillar-1", "description", "Daily fitness and nutrition")
	updated.Vector = []float32{0.9, 0.8, 0.7, 0.6}
	require.NoError(t, db.UpsertEmbedding(ctx, updated))

	// At most one current record per (owner, entity, field).
	n, err := db.CountEmbeddings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetEmbedding(ctx, "alice", "pillar-1", "description")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hash-Daily fitness and nutrition", got.ContentHash)
	assert.Equal(t, []float32{0.9, 0.8, 0.7, 0.6}, got.Vector)
	assert.Equal(t, rec.ID, got.ID, "record id is stable across updates")
}

func TestContentHashMissingRecord(t *testing.T) {
	db := newTestDB(t)
	hash, err := db.ContentHash(context.Background(), "alice", "nope", "title")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestDeleteEmbeddingsCascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertEmbedding(ctx, testRecord("alice", "task-1", "title", "a")))
	require.NoError(t, db.UpsertEmbedding(ctx, testRecord("alice", "task-1", "description", "b")))
	require.NoError(t, db.UpsertEmbedding(ctx, testRecord("alice", "task-2", "title", "c")))

	ids, err := db.DeleteEmbeddings(ctx, "alice", "task-1")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	n, err := db.CountEmbeddings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVectorRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("alice", "p1", "title", "x")
	rec.Vector = []float32{-1.5, 0, 2.25, 3.5e-8}
	require.NoError(t, db.UpsertEmbedding(ctx, rec))

	got, err := db.GetEmbedding(ctx, "alice", "p1", "title")
	require.NoError(t, err)
	assert.Equal(t, rec.Vector, got.Vector)
}

func TestEntityRegistry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertEntity(ctx, &Entity{
		Owner: "alice", EntityType: DomainPillar, EntityID: "pillar-1", Name: "Health",
	}))
	require.NoError(t, db.UpsertEntity(ctx, &Entity{
		Owner: "alice", EntityType: DomainArea, EntityID: "area-1", Name: "Fitness",
	}))

	owner, err := db.EntityOwner(ctx, DomainPillar, "pillar-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	owner, err = db.EntityOwner(ctx, DomainPillar, "unknown")
	require.NoError(t, err)
	assert.Empty(t, owner)

	counts, err := db.CountEntities(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[DomainPillar])
	assert.Equal(t, 1, counts[DomainArea])

	owners, err := db.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, owners)

	require.NoError(t, db.DeleteEntity(ctx, DomainPillar, "pillar-1"))
	owner, err = db.EntityOwner(ctx, DomainPillar, "pillar-1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func appendTestBehavior(t *testing.T, db *SQLiteStore, owner, entityID string, ts time.Time, window int) {
	t.Helper()
	require.NoError(t, db.AppendBehavior(context.Background(), &BehaviorEntry{
		ID:         uuid.NewString(),
		Owner:      owner,
		EntityType: DomainPillar,
		EntityID:   entityID,
		Payload:    []byte(`{"alignment_score":50}`),
		Timestamp:  ts,
	}, window))
}

func TestBehaviorWindowBound(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC()

	// Append 91 entries with a window of 90: the oldest must be evicted.
	for i := 0; i < 91; i++ {
		appendTestBehavior(t, db, "alice", "pillar-1", base.Add(time.Duration(i)*time.Second), 90)
	}

	entries, err := db.ListBehavior(context.Background(), "alice", "pillar-1")
	require.NoError(t, err)
	require.Len(t, entries, 90)

	// Newest first; the very first append (base+0s) is gone.
	assert.Equal(t, base.Add(90*time.Second).UnixNano(), entries[0].Timestamp.UnixNano())
	assert.Equal(t, base.Add(1*time.Second).UnixNano(), entries[len(entries)-1].Timestamp.UnixNano())
}

func TestBehaviorWindowPerEntity(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		appendTestBehavior(t, db, "alice", "pillar-1", base.Add(time.Duration(i)*time.Second), 3)
		appendTestBehavior(t, db, "alice", "pillar-2", base.Add(time.Duration(i)*time.Second), 3)
	}

	ctx := context.Background()
	e1, err := db.ListBehavior(ctx, "alice", "pillar-1")
	require.NoError(t, err)
	e2, err := db.ListBehavior(ctx, "alice", "pillar-2")
	require.NoError(t, err)
	assert.Len(t, e1, 3, "window applies per entity")
	assert.Len(t, e2, 3)
}

func TestQueryCacheExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.CacheSet(ctx, "k1", []byte("payload"), now.Add(time.Minute)))

	got, hit, err := db.CacheGet(ctx, "k1", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("payload"), got)

	_, hit, err = db.CacheGet(ctx, "k1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, hit, "entry past expiry is a miss")
}

func TestCachePurgeExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.CacheSet(ctx, "old", []byte("x"), now.Add(-2*time.Hour)))
	require.NoError(t, db.CacheSet(ctx, "fresh", []byte("y"), now.Add(time.Hour)))

	n, err := db.CachePurgeExpired(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, hit, err := db.CacheGet(ctx, "fresh", now)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestCacheInvalidateOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	require.NoError(t, db.CacheSet(ctx, OwnerKeyPrefix("alice")+"op1", []byte("a"), exp))
	require.NoError(t, db.CacheSet(ctx, OwnerKeyPrefix("bob")+"op1", []byte("b"), exp))

	require.NoError(t, db.CacheInvalidateOwner(ctx, "alice"))

	_, hit, _ := db.CacheGet(ctx, OwnerKeyPrefix("alice")+"op1", time.Now())
	assert.False(t, hit)
	_, hit, _ = db.CacheGet(ctx, OwnerKeyPrefix("bob")+"op1", time.Now())
	assert.True(t, hit, "other owners' entries survive")
}

func TestSnapshotReplacedWholesale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveSnapshot(ctx, &Snapshot{
		Owner: "alice", Period: "daily", Metrics: []byte(`{"v":1}`),
	}))
	require.NoError(t, db.SaveSnapshot(ctx, &Snapshot{
		Owner: "alice", Period: "daily", Metrics: []byte(`{"v":2}`),
	}))

	snap, err := db.GetSnapshot(ctx, "alice", "daily")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"v":2}`, string(snap.Metrics))

	missing, err := db.GetSnapshot(ctx, "alice", "weekly")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPurgeSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := &Snapshot{Owner: "a", Period: "daily", Metrics: []byte(`{}`),
		ComputedAt: time.Now().UTC().Add(-40 * 24 * time.Hour)}
	fresh := &Snapshot{Owner: "b", Period: "daily", Metrics: []byte(`{}`)}
	require.NoError(t, db.SaveSnapshot(ctx, old))
	require.NoError(t, db.SaveSnapshot(ctx, fresh))

	n, err := db.PurgeSnapshots(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/core.db"

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.UpsertEmbedding(ctx, testRecord("alice", fmt.Sprintf("p%d", i), "title", "t")))
	}
	require.NoError(t, db.Close())

	db2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db2.Close()

	n, err := db2.CountEmbeddings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
