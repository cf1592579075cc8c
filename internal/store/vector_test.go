package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, dims int) *VectorIndex {
	t.Helper()
	idx, err := NewVectorIndex(VectorIndexConfig{Dimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestVectorIndexOwnerIsolation(t *testing.T) {
	idx := newTestIndex(t, 3)

	require.NoError(t, idx.Upsert("alice", "a1", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("bob", "b1", []float32{1, 0, 0}))

	hits, err := idx.Search("alice", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a1", hits[0].ID, "a query never crosses the owner boundary")
}

func TestVectorIndexUnknownOwnerEmpty(t *testing.T) {
	idx := newTestIndex(t, 3)
	hits, err := idx.Search("nobody", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorIndexRanking(t *testing.T) {
	idx := newTestIndex(t, 3)

	require.NoError(t, idx.Upsert("alice", "exact", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("alice", "close", []float32{0.9, 0.3, 0}))
	require.NoError(t, idx.Upsert("alice", "far", []float32{0, 0, 1}))

	hits, err := idx.Search("alice", []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "exact", hits[0].ID)
	assert.Equal(t, "close", hits[1].ID)
	assert.Equal(t, "far", hits[2].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Greater(t, hits[1].Similarity, hits[2].Similarity)
}

func TestVectorIndexUpsertReplaces(t *testing.T) {
	idx := newTestIndex(t, 3)

	require.NoError(t, idx.Upsert("alice", "r1", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("alice", "r1", []float32{0, 1, 0}))

	assert.Equal(t, 1, idx.Count("alice"))

	hits, err := idx.Search("alice", []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5, "only the latest vector is live")
}

func TestVectorIndexDelete(t *testing.T) {
	idx := newTestIndex(t, 3)

	require.NoError(t, idx.Upsert("alice", "d1", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("alice", "d2", []float32{0, 1, 0}))

	idx.Delete("alice", []string{"d1", "missing"})
	assert.Equal(t, 1, idx.Count("alice"))

	hits, err := idx.Search("alice", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2", hits[0].ID)
}

func TestVectorIndexDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Upsert("alice", "x", []float32{1, 0})
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})

	_, err = idx.Search("alice", []float32{1, 0, 0, 0}, 5)
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})
}

func TestDistanceToSimilarityClamps(t *testing.T) {
	assert.Equal(t, 1.0, distanceToSimilarity(0))
	assert.InDelta(t, 0.5, distanceToSimilarity(0.5), 1e-9)
	assert.Equal(t, 0.0, distanceToSimilarity(1.5), "anti-correlated clamps to zero")
}
