package store

import (
	"math"
	"sync"

	"github.com/coder/hnsw"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
)

// VectorIndexConfig configures the HNSW graphs.
type VectorIndexConfig struct {
	// Dimensions is the vector dimension.
	Dimensions int
	// M is HNSW max connections per layer (default: 16).
	M int
	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// VectorIndex provides approximate nearest-neighbor search over embedding
// vectors. One HNSW graph is kept per owner, so a query can only ever see
// the querying owner's vectors; isolation is structural, not a filter.
//
// Graph maintenance happens on upsert/delete, off the query path.
type VectorIndex struct {
	mu     sync.RWMutex
	config VectorIndexConfig
	owners map[string]*ownerGraph
	closed bool
}

// ownerGraph is one owner's graph plus the string<->uint64 id mapping
// coder/hnsw needs.
type ownerGraph struct {
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64 // record ID -> internal key
	keyMap  map[uint64]string // internal key -> record ID
	nextKey uint64
}

// NewVectorIndex creates an empty index.
func NewVectorIndex(cfg VectorIndexConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, cerrors.New(cerrors.ErrCodeConfigInvalid, "vector index dimensions must be positive", nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}
	return &VectorIndex{
		config: cfg,
		owners: make(map[string]*ownerGraph),
	}, nil
}

func (v *VectorIndex) newOwnerGraph() *ownerGraph {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = v.config.M
	graph.EfSearch = v.config.EfSearch
	graph.Ml = 0.25
	return &ownerGraph{
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Upsert inserts or replaces a vector for the given record id.
func (v *VectorIndex) Upsert(owner, id string, vector []float32) error {
	if len(vector) != v.config.Dimensions {
		return ErrDimensionMismatch{Expected: v.config.Dimensions, Got: len(vector)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return cerrors.New(cerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}

	og, ok := v.owners[owner]
	if !ok {
		og = v.newOwnerGraph()
		v.owners[owner] = og
	}

	// Replace via lazy deletion: orphan the old key instead of removing
	// the node, which coder/hnsw handles badly for the last node.
	if oldKey, exists := og.idMap[id]; exists {
		delete(og.keyMap, oldKey)
		delete(og.idMap, id)
	}

	key := og.nextKey
	og.nextKey++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	og.graph.Add(hnsw.MakeNode(key, vec))
	og.idMap[id] = key
	og.keyMap[key] = id
	return nil
}

// Delete removes vectors by record id. Missing ids are ignored.
func (v *VectorIndex) Delete(owner string, ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	og, ok := v.owners[owner]
	if !ok {
		return
	}
	for _, id := range ids {
		if key, exists := og.idMap[id]; exists {
			delete(og.keyMap, key)
			delete(og.idMap, id)
		}
	}
}

// VectorHit is one raw ANN result before metadata join.
type VectorHit struct {
	ID         string
	Similarity float64 // 1 - cosine distance, clamped to [0,1]
}

// Search returns up to k nearest neighbors within the owner's graph,
// most similar first. Owners with no vectors get an empty result.
func (v *VectorIndex) Search(owner string, query []float32, k int) ([]VectorHit, error) {
	if len(query) != v.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: v.config.Dimensions, Got: len(query)}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, cerrors.New(cerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}

	og, ok := v.owners[owner]
	if !ok || og.graph.Len() == 0 {
		return []VectorHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Overshoot to compensate for lazily-deleted orphans in the graph.
	orphans := og.graph.Len() - len(og.idMap)
	nodes := og.graph.Search(normalized, k+orphans)

	hits := make([]VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, exists := og.keyMap[node.Key]
		if !exists {
			// Orphaned by a replace or delete; skip.
			continue
		}
		distance := og.graph.Distance(normalized, node.Value)
		hits = append(hits, VectorHit{ID: id, Similarity: distanceToSimilarity(distance)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Count returns the number of live vectors for an owner.
func (v *VectorIndex) Count(owner string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	og, ok := v.owners[owner]
	if !ok {
		return 0
	}
	return len(og.idMap)
}

// Close releases the graphs.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.owners = nil
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToSimilarity converts cosine distance (0..2) to the similarity
// score contract: 1 - distance, clamped to [0,1]. Anti-correlated vectors
// clamp to 0, which is below any useful similarity floor anyway.
func distanceToSimilarity(distance float32) float64 {
	sim := 1.0 - float64(distance)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
