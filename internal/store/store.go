package store

import (
	"context"
	"log/slog"
	"sort"
)

// Store composes the SQLite record store and the in-memory vector index
// into one vector store surface: upsert, cascade delete, and
// owner-isolated ranked similarity queries.
type Store struct {
	db    *SQLiteStore
	index *VectorIndex
	dims  int
}

// Open opens the database at path and rebuilds the vector index from the
// persisted records. An empty path is an in-memory store for testing.
func Open(path string, dims int) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	index, err := NewVectorIndex(VectorIndexConfig{Dimensions: dims})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, index: index, dims: dims}
	if err := s.rebuildIndex(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// rebuildIndex loads every persisted vector into the HNSW graphs.
// Records with a stale dimension (after a model change) are skipped and
// will be regenerated by the next backfill.
func (s *Store) rebuildIndex(ctx context.Context) error {
	skipped := 0
	err := s.db.ForEachEmbedding(ctx, func(rec *EmbeddingRecord) error {
		if len(rec.Vector) != s.dims {
			skipped++
			return nil
		}
		return s.index.Upsert(rec.Owner, rec.ID, rec.Vector)
	})
	if err != nil {
		return err
	}
	if skipped > 0 {
		slog.Warn("skipped records with stale dimensions during index rebuild",
			slog.Int("skipped", skipped), slog.Int("expected_dims", s.dims))
	}
	return nil
}

// Upsert writes the record to SQLite and the vector index. The record's
// (owner, entity, field) key determines the stable id, so an update
// replaces the previous version in both places.
func (s *Store) Upsert(ctx context.Context, rec *EmbeddingRecord) error {
	if len(rec.Vector) != s.dims {
		return ErrDimensionMismatch{Expected: s.dims, Got: len(rec.Vector)}
	}
	if rec.ID == "" {
		rec.ID = RecordID(rec.Owner, rec.EntityID, rec.Field)
	}
	if err := s.db.UpsertEmbedding(ctx, rec); err != nil {
		return err
	}
	return s.index.Upsert(rec.Owner, rec.ID, rec.Vector)
}

// DeleteEntity cascades deletion of all derived records for a source
// entity: SQLite rows and index vectors.
func (s *Store) DeleteEntity(ctx context.Context, owner, entityID string) error {
	ids, err := s.db.DeleteEmbeddings(ctx, owner, entityID)
	if err != nil {
		return err
	}
	s.index.Delete(owner, ids)
	return nil
}

// Query returns up to topK records ranked by descending cosine
// similarity, ties broken by recency (newer record wins). Only the given
// owner's records are reachable. domainFilter narrows results to the
// given hierarchy levels; empty means all.
func (s *Store) Query(ctx context.Context, owner string, queryVec []float32, domainFilter []DomainTag, topK int) ([]SearchMatch, error) {
	if topK <= 0 {
		topK = 10
	}

	// Overshoot when filtering so the post-filter cut still fills topK.
	k := topK
	if len(domainFilter) > 0 {
		k = topK * 4
	}

	hits, err := s.index.Search(owner, queryVec, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []SearchMatch{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	records, err := s.db.GetEmbeddingsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	allowed := make(map[DomainTag]bool, len(domainFilter))
	for _, tag := range domainFilter {
		allowed[tag] = true
	}

	matches := make([]SearchMatch, 0, len(hits))
	for _, h := range hits {
		rec, ok := records[h.ID]
		if !ok {
			// Index ahead of a concurrent delete; skip.
			continue
		}
		if len(allowed) > 0 && !allowed[rec.DomainTag] {
			continue
		}
		matches = append(matches, SearchMatch{Record: rec, Similarity: h.Similarity})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.CreatedAt.After(matches[j].Record.CreatedAt)
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DB exposes the underlying SQLite store for the metrics, cache, and
// aggregation layers, which share the same database.
func (s *Store) DB() *SQLiteStore { return s.db }

// Dimensions returns the configured vector dimension.
func (s *Store) Dimensions() int { return s.dims }

// VectorCount returns the number of indexed vectors for an owner.
func (s *Store) VectorCount(owner string) int { return s.index.Count(owner) }

// Close closes the index and the database.
func (s *Store) Close() error {
	_ = s.index.Close()
	return s.db.Close()
}
