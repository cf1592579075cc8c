// Package store is the persistence layer: embedding records, the entity
// registry, the behavioral metrics log, the query cache, and aggregate
// snapshots live in SQLite; similarity search runs against per-owner
// HNSW graphs kept in memory and derived from the SQLite rows.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DomainTag identifies which hierarchy level an embedding belongs to.
type DomainTag string

const (
	DomainPillar  DomainTag = "pillar"
	DomainArea    DomainTag = "area"
	DomainProject DomainTag = "project"
	DomainTask    DomainTag = "task"
	DomainJournal DomainTag = "journal_entry"
)

// KnownDomainTags lists every valid hierarchy level.
var KnownDomainTags = []DomainTag{
	DomainPillar, DomainArea, DomainProject, DomainTask, DomainJournal,
}

// ValidDomainTag reports whether tag names a hierarchy level.
func ValidDomainTag(tag DomainTag) bool {
	for _, t := range KnownDomainTags {
		if t == tag {
			return true
		}
	}
	return false
}

// EmbeddingRecord is the current embedding for one (owner, entity, field).
// At most one record exists per key; updates replace in place.
type EmbeddingRecord struct {
	ID          string    // sha256(owner|entity_id|field), stable across updates
	Owner       string    // owning user id; isolation boundary
	DomainTag   DomainTag // hierarchy level of the source entity
	EntityID    string    // source entity id
	Field       string    // embeddable field, e.g. "title", "description"
	TextSnippet string    // display snippet of the embedded text
	Vector      []float32 // fixed-dimension embedding
	ContentHash string    // fingerprint of the embedded text
	CreatedAt   time.Time // when this version was committed
}

// RecordID derives the stable record id for a (owner, entity, field) key.
// Upserts with the same key produce the same id, which is what lets the
// vector index replace instead of append.
func RecordID(owner, entityID, field string) string {
	sum := sha256.Sum256([]byte(owner + "\x00" + entityID + "\x00" + field))
	return hex.EncodeToString(sum[:])
}

// SearchMatch is one ranked similarity result.
type SearchMatch struct {
	Record     *EmbeddingRecord
	Similarity float64 // normalized to [0,1]
}

// Entity is a registry row mirroring a source entity for ownership checks
// and snapshot counts. The registry is derived from entity_changed events;
// the core never mutates source entities.
type Entity struct {
	Owner      string
	EntityType DomainTag
	EntityID   string
	Name       string
	UpdatedAt  time.Time
}

// BehaviorEntry is one row of the bounded per-entity behavior log.
type BehaviorEntry struct {
	ID         string
	Owner      string
	EntityType DomainTag
	EntityID   string
	Payload    []byte // JSON metric payload
	Timestamp  time.Time
}

// Snapshot is a materialized aggregate, replaced wholesale per
// (owner, period) on each successful scheduler run.
type Snapshot struct {
	Owner      string
	Period     string // e.g. "daily", "weekly"
	Metrics    []byte // JSON aggregate metrics
	ComputedAt time.Time
}

// ErrDimensionMismatch indicates a vector of the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
