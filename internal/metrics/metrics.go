// Package metrics maintains the bounded behavioral metrics log: a rolling
// window of engagement signals per hierarchy entity. Long-term history is
// intentionally not retained here; longer views live in the aggregate
// snapshot.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/store"
)

// DefaultWindowSize bounds the per-entity rolling log.
const DefaultWindowSize = 90

// Payload is one behavioral metric sample. A small required numeric shape
// plus an open extension bag, validated on append rather than stored as an
// unchecked blob.
type Payload struct {
	// AlignmentScore is how aligned recent activity is with the entity's
	// intent, 0-100.
	AlignmentScore float64 `json:"alignment_score"`
	// TasksCompleted counts tasks completed under the entity since the
	// previous sample.
	TasksCompleted int `json:"tasks_completed"`
	// ActiveMinutes is time spent in the entity since the previous sample.
	ActiveMinutes int `json:"active_minutes"`
	// Extra is the open extension bag for additional numeric signals.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// Validate checks the required shape.
func (p *Payload) Validate() error {
	if p.AlignmentScore < 0 || p.AlignmentScore > 100 {
		return cerrors.ValidationError(
			fmt.Sprintf("alignment_score must be in [0,100], got %g", p.AlignmentScore))
	}
	if p.TasksCompleted < 0 {
		return cerrors.ValidationError("tasks_completed must not be negative")
	}
	if p.ActiveMinutes < 0 {
		return cerrors.ValidationError("active_minutes must not be negative")
	}
	return nil
}

// metricEntityTypes are the hierarchy levels that carry behavioral metrics.
var metricEntityTypes = map[store.DomainTag]bool{
	store.DomainPillar: true,
	store.DomainArea:   true,
}

// Log appends behavioral metric entries with ownership enforcement and the
// rolling window bound.
type Log struct {
	db         *store.SQLiteStore
	windowSize int
	logger     *slog.Logger

	// now is swappable for tests; entries always get a server-assigned
	// timestamp, never a caller-supplied one.
	now func() time.Time
}

// NewLog creates a metrics log over the shared database.
// windowSize <= 0 selects the default of 90.
func NewLog(db *store.SQLiteStore, windowSize int, logger *slog.Logger) *Log {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		db:         db,
		windowSize: windowSize,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Append validates and appends one metric sample for (owner, entity).
//
// Rejections happen before any write: unknown entity types fail
// validation, and an entity not owned by the caller fails authorization
// with no side effect. Appends beyond the window bound evict the oldest
// entries (FIFO).
func (l *Log) Append(ctx context.Context, owner string, entityType store.DomainTag, entityID string, payload *Payload) error {
	if owner == "" {
		return cerrors.ValidationError("owner must be set")
	}
	if entityID == "" {
		return cerrors.ValidationError("entity_id must be set")
	}
	if !metricEntityTypes[entityType] {
		return cerrors.New(cerrors.ErrCodeUnknownType,
			fmt.Sprintf("behavioral metrics accept pillar or area, got %q", entityType), nil)
	}
	if payload == nil {
		return cerrors.ValidationError("payload must be set")
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	actualOwner, err := l.db.EntityOwner(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if actualOwner == "" || actualOwner != owner {
		return cerrors.AuthorizationError(
			fmt.Sprintf("%s %s does not belong to caller", entityType, entityID))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInternal, err)
	}

	entry := &store.BehaviorEntry{
		ID:         uuid.NewString(),
		Owner:      owner,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    raw,
		Timestamp:  l.now(),
	}
	if err := l.db.AppendBehavior(ctx, entry, l.windowSize); err != nil {
		return err
	}

	l.logger.Debug("behavior metric appended",
		slog.String("owner", owner),
		slog.String("entity_type", string(entityType)),
		slog.String("entity_id", entityID))
	return nil
}

// Window returns the rolling window for one entity, newest first, with
// payloads decoded. Entries that fail to decode are skipped with a warning
// rather than failing the read.
func (l *Log) Window(ctx context.Context, owner, entityID string) ([]Sample, error) {
	entries, err := l.db.ListBehavior(ctx, owner, entityID)
	if err != nil {
		return nil, err
	}
	return decodeSamples(entries, l.logger), nil
}

// OwnerSamples returns every metric sample for an owner, newest first.
func (l *Log) OwnerSamples(ctx context.Context, owner string) ([]Sample, error) {
	entries, err := l.db.ListBehaviorByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	return decodeSamples(entries, l.logger), nil
}

// Sample is a decoded behavior log entry.
type Sample struct {
	EntityType store.DomainTag
	EntityID   string
	Payload    Payload
	Timestamp  time.Time
}

func decodeSamples(entries []*store.BehaviorEntry, logger *slog.Logger) []Sample {
	samples := make([]Sample, 0, len(entries))
	for _, e := range entries {
		var p Payload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			logger.Warn("skipping undecodable behavior entry",
				slog.String("id", e.ID), slog.String("error", err.Error()))
			continue
		}
		samples = append(samples, Sample{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Payload:    p,
			Timestamp:  e.Timestamp,
		})
	}
	return samples
}

// WindowSize returns the configured bound.
func (l *Log) WindowSize() int { return l.windowSize }
