package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/store"
)

// BackfillItem is one entity to (re)embed during a backfill sweep.
type BackfillItem struct {
	Owner     string
	DomainTag store.DomainTag
	EntityID  string
	Name      string
	// Fields maps embeddable field names to their current text.
	Fields map[string]string
}

// BackfillResult summarizes a backfill sweep.
type BackfillResult struct {
	// Embedded counts fields that produced a new embedding record.
	Embedded int
	// Skipped counts fields whose stored fingerprint already matched.
	Skipped int
	// Failed counts entities that could not be fully processed.
	Failed int
}

// Backfill embeds every item, bounded to the worker pool size in
// parallel. A failing entity is logged and counted without aborting the
// sweep; only context cancellation stops it early. Unchanged fields are
// fingerprint-skipped, so re-running a backfill is cheap.
func (p *Pipeline) Backfill(ctx context.Context, items []BackfillItem) (*BackfillResult, error) {
	var embedded, skipped, failed int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			// Stop picking up new items once the sweep is cancelled.
			if err := ctx.Err(); err != nil {
				return err
			}

			if !store.ValidDomainTag(item.DomainTag) {
				atomic.AddInt64(&failed, 1)
				p.logger.Error("backfill item has unknown entity type",
					slog.String("entity_id", item.EntityID),
					slog.String("entity_type", string(item.DomainTag)))
				return nil
			}

			if err := p.store.DB().UpsertEntity(ctx, &store.Entity{
				Owner:      item.Owner,
				EntityType: item.DomainTag,
				EntityID:   item.EntityID,
				Name:       item.Name,
			}); err != nil {
				atomic.AddInt64(&failed, 1)
				p.logger.Error("backfill registry upsert failed",
					slog.String("entity_id", item.EntityID),
					slog.String("error", err.Error()))
				return nil
			}

			itemFailed := false
			for field, text := range item.Fields {
				committed, err := p.processField(ctx, item.Owner, item.DomainTag, item.EntityID, field, text)
				switch {
				case err != nil && ctx.Err() != nil:
					return err
				case err != nil:
					itemFailed = true
					p.logger.Error("backfill embedding failed",
						slog.String("owner", item.Owner),
						slog.String("entity_id", item.EntityID),
						slog.String("field", field),
						slog.String("error", err.Error()))
				case committed:
					atomic.AddInt64(&embedded, 1)
				default:
					atomic.AddInt64(&skipped, 1)
				}
			}
			if itemFailed {
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeInternal, err)
	}

	res := &BackfillResult{
		Embedded: int(atomic.LoadInt64(&embedded)),
		Skipped:  int(atomic.LoadInt64(&skipped)),
		Failed:   int(atomic.LoadInt64(&failed)),
	}
	if p.cache != nil && res.Embedded > 0 {
		owners := make(map[string]bool)
		for _, item := range items {
			if !owners[item.Owner] {
				owners[item.Owner] = true
				p.cache.InvalidateOwner(ctx, item.Owner)
			}
		}
	}
	p.logger.Info("backfill complete",
		slog.Int("embedded", res.Embedded),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed))
	return res, nil
}
