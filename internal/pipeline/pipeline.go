// Package pipeline turns entity change events into committed embedding
// records. Work is deduplicated per (owner, entity, field): rapid updates
// to the same field coalesce so only the latest content reaches the
// provider, and a result computed from superseded content is discarded
// rather than committed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/meridian-core/internal/cache"
	"github.com/meridianhq/meridian-core/internal/embed"
	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/store"
)

// DefaultWorkers is the fixed worker pool size when none is configured.
const DefaultWorkers = 4

// snippetLen bounds the display snippet stored alongside each vector.
const snippetLen = 200

// EntityChanged is the change event consumed from the platform layer.
// ChangedFields maps embeddable field names to their new text; Deleted
// marks the entity as removed, in which case ChangedFields is ignored.
type EntityChanged struct {
	Owner         string
	DomainTag     store.DomainTag
	EntityID      string
	Name          string
	ChangedFields map[string]string
	Deleted       bool
}

type jobState int

const (
	stateQueued jobState = iota
	stateGenerating
	stateCommitted
	stateFailed
)

// job tracks one in-flight (owner, entity, field) unit of work. The
// generation counter increments on every content update; a worker that
// finishes with a stale generation requeues instead of committing.
type job struct {
	id       string
	owner    string
	tag      store.DomainTag
	entityID string
	field    string
	text     string
	gen      uint64
	state    jobState
}

// Options tune the pipeline.
type Options struct {
	// Workers is the fixed pool size. <= 0 selects the default.
	Workers int
	// Retry governs provider calls.
	Retry embed.RetryConfig
}

// Pipeline is the embedding generation pipeline.
type Pipeline struct {
	store    *store.Store
	embedder embed.Embedder
	cache    *cache.Cache
	retry    embed.RetryConfig
	workers  int
	logger   *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*job
	pending []*job
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a pipeline. The cache is optional; when present, an
// owner's cached reads are invalidated whenever the pipeline changes
// that owner's records.
func New(st *store.Store, embedder embed.Embedder, c *cache.Cache, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = embed.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:    st,
		embedder: embedder,
		cache:    c,
		retry:    opts.Retry,
		workers:  opts.Workers,
		logger:   logger,
		jobs:     make(map[string]*job),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker pool. Safe to call once.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains queued work and stops the workers. In-flight jobs run to
// completion; the pipeline accepts no new work afterwards.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// HandleEntityChange processes one change event: registry bookkeeping
// plus enqueueing embedding work for each changed field. Deletions
// cascade to every derived record.
func (p *Pipeline) HandleEntityChange(ctx context.Context, ev *EntityChanged) error {
	if ev.Owner == "" || ev.EntityID == "" {
		return cerrors.ValidationError("entity change requires owner and entity_id")
	}
	if !store.ValidDomainTag(ev.DomainTag) {
		return cerrors.New(cerrors.ErrCodeUnknownType,
			fmt.Sprintf("unknown entity type %q", ev.DomainTag), nil)
	}

	if ev.Deleted {
		return p.deleteEntity(ctx, ev)
	}

	if err := p.store.DB().UpsertEntity(ctx, &store.Entity{
		Owner:      ev.Owner,
		EntityType: ev.DomainTag,
		EntityID:   ev.EntityID,
		Name:       ev.Name,
	}); err != nil {
		return err
	}

	for field, text := range ev.ChangedFields {
		if _, ok := embed.Fingerprint(text); !ok {
			p.logger.Debug("skipping empty field",
				slog.String("entity_id", ev.EntityID), slog.String("field", field))
			continue
		}
		if err := p.enqueue(ev.Owner, ev.DomainTag, ev.EntityID, field, text); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) deleteEntity(ctx context.Context, ev *EntityChanged) error {
	if err := p.store.DeleteEntity(ctx, ev.Owner, ev.EntityID); err != nil {
		return err
	}
	if err := p.store.DB().DeleteEntity(ctx, ev.DomainTag, ev.EntityID); err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.InvalidateOwner(ctx, ev.Owner)
	}
	p.logger.Info("entity deleted, derived records removed",
		slog.String("owner", ev.Owner),
		slog.String("entity_type", string(ev.DomainTag)),
		slog.String("entity_id", ev.EntityID))
	return nil
}

// enqueue registers or coalesces a unit of work. An update to a queued
// job replaces its content in place; an update to a generating job bumps
// the generation so the worker discards its result and requeues.
func (p *Pipeline) enqueue(owner string, tag store.DomainTag, entityID, field, text string) error {
	id := store.RecordID(owner, entityID, field)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return cerrors.New(cerrors.ErrCodeInternal, "pipeline is stopped", nil)
	}

	if j, ok := p.jobs[id]; ok {
		j.text = text
		j.gen++
		return nil
	}

	j := &job{
		id:       id,
		owner:    owner,
		tag:      tag,
		entityID: entityID,
		field:    field,
		text:     text,
		gen:      1,
		state:    stateQueued,
	}
	p.jobs[id] = j
	p.pending = append(p.pending, j)
	p.cond.Signal()
	return nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.pending) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		j := p.pending[0]
		p.pending = p.pending[1:]
		j.state = stateGenerating
		text := j.text
		gen := j.gen
		p.mu.Unlock()

		ctx := context.Background()
		vec, hash, skip, err := p.generate(ctx, j.owner, j.entityID, j.field, text)

		p.mu.Lock()
		if j.gen != gen {
			// Superseded mid-flight. Discard the result, whatever it was,
			// and requeue so the latest text wins.
			j.state = stateQueued
			p.pending = append(p.pending, j)
			p.cond.Signal()
			p.mu.Unlock()
			continue
		}
		committed := false
		if err == nil && !skip {
			// Commit under the lock so a concurrent update cannot slip in
			// between the generation check and the write.
			err = p.store.Upsert(ctx, p.newRecord(j.owner, j.tag, j.entityID, j.field, text, hash, vec))
			committed = err == nil
		}
		if err != nil {
			j.state = stateFailed
			p.logger.Error("embedding job failed",
				slog.String("owner", j.owner),
				slog.String("entity_id", j.entityID),
				slog.String("field", j.field),
				slog.String("error", err.Error()))
		} else {
			j.state = stateCommitted
		}
		delete(p.jobs, j.id)
		p.cond.Broadcast()
		p.mu.Unlock()

		if committed && p.cache != nil {
			p.cache.InvalidateOwner(ctx, j.owner)
		}
	}
}

// generate runs the provider side of one job without committing anything.
// skip=true means the stored fingerprint already matches and the provider
// was never called.
func (p *Pipeline) generate(ctx context.Context, owner, entityID, field, text string) (vec []float32, hash string, skip bool, err error) {
	hash, ok := embed.Fingerprint(text)
	if !ok {
		return nil, "", true, nil
	}

	prev, err := p.store.DB().ContentHash(ctx, owner, entityID, field)
	if err != nil {
		return nil, "", false, err
	}
	if prev == hash {
		return nil, hash, true, nil
	}

	err = embed.WithRetry(ctx, p.retry, func() error {
		v, embErr := p.embedder.Embed(ctx, text)
		if embErr == nil {
			vec = v
		}
		return embErr
	})
	if err != nil {
		return nil, hash, false, err
	}
	return vec, hash, false, nil
}

func (p *Pipeline) newRecord(owner string, tag store.DomainTag, entityID, field, text, hash string, vec []float32) *store.EmbeddingRecord {
	return &store.EmbeddingRecord{
		Owner:       owner,
		DomainTag:   tag,
		EntityID:    entityID,
		Field:       field,
		TextSnippet: snippet(text),
		Vector:      vec,
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
}

// processField generates and commits one embedding record synchronously.
// Used by backfill, where jobs cannot be superseded. Returns
// committed=false when the content was skipped.
func (p *Pipeline) processField(ctx context.Context, owner string, tag store.DomainTag, entityID, field, text string) (bool, error) {
	vec, hash, skip, err := p.generate(ctx, owner, entityID, field, text)
	if err != nil || skip {
		return false, err
	}
	if err := p.store.Upsert(ctx, p.newRecord(owner, tag, entityID, field, text, hash, vec)); err != nil {
		return false, err
	}
	return true, nil
}

// Flush blocks until every enqueued job reaches a terminal state.
// Intended for shutdown and tests; returns immediately once the job
// table is empty.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	for len(p.jobs) > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// PendingJobs returns the number of jobs not yet in a terminal state.
func (p *Pipeline) PendingJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLen {
		return text
	}
	return string(runes[:snippetLen])
}
