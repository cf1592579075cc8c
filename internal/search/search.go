// Package search is the read side of the semantic memory: natural
// language queries over an owner's embedded entities. Results are ranked
// by normalized similarity and filtered by a floor, and the only failure
// mode callers see is "search temporarily unavailable"; stale or partial
// results are never served.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhq/meridian-core/internal/embed"
	cerrors "github.com/meridianhq/meridian-core/internal/errors"
	"github.com/meridianhq/meridian-core/internal/store"
)

// Defaults for unset query parameters.
const (
	DefaultMaxResults    = 10
	DefaultMinSimilarity = 0.7
)

// Result is one ranked match.
type Result struct {
	EntityType store.DomainTag `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Field      string          `json:"field"`
	Snippet    string          `json:"snippet"`
	// Score is cosine similarity normalized to [0,1].
	Score float64 `json:"score"`
}

// Options tune the service.
type Options struct {
	// MaxResults and MinSimilarity are the defaults applied when a query
	// leaves them unset. Zero values select the package defaults.
	MaxResults    int
	MinSimilarity float64
	// QueryCacheSize bounds the LRU that reuses query embeddings for
	// repeated query text. <= 0 selects the embed package default.
	QueryCacheSize int
	// Retry governs the provider call for the query embedding.
	Retry embed.RetryConfig
}

// Service executes semantic searches.
type Service struct {
	store    *store.Store
	embedder embed.Embedder
	retry    embed.RetryConfig

	maxResults    int
	minSimilarity float64
	logger        *slog.Logger
}

// NewService wraps the embedder in a query-embedding LRU and returns the
// search service.
func NewService(st *store.Store, embedder embed.Embedder, opts Options, logger *slog.Logger) *Service {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = DefaultMinSimilarity
	}
	if opts.QueryCacheSize <= 0 {
		opts.QueryCacheSize = embed.DefaultQueryCacheSize
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = embed.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         st,
		embedder:      embed.NewCachedEmbedder(embedder, opts.QueryCacheSize),
		retry:         opts.Retry,
		maxResults:    opts.MaxResults,
		minSimilarity: opts.MinSimilarity,
		logger:        logger,
	}
}

// Query is one search request. MaxResults <= 0 and MinSimilarity <= 0
// select the service defaults.
type Query struct {
	Owner         string
	Text          string
	DomainFilters []store.DomainTag
	MaxResults    int
	MinSimilarity float64
}

// Search embeds the query text and returns the owner's matches at or
// above the similarity floor, best first. Any provider or index failure
// surfaces as a single search-unavailable error.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Owner == "" {
		return nil, cerrors.ValidationError("owner must be set")
	}
	if _, ok := embed.Fingerprint(q.Text); !ok {
		return nil, cerrors.New(cerrors.ErrCodeEmptyContent, "query text must not be empty", nil)
	}
	for _, tag := range q.DomainFilters {
		if !store.ValidDomainTag(tag) {
			return nil, cerrors.New(cerrors.ErrCodeUnknownType,
				fmt.Sprintf("unknown entity type filter %q", tag), nil)
		}
	}

	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = s.maxResults
	}
	minSimilarity := q.MinSimilarity
	if minSimilarity <= 0 {
		minSimilarity = s.minSimilarity
	}

	start := time.Now()
	var queryVec []float32
	err := embed.WithRetry(ctx, s.retry, func() error {
		v, embErr := s.embedder.Embed(ctx, q.Text)
		if embErr == nil {
			queryVec = v
		}
		return embErr
	})
	if err != nil {
		s.logger.Warn("query embedding failed",
			slog.String("owner", q.Owner),
			slog.String("error", err.Error()))
		return nil, cerrors.SearchUnavailable(err)
	}

	matches, err := s.store.Query(ctx, q.Owner, queryVec, q.DomainFilters, maxResults)
	if err != nil {
		s.logger.Warn("vector query failed",
			slog.String("owner", q.Owner),
			slog.String("error", err.Error()))
		return nil, cerrors.SearchUnavailable(err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < minSimilarity {
			continue
		}
		results = append(results, Result{
			EntityType: m.Record.DomainTag,
			EntityID:   m.Record.EntityID,
			Field:      m.Record.Field,
			Snippet:    m.Record.TextSnippet,
			Score:      m.Similarity,
		})
	}

	s.logger.Debug("search complete",
		slog.String("owner", q.Owner),
		slog.Int("results", len(results)),
		slog.Duration("elapsed", time.Since(start)))
	return results, nil
}
