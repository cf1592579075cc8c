// Package cache provides a TTL-based query cache for expensive read
// results. The cache is never authoritative: every entry is recomputable
// from source data, so corruption or loss degrades latency, not
// correctness.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridianhq/meridian-core/internal/store"
)

// DefaultTTL applies when callers pass ttl <= 0.
const DefaultTTL = 5 * time.Minute

// ComputeFunc produces the payload on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is a sqlite-backed TTL cache. Concurrent misses for the same key
// are collapsed into a single compute via singleflight; operations on
// different keys are fully independent.
type Cache struct {
	db     *store.SQLiteStore
	group  singleflight.Group
	logger *slog.Logger

	now func() time.Time
}

// New creates a cache over the shared database.
func New(db *store.SQLiteStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key builds a cache key from owner, operation, and parameters.
// The owner component is hashed into a stable prefix so writes can
// invalidate an owner's entries in one pass.
func Key(owner, operation string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	opHash := hex.EncodeToString(h.Sum(nil)[:16])
	return store.OwnerKeyPrefix(owner) + opHash
}

// GetOrCompute returns the cached payload for key when present and within
// TTL; otherwise it invokes compute, stores the result with a fresh
// expiry, and returns it. A storage failure on read or write falls back
// to computing: stale-or-missing cache is transparent, never an error.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if payload, hit, err := c.db.CacheGet(ctx, key, c.now()); err == nil && hit {
		return payload, nil
	} else if err != nil {
		c.logger.Warn("cache read failed, computing", slog.String("error", err.Error()))
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check inside the flight: a concurrent caller may have
		// stored the value while this one waited.
		if payload, hit, err := c.db.CacheGet(ctx, key, c.now()); err == nil && hit {
			return payload, nil
		}

		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if err := c.db.CacheSet(ctx, key, payload, c.now().Add(ttl)); err != nil {
			c.logger.Warn("cache write failed", slog.String("error", err.Error()))
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// InvalidateOwner drops every entry scoped to an owner. Best-effort,
// called after writes that affect the owner's underlying data.
func (c *Cache) InvalidateOwner(ctx context.Context, owner string) {
	if err := c.db.CacheInvalidateOwner(ctx, owner); err != nil {
		c.logger.Warn("cache invalidation failed",
			slog.String("owner_prefix", strings.TrimSuffix(store.OwnerKeyPrefix(owner), ":")),
			slog.String("error", err.Error()))
	}
}

// Cleanup purges entries expired for longer than grace. Idempotent;
// invoked by the external scheduler.
func (c *Cache) Cleanup(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := c.db.CachePurgeExpired(ctx, c.now().Add(-grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("query cache cleaned", slog.Int64("purged", n))
	}
	return n, nil
}
