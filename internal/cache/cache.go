// Package cache provides the advisory redis caches.
//
// Every cache here is lossy by contract: a miss, a stale entry, or redis
// being down must never change engine behavior beyond an extra database
// read. Errors are logged at debug level and swallowed.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tradelot/pkg/types"
)

// SnapshotCache keeps recently materialized position states keyed by
// position key.
type SnapshotCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotCache wraps a redis client. A nil client yields a no-op cache,
// which is how dry-run mode disables redis entirely.
func NewSnapshotCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl, logger: logger.With("component", "snapshot-cache")}
}

func (c *SnapshotCache) key(positionKey string) string { return "pos:" + positionKey }

// Get returns the cached state or nil on miss/error.
func (c *SnapshotCache) Get(ctx context.Context, positionKey string) *types.PositionState {
	if c == nil || c.rdb == nil {
		return nil
	}
	data, err := c.rdb.Get(ctx, c.key(positionKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache get failed", "position_key", positionKey, "error", err)
		}
		return nil
	}
	var state types.PositionState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Debug("cache entry corrupt, dropping", "position_key", positionKey, "error", err)
		c.Invalidate(ctx, positionKey)
		return nil
	}
	return &state
}

// Put stores the state. Failures are logged and ignored.
func (c *SnapshotCache) Put(ctx context.Context, state *types.PositionState) {
	if c == nil || c.rdb == nil || state == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		c.logger.Debug("cache marshal failed", "position_key", state.PositionKey, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, c.key(state.PositionKey), data, c.ttl).Err(); err != nil {
		c.logger.Debug("cache put failed", "position_key", state.PositionKey, "error", err)
	}
}

// Invalidate drops the entry, e.g. after a coldpath correction.
func (c *SnapshotCache) Invalidate(ctx context.Context, positionKey string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, c.key(positionKey)).Err(); err != nil {
		c.logger.Debug("cache invalidate failed", "position_key", positionKey, "error", err)
	}
}
